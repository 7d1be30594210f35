package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
	"github.com/eliteGoblin/echidnad/internal/infra"
)

var autostartCmd = &cobra.Command{
	Use:   "autostart [enable|disable]",
	Short: "Show or change whether the daemon starts at boot",
	Long: `Installs or removes a Magisk late-start service script that runs
'echidnad start' once boot completes. Without arguments, reports the
current state.`,
	Args:      cobra.RangeArgs(0, 1),
	ValidArgs: []string{"enable", "disable"},
	RunE:      runAutostart,
}

func init() {
	rootCmd.AddCommand(autostartCmd)
}

func newBootScriptManager() (domain.BootScriptManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, _ := zap.NewDevelopment()
	runner := infra.NewRootShellRunner(cfg.SuBinary, cfg.CommandTimeout, nil, nil, logger)

	config := configFile
	if config != "" {
		if config, err = filepath.Abs(config); err != nil {
			return nil, err
		}
	}
	return infra.NewBootScriptManager(runner, cfg.LogDir, config), nil
}

func runAutostart(cmd *cobra.Command, args []string) error {
	manager, err := newBootScriptManager()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	if len(args) == 0 {
		switch {
		case !manager.IsInstalled(ctx):
			fmt.Println("autostart: disabled")
		case manager.NeedsUpdate(ctx, executable):
			fmt.Printf("autostart: enabled (stale, run 'echidnad autostart enable' to refresh)\n  script: %s\n", manager.Path())
		default:
			fmt.Printf("autostart: enabled\n  script: %s\n", manager.Path())
		}
		return nil
	}

	switch args[0] {
	case "enable":
		if err := manager.Install(ctx, executable); err != nil {
			return err
		}
		fmt.Printf("autostart enabled: %s\n", manager.Path())
	case "disable":
		if err := manager.Uninstall(ctx); err != nil {
			return err
		}
		fmt.Println("autostart disabled")
	default:
		return fmt.Errorf("invalid argument %q: use 'enable' or 'disable'", args[0])
	}
	return nil
}
