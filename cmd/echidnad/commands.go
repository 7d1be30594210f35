package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/echidnad/internal/api"
	"github.com/eliteGoblin/echidnad/internal/infra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and engine module status",
	Long: `Shows whether the daemon is running, the cached engine module status
and which audio host processes are present.`,
	RunE: runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent privileged operations",
	RunE:  runHistory,
}

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Manage the privileged engine module",
}

var moduleInstallCmd = &cobra.Command{
	Use:   "install <archive>",
	Short: "Install the engine module from a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runModuleInstall,
}

var moduleUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the engine module",
	Args:  cobra.NoArgs,
	RunE:  runModuleUninstall,
}

var moduleRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-query module and SELinux status",
	Args:  cobra.NoArgs,
	RunE:  runModuleRefresh,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage voice profiles synchronized to the engine",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored profile ids",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profilePushCmd = &cobra.Command{
	Use:   "push <id> <file|->",
	Short: "Store a profile document and sync it to the engine",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilePush,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored profile document",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileDelete,
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist [process] [on|off]",
	Short: "Show or change which processes the engine hooks",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runWhitelist,
}

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Inspect engine telemetry",
}

var telemetrySnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the current telemetry snapshot",
	Args:  cobra.NoArgs,
	RunE:  runTelemetrySnapshot,
}

var telemetryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the consent-gated telemetry export",
	Args:  cobra.NoArgs,
	RunE:  runTelemetryExport,
}

var telemetryOptInCmd = &cobra.Command{
	Use:   "optin [on|off]",
	Short: "Show or change telemetry export consent",
	Args:  cobra.RangeArgs(0, 1),
	RunE:  runTelemetryOptIn,
}

var telemetryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream telemetry snapshots until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runTelemetryWatch,
}

var (
	historyLimit int
	exportTrends bool
	watchCount   int
	prettyPrint  bool
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of entries to show")
	telemetryExportCmd.Flags().BoolVar(&exportTrends, "trends", false, "Include per-sample trends")
	telemetryWatchCmd.Flags().IntVar(&watchCount, "count", 0, "Stop after this many snapshots (0 = until interrupted)")
	telemetryCmd.PersistentFlags().BoolVar(&prettyPrint, "pretty", false, "Indent JSON output")

	moduleCmd.AddCommand(moduleInstallCmd, moduleUninstallCmd, moduleRefreshCmd)
	profileCmd.AddCommand(profileListCmd, profilePushCmd, profileShowCmd, profileDeleteCmd)
	telemetryCmd.AddCommand(telemetrySnapshotCmd, telemetryExportCmd, telemetryOptInCmd, telemetryWatchCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(moduleCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(whitelistCmd)
	rootCmd.AddCommand(telemetryCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.RuntimeDir, pm)

	fmt.Println("\n=== echidnad Status ===")

	entry, _ := registry.Get()
	if entry == nil || !registry.IsAlive() {
		fmt.Println("Daemon: NOT RUNNING")
		fmt.Println("\nRun 'echidnad start' to launch it.")
		return nil
	}
	fmt.Printf("Daemon: RUNNING (pid %d, mode %s)\n", entry.PID, entry.Mode)
	fmt.Printf("Uptime: %s\n", time.Since(time.Unix(entry.StartedAt, 0)).Round(time.Second))

	client := api.NewClient(cfg.APISocket, clientTimeout)
	status, err := client.ModuleStatus(cmd.Context())
	if err != nil {
		fmt.Printf("Control API: unreachable (%v)\n", err)
	} else {
		fmt.Printf("\nModule installed: %t\n", status.ModuleInstalled)
		fmt.Printf("Privileged hook: %t\n", status.PrivilegedHookEnabled)
		fmt.Printf("SELinux: %s\n", status.SelinuxState)
		if status.JavaFallbackActive {
			fmt.Println("Engine mode: Java compatibility (native engine blocked)")
		} else {
			fmt.Println("Engine mode: native")
		}
		if status.LastError != "" {
			fmt.Printf("Last error: %s\n", status.LastError)
		}
	}

	fmt.Println("\nAudio hosts:")
	for _, host := range cfg.AudioHosts {
		pids, err := pm.FindByName(host)
		switch {
		case err != nil:
			fmt.Printf("  - %s: unknown (%v)\n", host, err)
		case len(pids) == 0:
			fmt.Printf("  - %s: not running\n", host)
		default:
			fmt.Printf("  - %s: pid %v\n", host, pids)
		}
	}

	fmt.Println("=======================")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	entries, err := client.History(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No privileged operations recorded.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("#%-4d %s  exit=%d  %dms  %s",
			e.Sequence, e.ExecutedAt.Format(time.RFC3339), e.ExitCode, e.DurationMs, e.Operation)
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		fmt.Println(line)
	}
	return nil
}

func runModuleInstall(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	archive, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	accepted, err := client.InstallModule(cmd.Context(), archive)
	return reportQueued("install", accepted, err)
}

func runModuleUninstall(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	accepted, err := client.UninstallModule(cmd.Context())
	return reportQueued("uninstall", accepted, err)
}

func runModuleRefresh(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	accepted, err := client.RefreshStatus(cmd.Context())
	return reportQueued("refresh", accepted, err)
}

func reportQueued(op string, accepted bool, err error) error {
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("%s refused: daemon busy or stopping", op)
	}
	fmt.Printf("%s queued; run 'echidnad status' to see the result\n", op)
	return nil
}

func runProfileList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ids, err := client.ListProfiles(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runProfilePush(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[1] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	result, err := client.PushProfile(cmd.Context(), args[0], data)
	if err != nil {
		return err
	}
	if result != "accepted" {
		return fmt.Errorf("profile %q rejected: %s", args[0], result)
	}
	fmt.Printf("profile %q stored\n", args[0])
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	data, err := client.ResolveProfile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(data, true)
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	return client.DeleteProfile(cmd.Context(), args[0])
}

func runWhitelist(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	switch len(args) {
	case 0:
		whitelist, err := client.Whitelist(cmd.Context())
		if err != nil {
			return err
		}
		for process, enabled := range whitelist {
			fmt.Printf("%s\t%s\n", process, onOff(enabled))
		}
		return nil
	case 1:
		return fmt.Errorf("missing state: use 'on' or 'off'")
	}

	enabled, err := parseOnOff(args[1])
	if err != nil {
		return err
	}
	return client.UpdateWhitelist(cmd.Context(), args[0], enabled)
}

func runTelemetrySnapshot(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	data, err := client.TelemetrySnapshot(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(data, prettyPrint)
}

func runTelemetryExport(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	data, err := client.ExportTelemetry(cmd.Context(), exportTrends)
	if err != nil {
		return err
	}
	return printJSON(data, prettyPrint)
}

func runTelemetryOptIn(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	var enabled bool
	if len(args) == 0 {
		enabled, err = client.TelemetryOptIn(cmd.Context())
	} else {
		want, perr := parseOnOff(args[0])
		if perr != nil {
			return perr
		}
		enabled, err = client.SetTelemetryOptIn(cmd.Context(), want)
	}
	if err != nil {
		return err
	}
	fmt.Printf("telemetry export: %s\n", onOff(enabled))
	return nil
}

func runTelemetryWatch(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seen := 0
	var printErr error
	err = client.WatchTelemetry(ctx, func(payload []byte) bool {
		if printErr = printJSON(payload, prettyPrint); printErr != nil {
			return false
		}
		seen++
		return watchCount <= 0 || seen < watchCount
	})
	if printErr != nil {
		return printErr
	}
	return err
}

func printJSON(data []byte, pretty bool) error {
	if !pretty {
		fmt.Println(strings.TrimSpace(string(data)))
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("daemon returned invalid JSON: %w", err)
	}
	fmt.Println(buf.String())
	return nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state %q: use 'on' or 'off'", s)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
