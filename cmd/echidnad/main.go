// Package main is the CLI entry point for echidnad.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/echidnad/internal/api"
	"github.com/eliteGoblin/echidnad/internal/config"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const clientTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "echidnad",
	Short: "Control plane for the Echidna voice engine",
	Long: `echidnad mediates between unprivileged clients and the root-level
Echidna audio engine. It decodes engine telemetry, synchronizes voice
profiles to the engine and manages the privileged engine module.

Run 'echidnad start' to launch the daemon, then use the other commands
to talk to it over its local socket.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configFile string
	socketPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default /etc/echidnad/config.yaml or ~/.echidnad/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control API socket (default <runtime dir>/echidnad.sock)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration, applying the --socket override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.New(), configFile)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.APISocket = socketPath
	}
	return cfg, nil
}

func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.APISocket, clientTimeout), nil
}

// createLogger builds the daemon's file logger. It falls back to stderr if
// the log directory is unusable.
func createLogger(logDir, level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if err := os.MkdirAll(logDir, 0750); err == nil {
		cfg.OutputPaths = []string{filepath.Join(logDir, "echidnad.log")}
		cfg.ErrorOutputPaths = []string{filepath.Join(logDir, "echidnad.error.log")}
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("echidnad %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
