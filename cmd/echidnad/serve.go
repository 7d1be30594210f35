package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/api"
	"github.com/eliteGoblin/echidnad/internal/config"
	"github.com/eliteGoblin/echidnad/internal/daemon"
	"github.com/eliteGoblin/echidnad/internal/domain"
	"github.com/eliteGoblin/echidnad/internal/infra"
	"github.com/eliteGoblin/echidnad/internal/usecase"
)

const (
	shutdownTimeout = 5 * time.Second
	startupTimeout  = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control daemon in the foreground",
	Long: `Runs the control service and its local API until SIGINT or SIGTERM.
Use 'echidnad start' to run it detached.`,
	RunE: runServe,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the control daemon in the background",
	Long: `Launches 'echidnad serve' in a new session and waits until its
control socket answers.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	v := config.New()
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.APISocket = socketPath
	}

	logger := createLogger(cfg.LogDir, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	if used := config.UsedFile(v); used != "" {
		logger.Info("loaded config", zap.String("file", used))
	}

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.RuntimeDir, pm)
	if registry.IsAlive() {
		if entry, _ := registry.Get(); entry != nil && entry.PID != pm.GetCurrentPID() {
			return fmt.Errorf("daemon already running (pid %d)", entry.PID)
		}
	}

	metrics := infra.NewMetrics()

	var journal domain.OperationJournal
	if cfg.JournalEnabled {
		j, err := infra.OpenJournal(cfg.DataDir)
		if err != nil {
			logger.Warn("operation journal unavailable", zap.Error(err))
		} else {
			journal = j
		}
	}

	runner := infra.NewRootShellRunner(cfg.SuBinary, cfg.CommandTimeout, journal, metrics, logger)
	selinux := infra.NewSelinuxReaderWithRoot(cfg.SelinuxFS)
	probe := usecase.NewCapabilityProbe(selinux, runner, logger)
	controller := usecase.NewModuleController(runner, probe, logger)

	channel := infra.NewSyncChannel(cfg.ProfileSocket, metrics, logger)
	store := usecase.NewProfileStore(infra.NewStateFile(cfg.DataDir), channel, metrics.ProfileMutations, logger)

	reader := infra.NewTelemetryReader(cfg.TelemetryPath, logger)
	exporter := usecase.NewTelemetryExporter(reader, infra.NewOptInFlag(cfg.DataDir), logger)

	listeners := daemon.NewListenerRegistry(exporter.Snapshot, cfg.BroadcastInterval, metrics.ActiveListeners, metrics.Broadcasts, logger)
	service := daemon.NewService(daemon.DefaultServiceConfig(), controller, store, exporter, channel, journal, listeners, logger)

	server := api.NewServer(cfg.APISocket, service, metrics, logger)
	listener, err := server.Listen()
	if err != nil {
		_ = store.Close()
		_ = channel.Close()
		if journal != nil {
			_ = journal.Close()
		}
		return err
	}

	if err := registry.Register(domain.DaemonEntry{
		PID:        pm.GetCurrentPID(),
		SocketPath: cfg.APISocket,
		StartedAt:  time.Now().Unix(),
		Mode:       infra.DetectExecMode().Mode.String(),
		AppVersion: Version,
	}); err != nil {
		logger.Warn("failed to write daemon registry", zap.Error(err))
	}
	defer func() {
		if err := registry.Clear(); err != nil {
			logger.Warn("failed to clear daemon registry", zap.Error(err))
		}
	}()

	logger.Info("echidnad starting",
		zap.String("version", Version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("socket", cfg.APISocket),
		zap.String("telemetry", cfg.TelemetryPath),
		zap.String("profile_socket", cfg.ProfileSocket))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceDone := make(chan error, 1)
	go func() { serviceDone <- service.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("control API failed", zap.Error(err))
			runErr = err
		}
	}

	// API first so no request reaches a stopping service.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("control API shutdown incomplete", zap.Error(err))
	}

	cancel()
	if err := <-serviceDone; err != nil {
		logger.Warn("control service stopped with error", zap.Error(err))
	}
	logger.Info("echidnad stopped")
	return runErr
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := infra.NewFileRegistry(cfg.RuntimeDir, infra.NewProcessManager())
	if registry.IsAlive() {
		entry, _ := registry.Get()
		fmt.Printf("echidnad already running (pid %d, socket %s)\n", entry.PID, entry.SocketPath)
		return nil
	}

	var extra []string
	if configFile != "" {
		extra = append(extra, "--config", configFile)
	}
	if socketPath != "" {
		extra = append(extra, "--socket", socketPath)
	}

	pid, err := daemon.StartDetached(extra...)
	if err != nil {
		return err
	}
	fmt.Printf("Started echidnad (pid %d)\n", pid)

	client := api.NewClient(cfg.APISocket, time.Second)
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if _, err := client.ModuleStatus(cmd.Context()); err == nil {
			fmt.Printf("Control socket: %s\n", cfg.APISocket)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not answer on %s within %s; see %s", cfg.APISocket, startupTimeout, cfg.LogDir)
}
