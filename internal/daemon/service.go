// Package daemon implements the control service that fronts the engine.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// ServiceConfig holds control service tuning.
type ServiceConfig struct {
	PrivilegedQueueSize int // pending module operations before new ones are refused
	HistoryLimit        int // default journal page size
}

// DefaultServiceConfig returns default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PrivilegedQueueSize: 16,
		HistoryLimit:        20,
	}
}

// privilegedJob is one module operation run on the privileged worker.
type privilegedJob struct {
	name string
	run  func(ctx context.Context) domain.ModuleStatus
}

// Service is the transport-neutral control surface. Every method returns a
// value; internal failures are logged and folded into the result.
//
// Module operations are serialized on a single worker goroutine. Status reads
// never wait for that worker.
type Service struct {
	config     ServiceConfig
	controller domain.ModuleController
	store      domain.ProfileStore
	exporter   domain.TelemetryExporter
	channel    domain.SyncChannel
	journal    domain.OperationJournal
	listeners  *ListenerRegistry
	logger     *zap.Logger

	mu      sync.RWMutex // guards stopped and jobs close
	stopped bool
	jobs    chan privilegedJob
}

// NewService wires the control service. journal may be nil.
func NewService(
	config ServiceConfig,
	controller domain.ModuleController,
	store domain.ProfileStore,
	exporter domain.TelemetryExporter,
	channel domain.SyncChannel,
	journal domain.OperationJournal,
	listeners *ListenerRegistry,
	logger *zap.Logger,
) *Service {
	if config.PrivilegedQueueSize <= 0 {
		config.PrivilegedQueueSize = DefaultServiceConfig().PrivilegedQueueSize
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultServiceConfig().HistoryLimit
	}
	return &Service{
		config:     config,
		controller: controller,
		store:      store,
		exporter:   exporter,
		channel:    channel,
		journal:    journal,
		listeners:  listeners,
		logger:     logger,
		jobs:       make(chan privilegedJob, config.PrivilegedQueueSize),
	}
}

// Run starts the privileged worker, applies the policy patch and refreshes
// status, then blocks until ctx is canceled and shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	go s.work(ctx, workerDone)

	s.dispatch("startup", func(ctx context.Context) domain.ModuleStatus {
		if state := s.controller.ApplyPolicyPatch(ctx); state == domain.SelinuxEnforcingJavaOnly {
			s.logger.Warn("device SELinux policy blocks native engine; defaulting to Java compatibility mode")
		}
		return s.controller.RefreshStatus(ctx)
	})

	s.logger.Info("control service started")
	<-ctx.Done()
	s.logger.Info("control service stopping")

	s.shutdown(workerDone)
	return nil
}

func (s *Service) shutdown(workerDone <-chan struct{}) {
	s.listeners.Close()

	s.mu.Lock()
	s.stopped = true
	close(s.jobs)
	s.mu.Unlock()
	<-workerDone

	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close profile store", zap.Error(err))
	}
	if err := s.channel.Close(); err != nil {
		s.logger.Warn("failed to close sync channel", zap.Error(err))
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("failed to close journal", zap.Error(err))
		}
	}
}

// work drains queued jobs. Jobs still queued at shutdown run with a
// context that is already canceled, so their commands fail fast.
func (s *Service) work(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for job := range s.jobs {
		s.execute(ctx, job)
	}
}

func (s *Service) execute(ctx context.Context, job privilegedJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("privileged job panicked", zap.String("job", job.name), zap.Any("panic", r))
		}
	}()

	status := job.run(ctx)
	if status.JavaFallbackActive {
		s.logger.Warn("native engine unavailable; Java-only mode active",
			zap.String("job", job.name),
			zap.String("last_error", status.LastError))
		return
	}
	s.logger.Debug("native engine status",
		zap.String("job", job.name),
		zap.Bool("installed", status.ModuleInstalled),
		zap.Bool("hook_enabled", status.PrivilegedHookEnabled),
		zap.String("selinux", string(status.SelinuxState)))
}

// dispatch queues a job without blocking. It reports false when the queue is
// full or the service is stopping.
func (s *Service) dispatch(name string, run func(ctx context.Context) domain.ModuleStatus) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.logger.Debug("service stopping, dropping job", zap.String("job", name))
		return false
	}
	select {
	case s.jobs <- privilegedJob{name: name, run: run}:
		return true
	default:
		s.logger.Warn("privileged queue full, dropping job", zap.String("job", name))
		return false
	}
}

// InstallModule queues installation of the archive at path.
func (s *Service) InstallModule(path string) bool {
	return s.dispatch("install", func(ctx context.Context) domain.ModuleStatus {
		return s.controller.Install(ctx, path)
	})
}

// UninstallModule queues module removal.
func (s *Service) UninstallModule() bool {
	return s.dispatch("uninstall", s.controller.Uninstall)
}

// RefreshStatus queues a status refresh.
func (s *Service) RefreshStatus() bool {
	return s.dispatch("refresh", s.controller.RefreshStatus)
}

// ModuleStatus returns the cached status.
func (s *Service) ModuleStatus() domain.ModuleStatus {
	return s.controller.CachedStatus()
}

// UpdateWhitelist toggles the engine for a process. Blank names are ignored.
func (s *Service) UpdateWhitelist(process string, enabled bool) {
	if strings.TrimSpace(process) == "" {
		return
	}
	s.store.UpdateWhitelist(process, enabled)
}

// Whitelist returns the current whitelist.
func (s *Service) Whitelist() map[string]bool {
	return s.store.Whitelist()
}

// PushProfile hands a profile to the store, which classifies and logs rejections.
func (s *Service) PushProfile(id, profileJSON string) domain.SaveResult {
	return s.store.Save(id, profileJSON)
}

// ListProfiles returns the stored profile ids.
func (s *Service) ListProfiles() []string {
	return s.store.List()
}

// ResolveProfile returns a stored profile document.
func (s *Service) ResolveProfile(id string) (string, bool) {
	return s.store.Resolve(id)
}

// DeleteProfile removes a profile.
func (s *Service) DeleteProfile(id string) {
	s.store.Delete(id)
}

// TelemetrySnapshot returns the full local telemetry JSON, or {}.
func (s *Service) TelemetrySnapshot() []byte {
	return s.exporter.Snapshot()
}

// IsTelemetryOptedIn reports export consent.
func (s *Service) IsTelemetryOptedIn() bool {
	return s.exporter.IsOptedIn()
}

// SetTelemetryOptIn records export consent.
func (s *Service) SetTelemetryOptIn(enabled bool) {
	s.exporter.SetOptIn(enabled)
}

// ExportTelemetry returns the consent-gated export.
func (s *Service) ExportTelemetry(includeTrends bool) []byte {
	return s.exporter.Export(includeTrends)
}

// RegisterTelemetryListener subscribes l to periodic snapshots.
func (s *Service) RegisterTelemetryListener(l Listener) string {
	if l == nil {
		return ""
	}
	return s.listeners.Register(l)
}

// UnregisterTelemetryListener removes a subscription.
func (s *Service) UnregisterTelemetryListener(id string) {
	s.listeners.Unregister(id)
}

// History returns recent privileged operations, newest first.
func (s *Service) History(limit int) ([]domain.JournalEntry, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("operation journal disabled")
	}
	if limit <= 0 {
		limit = s.config.HistoryLimit
	}
	return s.journal.Recent(limit)
}
