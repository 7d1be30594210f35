// Package api exposes the control service over HTTP on a unix socket.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/daemon"
	"github.com/eliteGoblin/echidnad/internal/domain"
	"github.com/eliteGoblin/echidnad/internal/infra"
)

// Control is the service surface the API fronts.
type Control interface {
	InstallModule(path string) bool
	UninstallModule() bool
	RefreshStatus() bool
	ModuleStatus() domain.ModuleStatus
	UpdateWhitelist(process string, enabled bool)
	Whitelist() map[string]bool
	PushProfile(id, profileJSON string) domain.SaveResult
	ListProfiles() []string
	ResolveProfile(id string) (string, bool)
	DeleteProfile(id string)
	TelemetrySnapshot() []byte
	IsTelemetryOptedIn() bool
	SetTelemetryOptIn(enabled bool)
	ExportTelemetry(includeTrends bool) []byte
	RegisterTelemetryListener(l daemon.Listener) string
	UnregisterTelemetryListener(id string)
	History(limit int) ([]domain.JournalEntry, error)
}

// Server serves the control API on a unix socket.
type Server struct {
	control    Control
	metrics    *infra.Metrics
	router     *mux.Router
	server     *http.Server
	socketPath string
	logger     *zap.Logger
	cancelBase context.CancelFunc
}

// NewServer creates a server for socketPath. metrics may be nil.
func NewServer(socketPath string, control Control, metrics *infra.Metrics, logger *zap.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		control:    control,
		metrics:    metrics,
		router:     mux.NewRouter(),
		socketPath: socketPath,
		logger:     logger,
		cancelBase: cancel,
	}
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.setupRoutes()

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s
}

func (s *Server) setupRoutes() {
	// Routes live on the root router so a method mismatch reports 405.
	r := s.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/v1/module/install", s.handleInstall).Methods(http.MethodPost)
	r.HandleFunc("/v1/module/uninstall", s.handleUninstall).Methods(http.MethodPost)
	r.HandleFunc("/v1/module/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/module/status", s.handleModuleStatus).Methods(http.MethodGet)

	r.HandleFunc("/v1/whitelist", s.handleWhitelist).Methods(http.MethodGet)
	r.HandleFunc("/v1/whitelist/{process}", s.handleUpdateWhitelist).Methods(http.MethodPut)

	r.HandleFunc("/v1/profiles", s.handleListProfiles).Methods(http.MethodGet)
	r.HandleFunc("/v1/profiles/{id}", s.handlePushProfile).Methods(http.MethodPut)
	r.HandleFunc("/v1/profiles/{id}", s.handleResolveProfile).Methods(http.MethodGet)
	r.HandleFunc("/v1/profiles/{id}", s.handleDeleteProfile).Methods(http.MethodDelete)

	r.HandleFunc("/v1/telemetry", s.handleTelemetrySnapshot).Methods(http.MethodGet)
	r.HandleFunc("/v1/telemetry/optin", s.handleGetOptIn).Methods(http.MethodGet)
	r.HandleFunc("/v1/telemetry/optin", s.handleSetOptIn).Methods(http.MethodPut)
	r.HandleFunc("/v1/telemetry/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/v1/telemetry/stream", s.handleStream).Methods(http.MethodGet)

	r.HandleFunc("/v1/history", s.handleHistory).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// SocketPath returns the listening socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the unix socket with mode 0660, replacing a stale socket file.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return l, nil
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("control API listening", zap.String("socket", s.socketPath))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends open streams and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	err := s.server.Shutdown(ctx)
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn("failed to remove API socket", zap.Error(rmErr))
	}
	return err
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for metrics. It passes through
// Hijack for the websocket stream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
		s.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}
