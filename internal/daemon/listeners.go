package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// DefaultBroadcastInterval is the telemetry fan-out period.
const DefaultBroadcastInterval = 500 * time.Millisecond

// Listener receives telemetry payloads. A returned error drops the subscription.
type Listener interface {
	OnTelemetry(payload []byte) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(payload []byte) error

// OnTelemetry calls f.
func (f ListenerFunc) OnTelemetry(payload []byte) error {
	return f(payload)
}

// ListenerRegistry keeps telemetry subscriptions and runs a broadcaster
// only while at least one subscription exists.
type ListenerRegistry struct {
	subs     *xsync.MapOf[string, Listener]
	produce  func() []byte
	interval time.Duration
	gauge    prometheus.Gauge
	ticks    prometheus.Counter
	logger   *zap.Logger

	mu     sync.Mutex // guards cancel, done and retired
	cancel context.CancelFunc
	done   chan struct{}
	// retired holds done channels of disarmed loops that may still be
	// finishing a broadcast. Close joins them.
	retired []chan struct{}
}

// NewListenerRegistry creates a registry broadcasting produce() every interval.
// gauge and ticks may be nil.
func NewListenerRegistry(produce func() []byte, interval time.Duration, gauge prometheus.Gauge, ticks prometheus.Counter, logger *zap.Logger) *ListenerRegistry {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &ListenerRegistry{
		subs:     xsync.NewMapOf[string, Listener](),
		produce:  produce,
		interval: interval,
		gauge:    gauge,
		ticks:    ticks,
		logger:   logger,
	}
}

// Register adds l and arms the broadcaster. It returns the subscription id.
func (r *ListenerRegistry) Register(l Listener) string {
	id := uuid.New().String()
	r.subs.Store(id, l)
	r.updateGauge()
	r.arm()
	r.logger.Debug("telemetry listener registered", zap.String("id", id))
	return id
}

// Unregister removes a subscription. The broadcaster stops with the last one.
func (r *ListenerRegistry) Unregister(id string) bool {
	if _, ok := r.subs.LoadAndDelete(id); !ok {
		return false
	}
	r.updateGauge()
	r.disarmIfIdle()
	r.logger.Debug("telemetry listener unregistered", zap.String("id", id))
	return true
}

// Count returns the number of subscriptions.
func (r *ListenerRegistry) Count() int {
	return r.subs.Size()
}

// Active reports whether the broadcaster is running.
func (r *ListenerRegistry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Close drops every subscription and waits for the broadcaster to exit.
func (r *ListenerRegistry) Close() {
	r.subs.Clear()
	r.updateGauge()

	r.mu.Lock()
	cancel, done, retired := r.cancel, r.done, r.retired
	r.cancel, r.done, r.retired = nil, nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, d := range retired {
		<-d
	}
}

func (r *ListenerRegistry) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.pruneRetiredLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	go r.loop(ctx, done)
}

// disarmIfIdle re-checks emptiness under the lock so a concurrent Register
// that already stored its subscription keeps the broadcaster alive.
// It may run on the loop goroutine itself, so it never waits for the loop.
func (r *ListenerRegistry) disarmIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs.Size() > 0 {
		return false
	}
	if r.cancel != nil {
		r.cancel()
		r.retired = append(r.retired, r.done)
		r.cancel, r.done = nil, nil
	}
	return true
}

func (r *ListenerRegistry) pruneRetiredLocked() {
	live := r.retired[:0]
	for _, d := range r.retired {
		select {
		case <-d:
		default:
			live = append(live, d)
		}
	}
	r.retired = live
}

func (r *ListenerRegistry) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.broadcast()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.subs.Size() == 0 && r.disarmIfIdle() {
				return
			}
			r.broadcast()
		}
	}
}

func (r *ListenerRegistry) broadcast() {
	payload := r.produce()
	r.subs.Range(func(id string, l Listener) bool {
		if err := l.OnTelemetry(payload); err != nil {
			r.logger.Warn("telemetry listener failed, dropping", zap.String("id", id), zap.Error(err))
			r.Unregister(id)
		}
		return true
	})
	if r.ticks != nil {
		r.ticks.Inc()
	}
}

func (r *ListenerRegistry) updateGauge() {
	if r.gauge != nil {
		r.gauge.Set(float64(r.subs.Size()))
	}
}
