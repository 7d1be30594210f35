package infra

import (
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// SyncTransport is one way of handing profile state to the engine.
type SyncTransport interface {
	Name() string
	Push(payload []byte) bool
}

// FallbackSyncChannel implements domain.SyncChannel by trying each transport
// in order until one accepts.
type FallbackSyncChannel struct {
	transports []SyncTransport
	metrics    *Metrics
	logger     *zap.Logger
}

// NewSyncChannel creates the standard shared memory then socket chain.
func NewSyncChannel(socketPath string, metrics *Metrics, logger *zap.Logger) *FallbackSyncChannel {
	socket := NewSocketTransport(socketPath, 0, logger)
	return NewSyncChannelWithTransports(metrics, logger, NewShmTransport(socket, logger), socket)
}

// NewSyncChannelWithTransports creates a channel over explicit transports (for testing).
func NewSyncChannelWithTransports(metrics *Metrics, logger *zap.Logger, transports ...SyncTransport) *FallbackSyncChannel {
	return &FallbackSyncChannel{transports: transports, metrics: metrics, logger: logger}
}

// Push delivers payload through the first transport that accepts it.
func (c *FallbackSyncChannel) Push(payload []byte) bool {
	for _, t := range c.transports {
		if t.Push(payload) {
			c.count(t.Name(), "delivered")
			c.logger.Debug("profile state delivered",
				zap.String("transport", t.Name()),
				zap.Int("bytes", len(payload)))
			return true
		}
		c.count(t.Name(), "declined")
	}

	c.logger.Warn("no sync transport accepted profile state", zap.Int("bytes", len(payload)))
	return false
}

func (c *FallbackSyncChannel) count(transport, result string) {
	if c.metrics != nil {
		c.metrics.SyncDeliveries.WithLabelValues(transport, result).Inc()
	}
}

// Close releases transports that hold resources.
func (c *FallbackSyncChannel) Close() error {
	var errs []error
	for _, t := range c.transports {
		if closer, ok := t.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Ensure FallbackSyncChannel implements domain.SyncChannel.
var _ domain.SyncChannel = (*FallbackSyncChannel)(nil)
