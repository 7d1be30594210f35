package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	streamBuffer       = 4
	streamWriteTimeout = 2 * time.Second
)

var errStreamClosed = errors.New("telemetry stream closed")

// streamListener forwards payloads to a websocket writer goroutine. When the
// client falls behind, frames are dropped rather than blocking the broadcaster.
type streamListener struct {
	frames chan []byte
	done   <-chan struct{}
}

func (l *streamListener) OnTelemetry(payload []byte) error {
	select {
	case <-l.done:
		return errStreamClosed
	default:
	}
	select {
	case l.frames <- payload:
	default:
	}
	return nil
}

// handleStream upgrades to a websocket and registers a telemetry listener for
// the lifetime of the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client messages and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	listener := &streamListener{frames: make(chan []byte, streamBuffer), done: ctx.Done()}
	id := s.control.RegisterTelemetryListener(listener)
	defer s.control.UnregisterTelemetryListener(id)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame := <-listener.frames:
			if err := writeFrame(ctx, conn, frame); err != nil {
				s.logger.Debug("telemetry stream write failed", zap.String("id", id), zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}
