package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

func marshalFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal frame: %w", err)
	}
	return payload, nil
}

// writeLoop is the only goroutine that writes to the connection after the
// handshake. It drains the outbound queue and keeps the connection alive
// with periodic pings.
func (s *Session) writeLoop() {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.closing:
			s.flushOnShutdown()
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				s.setErr(err)
				return
			}
		case payload := <-s.outbound:
			if err := s.writeText(payload); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

// flushOnShutdown gives already-queued frames (tool acks in particular) a
// short window to reach the wire before the close control frame.
func (s *Session) flushOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < flushTimeout {
		flushTimeout = s.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case payload := <-s.outbound:
			_ = s.writeText(payload)
		default:
			return
		}
	}
}

func (s *Session) writeText(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
