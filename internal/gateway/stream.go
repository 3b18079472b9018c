package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/agentgate/internal/bus"
	"github.com/basket/agentgate/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleSessionStream implements GET /ws/sessions/{sessionId}. Each message
// appended to the session after the connection opens is pushed as one JSON
// frame. Clients load earlier history from /messages.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Error: "streaming not available: event bus not configured", Kind: KindInternal})
		return
	}

	// Subscribe before the handshake completes so no append that happens
	// after the client sees the upgrade is missed.
	sub := s.cfg.Bus.Subscribe(bus.TopicMessageAppended)
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.streamOrigins(),
	})
	if err != nil {
		s.logger.DebugContext(r.Context(), "ws: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.InfoContext(ctx, "ws: session stream opened", "session_id", sessionID)

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "ws: session stream closed", "session_id", sessionID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(persistence.Message)
			if !ok || msg.SessionID != sessionID {
				continue
			}
			if err := writeFrame(ctx, conn, msg); err != nil {
				s.logger.DebugContext(ctx, "ws: write failed", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg persistence.Message) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// streamOrigins reuses the CORS allowlist for cross-origin websocket
// upgrades. With CORS disabled only same-origin upgrades are accepted.
func (s *Server) streamOrigins() []string {
	if !s.cfg.CORS.Enabled {
		return nil
	}
	return s.cfg.CORS.AllowedOrigins
}
