package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/glwlg/X-bot-sub002/internal/bus"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// wireEvent is one bus event as sent to WebSocket clients.
type wireEvent struct {
	Topic   string    `json:"topic"`
	UserID  string    `json:"user_id,omitempty"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// handleEvents streams bus events to a WebSocket client. Query params:
// prefix (topic prefix, default all) and user (only that user's events).
// Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	prefix := r.URL.Query().Get("prefix")
	user := r.URL.Query().Get("user")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.Settings.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	s.cfg.Metrics.BridgeMessage(r.Context(), "ws_connect")

	sub := s.cfg.Bus.SubscribeBuffered(prefix, eventBuffer)
	defer s.cfg.Bus.Unsubscribe(sub)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client subscribed", "prefix", prefix, "user_id", user)

	err = s.streamEvents(ctx, conn, sub, user)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Info("ws: client disconnected")
	default:
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("ws: stream ended", "error", err)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, user string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			owner := eventUserID(ev.Payload)
			if user != "" && owner != user {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, wireEvent{
				Topic:   ev.Topic,
				UserID:  owner,
				Payload: ev.Payload,
				SentAt:  time.Now().UTC(),
			})
			cancel()
			if err != nil {
				return err
			}
			s.cfg.Metrics.BridgeMessage(ctx, "ws_out")
		}
	}
}

func eventUserID(payload any) string {
	switch p := payload.(type) {
	case bus.TaskEvent:
		return p.UserID
	case bus.HeartbeatRunEvent:
		return p.UserID
	case bus.HeartbeatMigratedEvent:
		return p.UserID
	case bus.ActiveCancelledEvent:
		return p.UserID
	default:
		return ""
	}
}
