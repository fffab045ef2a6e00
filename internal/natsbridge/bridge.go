package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/otel"
)

// Sessions is the part of the task manager the bridge feeds remote progress
// into. *taskmgr.Manager satisfies it.
type Sessions interface {
	ActiveTaskID(userID string) (string, bool)
	Heartbeat(userID, note string) bool
}

type BridgeConfig struct {
	Conn     *nats.Conn
	Prefix   string
	Bus      *bus.Bus
	Sessions Sessions
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

// Bridge mirrors local bus events to NATS and turns remote status reports
// into liveness heartbeats for the matching user session.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Conn == nil || cfg.Bus == nil {
		return nil, errors.New("natsbridge: conn and bus are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: cfg.Logger}, nil
}

// Run blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	statusSub, err := b.cfg.Conn.Subscribe(StatusSubject(b.cfg.Prefix), func(m *nats.Msg) {
		b.cfg.Metrics.BridgeMessage(ctx, "nats_in")
		b.applyStatus(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	defer func() { _ = statusSub.Unsubscribe() }()

	events := b.cfg.Bus.SubscribeBuffered("", 256)
	defer b.cfg.Bus.Unsubscribe(events)
	b.logger.Info("nats bridge running", "prefix", prefixOr(b.cfg.Prefix))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events.Ch():
			if !ok {
				return nil
			}
			if err := b.mirror(ctx, ev); err != nil {
				b.logger.Warn("mirror event to nats", "topic", ev.Topic, "error", err)
			}
		}
	}
}

type mirroredEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (b *Bridge) mirror(ctx context.Context, ev bus.Event) error {
	data, err := json.Marshal(mirroredEvent{Topic: ev.Topic, Payload: ev.Payload})
	if err != nil {
		return err
	}
	if err := b.cfg.Conn.Publish(EventSubject(b.cfg.Prefix, ev.Topic), data); err != nil {
		return err
	}
	b.cfg.Metrics.BridgeMessage(ctx, "nats_out")
	return nil
}

// applyStatus records a heartbeat when the report belongs to the user's
// current session task. It reports whether one was recorded.
func (b *Bridge) applyStatus(data []byte) bool {
	var rep StatusReport
	if err := json.Unmarshal(data, &rep); err != nil {
		b.logger.Warn("bad status report", "error", err)
		return false
	}
	if b.cfg.Sessions == nil || rep.UserID == "" {
		return false
	}
	active, ok := b.cfg.Sessions.ActiveTaskID(rep.UserID)
	if !ok || active != rep.InboxTaskID {
		return false
	}
	note := "remote: " + rep.Note
	if rep.WorkerID != "" {
		note = "remote " + rep.WorkerID + ": " + rep.Note
	}
	return b.cfg.Sessions.Heartbeat(rep.UserID, note)
}
