package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the xbot instruments. A nil *Metrics is valid and records
// nothing, so stores can be built without telemetry in tests.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	DispatchDuration  metric.Float64Histogram
	InboxSubmitted    metric.Int64Counter
	InboxTerminal     metric.Int64Counter
	HeartbeatRuns     metric.Int64Counter
	TaskManagerActive metric.Int64UpDownCounter
	BridgeMessages    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("xbot.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("xbot.dispatch.duration",
		metric.WithDescription("Worker execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxSubmitted, err = meter.Int64Counter("xbot.inbox.submitted",
		metric.WithDescription("Tasks submitted to the inbox"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxTerminal, err = meter.Int64Counter("xbot.inbox.terminal",
		metric.WithDescription("Tasks that reached completed or failed"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatRuns, err = meter.Int64Counter("xbot.heartbeat.runs",
		metric.WithDescription("Heartbeat runs by classified level"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskManagerActive, err = meter.Int64UpDownCounter("xbot.taskmgr.active",
		metric.WithDescription("Active in-process tasks across users"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeMessages, err = meter.Int64Counter("xbot.bridge.messages",
		metric.WithDescription("Messages exchanged with remote worker daemons"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) TaskSubmitted(ctx context.Context, source, priority string) {
	if m == nil || m.InboxSubmitted == nil {
		return
	}
	m.InboxSubmitted.Add(ctx, 1, metric.WithAttributes(
		AttrSource.String(source),
		AttrPriority.String(priority),
	))
}

func (m *Metrics) TaskTerminal(ctx context.Context, status string) {
	if m == nil || m.InboxTerminal == nil {
		return
	}
	m.InboxTerminal.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

func (m *Metrics) Dispatched(ctx context.Context, backend string, ok bool, elapsed time.Duration) {
	if m == nil || m.DispatchDuration == nil {
		return
	}
	m.DispatchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		AttrBackend.String(backend),
		attribute.Bool("xbot.ok", ok),
	))
}

func (m *Metrics) HeartbeatRun(ctx context.Context, level string) {
	if m == nil || m.HeartbeatRuns == nil {
		return
	}
	m.HeartbeatRuns.Add(ctx, 1, metric.WithAttributes(AttrLevel.String(level)))
}

func (m *Metrics) ActiveDelta(ctx context.Context, delta int64) {
	if m == nil || m.TaskManagerActive == nil {
		return
	}
	m.TaskManagerActive.Add(ctx, delta)
}

func (m *Metrics) BridgeMessage(ctx context.Context, direction string) {
	if m == nil || m.BridgeMessages == nil {
		return
	}
	m.BridgeMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("xbot.direction", direction)))
}

func (m *Metrics) Request(ctx context.Context, route string, elapsed time.Duration) {
	if m == nil || m.RequestDuration == nil {
		return
	}
	m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("http.route", route)))
}
