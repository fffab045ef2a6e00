package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	checks := map[string]bool{
		"RequestDuration":   m.RequestDuration != nil,
		"DispatchDuration":  m.DispatchDuration != nil,
		"InboxSubmitted":    m.InboxSubmitted != nil,
		"InboxTerminal":     m.InboxTerminal != nil,
		"HeartbeatRuns":     m.HeartbeatRuns != nil,
		"TaskManagerActive": m.TaskManagerActive != nil,
		"BridgeMessages":    m.BridgeMessages != nil,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TaskSubmitted(ctx, "chat", "high")
	m.TaskTerminal(ctx, "completed")
	m.Dispatched(ctx, "core-agent", true, time.Second)
	m.HeartbeatRun(ctx, "NOTICE")
	m.ActiveDelta(ctx, 1)
	m.BridgeMessage(ctx, "out")
	m.Request(ctx, "/api/tasks", time.Millisecond)
}

func TestMetrics_RecordAgainstNoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TaskSubmitted(context.Background(), "cron", "normal")
	m.Dispatched(context.Background(), "shell", false, 2*time.Second)
}
