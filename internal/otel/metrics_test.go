package otel

import (
	"context"
	"testing"
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

	if m.PassDuration == nil {
		t.Error("PassDuration is nil")
	}
	if m.IdentitiesExamined == nil {
		t.Error("IdentitiesExamined is nil")
	}
	if m.TasksCreated == nil {
		t.Error("TasksCreated is nil")
	}
	if m.TasksUpdated == nil {
		t.Error("TasksUpdated is nil")
	}
	if m.TasksTombstoned == nil {
		t.Error("TasksTombstoned is nil")
	}
	if m.ConflictsResolved == nil {
		t.Error("ConflictsResolved is nil")
	}
	if m.IdentitiesSkipped == nil {
		t.Error("IdentitiesSkipped is nil")
	}
	if m.ReferencesDiscovered == nil {
		t.Error("ReferencesDiscovered is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter. Instruments should still create.
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
