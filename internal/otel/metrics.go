package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all tasksync metric instruments.
type Metrics struct {
	PassDuration         metric.Float64Histogram
	IdentitiesExamined   metric.Int64Counter
	TasksCreated         metric.Int64Counter
	TasksUpdated         metric.Int64Counter
	TasksTombstoned      metric.Int64Counter
	ConflictsResolved    metric.Int64Counter
	IdentitiesSkipped    metric.Int64Counter
	ReferencesDiscovered metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PassDuration, err = meter.Float64Histogram("tasksync.pass.duration",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IdentitiesExamined, err = meter.Int64Counter("tasksync.identities.examined",
		metric.WithDescription("Identities examined per pass"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("tasksync.tasks.created",
		metric.WithDescription("Tasks created on a destination system"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksUpdated, err = meter.Int64Counter("tasksync.tasks.updated",
		metric.WithDescription("Tasks updated on a destination system"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTombstoned, err = meter.Int64Counter("tasksync.tasks.tombstoned",
		metric.WithDescription("Tasks retired after vanishing from the other system"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("tasksync.conflicts.resolved",
		metric.WithDescription("Double-sided changes resolved by the merge strategy"),
	)
	if err != nil {
		return nil, err
	}

	m.IdentitiesSkipped, err = meter.Int64Counter("tasksync.identities.skipped",
		metric.WithDescription("Identities skipped after a per-identity failure"),
	)
	if err != nil {
		return nil, err
	}

	m.ReferencesDiscovered, err = meter.Int64Counter("tasksync.references.discovered",
		metric.WithDescription("Referenced tasks fetched on demand during normalization"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
