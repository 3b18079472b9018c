package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's instruments. A nil *Metrics records nothing.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	ChatOutcomes       metric.Int64Counter
	WorkerCallDuration metric.Float64Histogram
	ProbeDuration      metric.Float64Histogram
	TurnsRecorded      metric.Int64Counter
	RecordFailures     metric.Int64Counter
	WorkerTransitions  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentgate.request.duration",
		metric.WithDescription("Chat request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatOutcomes, err = meter.Int64Counter("agentgate.chat.outcomes",
		metric.WithDescription("Chat requests by outcome kind"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerCallDuration, err = meter.Float64Histogram("agentgate.worker.duration",
		metric.WithDescription("Worker /agent call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeDuration, err = meter.Float64Histogram("agentgate.probe.duration",
		metric.WithDescription("Worker health probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsRecorded, err = meter.Int64Counter("agentgate.turns.recorded",
		metric.WithDescription("Conversation turns appended to the message log"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordFailures, err = meter.Int64Counter("agentgate.turns.record_failures",
		metric.WithDescription("Failed message log appends"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerTransitions, err = meter.Int64Counter("agentgate.worker.transitions",
		metric.WithDescription("Worker lifecycle transitions by target state"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ObserveRequest(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.RequestDuration.Record(ctx, d.Seconds(), attrs)
	m.ChatOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) ObserveWorkerCall(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) ObserveProbe(ctx context.Context, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("agentgate.probe.ok", ok)))
}

func (m *Metrics) TurnRecorded(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.TurnsRecorded.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

func (m *Metrics) RecordFailed(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.RecordFailures.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

func (m *Metrics) WorkerTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.WorkerTransitions.Add(ctx, 1, metric.WithAttributes(AttrWorkerState.String(to)))
}
