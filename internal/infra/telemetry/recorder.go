package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optexec/internal/domain/schema"
)

// Recorder counts executions, stop-loss outcomes and scheduler fires.
type Recorder struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
	stopLosses metric.Int64Counter
	fires      metric.Int64Counter
}

// NewRecorder registers the optexec instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	executions, err := meter.Int64Counter("optexec.executions",
		metric.WithDescription("Strategy executions by strategy, mode and result"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, fmt.Errorf("executions counter: %w", err)
	}
	duration, err := meter.Float64Histogram("optexec.execution.duration",
		metric.WithDescription("Wall time of one execution including stop-loss placement"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("execution duration histogram: %w", err)
	}
	stopLosses, err := meter.Int64Counter("optexec.stoploss.outcomes",
		metric.WithDescription("Stop-loss legs by final state"),
		metric.WithUnit("{leg}"))
	if err != nil {
		return nil, fmt.Errorf("stop-loss counter: %w", err)
	}
	fires, err := meter.Int64Counter("optexec.scheduler.fires",
		metric.WithDescription("Scheduled job fires by kind and result"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, fmt.Errorf("fires counter: %w", err)
	}
	return &Recorder{executions: executions, duration: duration, stopLosses: stopLosses, fires: fires}, nil
}

// Execution records one strategy execution.
func (r *Recorder) Execution(ctx context.Context, strategy schema.Strategy, mode schema.Mode, success bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(ExecutionAttributes(Environment(), string(strategy), string(mode), success)...)
	r.executions.Add(ctx, 1, attrs)
	r.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// StopLossOutcome records the state one protected leg reached.
func (r *Recorder) StopLossOutcome(ctx context.Context, outcome string) {
	r.stopLosses.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrOutcome.String(outcome),
	))
}

// JobFired records one scheduler fire.
func (r *Recorder) JobFired(ctx context.Context, kind string, ok bool) {
	r.fires.Add(ctx, 1, metric.WithAttributes(JobAttributes(Environment(), kind, ok)...))
}
