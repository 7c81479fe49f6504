package linker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments holds the OpenTelemetry metric instruments for the manager.
// They are created once in New and reused by every pass.
type instruments struct {
	passes   metric.Int64Counter
	changes  metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	inst := &instruments{}
	var err error

	inst.passes, err = meter.Int64Counter(
		"icarus.linker.passes",
		metric.WithDescription("Number of evaluation passes run"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create passes counter: %w", err)
	}

	inst.changes, err = meter.Int64Counter(
		"icarus.linker.edge_changes",
		metric.WithDescription("Inferred edge changes, by action"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create changes counter: %w", err)
	}

	inst.duration, err = meter.Float64Histogram(
		"icarus.linker.pass.duration",
		metric.WithDescription("Evaluation pass duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return inst, nil
}

// record publishes a pass result. A nil receiver is a no-op.
func (i *instruments) record(ctx context.Context, r PassResult) {
	if i == nil {
		return
	}

	mode := attribute.String("mode", "incremental")
	if r.Full {
		mode = attribute.String("mode", "full")
	}
	i.passes.Add(ctx, 1, metric.WithAttributes(mode))
	i.duration.Record(ctx, float64(r.Duration.Microseconds())/1000, metric.WithAttributes(mode))

	for action, n := range map[string]int{
		"created":   r.Created,
		"adopted":   r.Adopted,
		"retired":   r.Retired,
		"stale":     r.StaleDropped,
		"refreshed": r.Refreshed,
		"orphaned":  r.Orphans,
	} {
		if n > 0 {
			i.changes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
		}
	}
}
