package core

import (
	"context"
	"time"
)

// Tracer starts/finishes spans for observability. Engine components default
// to NoopTracer and never treat a nil Tracer as a special case themselves.
type Tracer interface {
	// StartSpan returns a derived context and a completion callback that must
	// be invoked with the final error (if any) when the span ends.
	StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer is the default tracer used when none is configured.
var NoopTracer Tracer = noopTracer{}

// ObservationHooks captures optional start/complete callbacks for arbitrary
// operations, wired to Prometheus collectors by internal/metrics.
type ObservationHooks struct {
	OnStart    func(ctx context.Context, meta map[string]string)
	OnComplete func(ctx context.Context, meta map[string]string, err error, duration time.Duration)
}

// NoopObservationHooks is the zero-value, side-effect-free hook set.
var NoopObservationHooks = ObservationHooks{}

// StartObservation triggers OnStart and returns the OnComplete callback.
func StartObservation(ctx context.Context, hooks ObservationHooks, meta map[string]string) func(error) {
	if hooks.OnStart != nil {
		hooks.OnStart(ctx, meta)
	}
	start := time.Now()
	return func(err error) {
		if hooks.OnComplete != nil {
			hooks.OnComplete(ctx, meta, err, time.Since(start))
		}
	}
}
