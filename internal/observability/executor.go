package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability. Any of
// metrics, ts, and anomaly may be nil.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *Tracing, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Run(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
	kind := sandbox.RequestKind(ctx)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = startRunSpan(ctx, e.tracer, kind, req)
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	res := e.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()
	outcome := Outcome(res)

	if span != nil {
		finishRunSpan(span, res, outcome)
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(kind, outcome).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(kind).Observe(duration)
		if res.OOMKilled {
			e.metrics.OOMKillsTotal.Inc()
		}
		if res.Truncated {
			e.metrics.TruncatedOutputs.Inc()
		}
	}

	e.anomaly.Record(res)
	return res
}

func (e *InstrumentedExecutor) Status(ctx context.Context) sandbox.Status {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.status")
		defer span.End()
		st := e.inner.Status(ctx)
		span.SetAttributes(
			attribute.Bool("sandbox.reachable", st.Reachable),
			attribute.Bool("sandbox.image_present", st.ImagePresent),
		)
		return st
	}
	return e.inner.Status(ctx)
}

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)
