// Package observability measures executions: Prometheus metrics, OpenTelemetry
// spans, readiness checks and failure-rate anomaly alerts. Every part is
// optional; a disabled part is a nil pointer and its hooks are no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// Observability bundles the enabled parts. Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracing *Tracing
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the parts cfg enables. A nil cfg yields readiness checks only.
func New(ctx context.Context, cfg *config.ObservabilityConfig, info ServiceInfo, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.Default()
	}
	obs := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	tracing, err := NewTracing(ctx, cfg.Tracing, info)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracing = tracing
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracing != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)
	return obs, nil
}

// Instrument wraps exec with whichever of metrics, tracing and anomaly
// detection are on. With none on, exec is returned as is.
func (o *Observability) Instrument(exec sandbox.Executor) sandbox.Executor {
	if o == nil || (o.Metrics == nil && o.Tracing == nil && o.Anomaly == nil) {
		return exec
	}
	return NewInstrumentedExecutor(exec, o.Metrics, o.Tracing, o.Anomaly)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracing.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the execution tracer, or nil when tracing is disabled.
func (o *Observability) TracerOrNil() trace.Tracer {
	if o == nil || o.Tracing == nil {
		return nil
	}
	return o.Tracing.Tracer()
}
