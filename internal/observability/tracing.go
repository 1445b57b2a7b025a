package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// ServiceInfo describes this process on every exported span.
type ServiceInfo struct {
	Version string
	Runtime config.RuntimeConfig
}

// Tracing owns the span pipeline for executions. The provider is never
// registered globally; the tracer is handed to whoever needs it.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracing builds an OTLP span pipeline. It returns nil when tracing is off.
func NewTracing(ctx context.Context, cfg *config.TracingConfig, info ServiceInfo) (*Tracing, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "runbox"
	}

	res, err := executionResource(ctx, name, info)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP %s exporter: %w", cfg.Protocol, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	return &Tracing{provider: tp, tracer: tp.Tracer(name)}, nil
}

// executionResource tags spans with the host and the sandbox every execution
// of this process runs under, so traces from differently configured hosts can
// be told apart.
func executionResource(ctx context.Context, name string, info ServiceInfo) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		attribute.String("runbox.image", info.Runtime.Image),
		attribute.String("runbox.network_mode", info.Runtime.NetworkMode),
		attribute.Int("runbox.memory_mb", info.Runtime.MemoryMB),
		attribute.Float64("runbox.cpu_cores", info.Runtime.CPUCores),
		attribute.Int("runbox.max_timeout_seconds", info.Runtime.MaxTimeoutSeconds),
	}
	if info.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(info.Version))
	}
	return resource.New(ctx, resource.WithHost(), resource.WithAttributes(attrs...))
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sampler follows the caller's decision when a request arrives with a trace,
// and samples root spans at rate otherwise.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the execution tracer, or a no-op tracer when t is nil.
func (t *Tracing) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// startRunSpan opens the span covering one execution, from validation to cleanup.
func startRunSpan(ctx context.Context, tracer trace.Tracer, kind string, req sandbox.ExecutionRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sandbox.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sandbox.request_kind", kind),
			attribute.Int("sandbox.files", len(req.Files)),
			attribute.Int("sandbox.dependencies", len(req.Dependencies)),
			attribute.Int64("sandbox.timeout_ms", req.Timeout.Milliseconds()),
		))
}

// finishRunSpan records the outcome. Faults mark the span as failed; a plain
// non-zero exit is the command's answer and leaves the status unset.
func finishRunSpan(span trace.Span, res sandbox.ExecutionResult, outcome string) {
	span.SetAttributes(
		attribute.String("sandbox.execution_id", res.ID),
		attribute.Int("sandbox.exit_code", res.ExitCode),
		attribute.String("sandbox.outcome", outcome),
		attribute.Bool("sandbox.oom_killed", res.OOMKilled),
		attribute.Bool("sandbox.truncated", res.Truncated),
	)
	if res.IsFault() {
		span.SetAttributes(attribute.String("sandbox.error_kind", string(res.Kind)))
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}
