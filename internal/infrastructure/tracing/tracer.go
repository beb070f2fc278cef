// Package tracing provides OpenTelemetry-based distributed tracing infrastructure.
// It supports stdout and OTLP exporters and provides span helpers for sync jobs,
// tables and single-record operations.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the name used for the sync service tracer.
	TracerName = "github.com/terrafusion/syncservice"

	// Version is the semantic version of the tracer.
	Version = "1.0.0"
)

// ExporterType defines the type of trace exporter.
type ExporterType string

const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

// Config holds tracing configuration.
type Config struct {
	Enabled      bool         // Whether tracing is enabled
	ExporterType ExporterType // Type of exporter to use
	OTLPEndpoint string       // OTLP collector endpoint (for OTLP exporter)
	ServiceName  string       // Service name for traces
	Environment  string       // Deployment environment (development, production)
	SampleRate   float64      // Sampling rate (0.0 to 1.0)
	Output       io.Writer    // Output for stdout exporter (defaults to os.Stdout)
}

// DefaultConfig returns sensible default tracing configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ExporterType: ExporterNone,
		ServiceName:  "terrasync",
		Environment:  "development",
		SampleRate:   1.0,
	}
}

// Tracer wraps an OpenTelemetry tracer with domain-specific functionality.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   Config
}

// Default returns a no-op tracer for callers that were given none.
func Default() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(TracerName), config: DefaultConfig()}
}

// New creates a new Tracer with the provided configuration.
func New(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(TracerName),
			config: cfg,
		}, nil
	}

	// Create exporter
	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Create resource without merging with Default() to avoid schema URL conflicts.
	// The default resource's schema URL may conflict with our semconv version.
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
			attribute.String("deployment.environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create sampler
	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	// Create tracer provider
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Set global tracer provider
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer(TracerName, trace.WithInstrumentationVersion(Version)),
		provider: provider,
		config:   cfg,
	}, nil
}

// createExporter creates the appropriate exporter based on configuration.
func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		opts := []stdouttrace.Option{
			stdouttrace.WithPrettyPrint(),
		}
		if cfg.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Output))
		}
		return stdouttrace.New(opts...)

	case ExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithInsecure(),
		}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown gracefully shuts down the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// Start starts a new span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Domain-specific span helpers ---

// JobSpan represents a sync job span.
type JobSpan struct {
	span trace.Span
}

// StartJobSpan starts a span for a sync job run or resume.
func (t *Tracer) StartJobSpan(ctx context.Context, jobID string, tables int, resumed bool) (context.Context, *JobSpan) {
	ctx, span := t.tracer.Start(ctx, "sync.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.Int("job.tables", tables),
			attribute.Bool("job.resumed", resumed),
		),
	)

	return ctx, &JobSpan{span: span}
}

// SetResult records the final job counters.
func (js *JobSpan) SetResult(status string, processed, errors, conflicts int) {
	js.span.SetAttributes(
		attribute.String("job.status", status),
		attribute.Int("job.records.processed", processed),
		attribute.Int("job.records.errors", errors),
		attribute.Int("job.records.conflicts", conflicts),
	)
}

// End ends the job span with success status.
func (js *JobSpan) End() {
	js.span.SetStatus(codes.Ok, "job completed")
	js.span.End()
}

// EndWithError ends the job span with error status.
func (js *JobSpan) EndWithError(err error) {
	js.span.RecordError(err)
	js.span.SetStatus(codes.Error, err.Error())
	js.span.End()
}

// TableSpan represents the processing of one table.
type TableSpan struct {
	span trace.Span
}

// StartTableSpan starts a span for one table of a job.
func (t *Tracer) StartTableSpan(ctx context.Context, table string) (context.Context, *TableSpan) {
	ctx, span := t.tracer.Start(ctx, "sync.table",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("table.name", table)),
	)

	return ctx, &TableSpan{span: span}
}

// SetChanges records the detected change counts.
func (ts *TableSpan) SetChanges(inserts, updates, deletes int) {
	ts.span.SetAttributes(
		attribute.Int("table.changes.new", inserts),
		attribute.Int("table.changes.modified", updates),
		attribute.Int("table.changes.deleted", deletes),
	)
}

// End ends the table span with success status.
func (ts *TableSpan) End() {
	ts.span.SetStatus(codes.Ok, "table completed")
	ts.span.End()
}

// EndWithError ends the table span with error status.
func (ts *TableSpan) EndWithError(err error) {
	ts.span.RecordError(err)
	ts.span.SetStatus(codes.Error, err.Error())
	ts.span.End()
}

// OperationSpan represents one write attempt against the target.
type OperationSpan struct {
	span trace.Span
}

// StartOperationSpan starts a span for a single-record write attempt.
func (t *Tracer) StartOperationSpan(ctx context.Context, table, operation, recordID string, attempt int) (context.Context, *OperationSpan) {
	ctx, span := t.tracer.Start(ctx, "sync.operation",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("table.name", table),
			attribute.String("operation.type", operation),
			attribute.String("record.id", recordID),
			attribute.Int("operation.attempt", attempt),
		),
	)

	return ctx, &OperationSpan{span: span}
}

// End ends the operation span with success status.
func (os *OperationSpan) End() {
	os.span.SetStatus(codes.Ok, "operation completed")
	os.span.End()
}

// EndWithError ends the operation span with error status.
func (os *OperationSpan) EndWithError(err error) {
	os.span.RecordError(err)
	os.span.SetStatus(codes.Error, err.Error())
	os.span.End()
}

// AddConflictEvent records a conflict and how it was settled on the span in ctx.
func AddConflictEvent(ctx context.Context, strategy, winner string, differences int) {
	trace.SpanFromContext(ctx).AddEvent("sync.conflict", trace.WithAttributes(
		attribute.String("conflict.strategy", strategy),
		attribute.String("conflict.winner", winner),
		attribute.Int("conflict.differences", differences),
	))
}
