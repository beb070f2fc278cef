package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newRecordingTracer returns a tracer whose finished spans land in the recorder.
func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &Tracer{tracer: provider.Tracer(TracerName), provider: provider}, rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled || cfg.ExporterType != ExporterNone {
		t.Errorf("expected tracing disabled by default, got %+v", cfg)
	}
	if cfg.ServiceName != "terrasync" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %f", cfg.SampleRate)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantProvider bool
		wantErr      bool
	}{
		{"disabled", Config{Enabled: false, ExporterType: ExporterStdout}, false, false},
		{"none exporter", Config{Enabled: true, ExporterType: ExporterNone}, false, false},
		{"stdout", Config{Enabled: true, ExporterType: ExporterStdout, ServiceName: "terrasync", SampleRate: 1, Output: &bytes.Buffer{}}, true, false},
		{"unknown exporter", Config{Enabled: true, ExporterType: "zipkin"}, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tracer, err := New(context.Background(), tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			defer tracer.Shutdown(context.Background())

			if (tracer.provider != nil) != tc.wantProvider {
				t.Errorf("provider present = %v, want %v", tracer.provider != nil, tc.wantProvider)
			}
			_, span := tracer.Start(context.Background(), "sync.check")
			span.End()
		})
	}
}

func TestNew_StdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer, err := New(context.Background(), Config{
		Enabled:      true,
		ExporterType: ExporterStdout,
		ServiceName:  "terrasync",
		SampleRate:   1,
		Output:       &buf,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, js := tracer.StartJobSpan(context.Background(), "job-1", 1, false)
	js.End()
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("sync.job")) {
		t.Errorf("expected the job span in exporter output, got %q", buf.String())
	}
}

func TestJobAndTableSpans(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	ctx, js := tracer.StartJobSpan(context.Background(), "job-1", 2, true)
	_, ts := tracer.StartTableSpan(ctx, "parcels")
	ts.SetChanges(3, 1, 0)
	ts.End()
	js.SetResult("completed", 4, 0, 1)
	js.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	table, jobSpan := spans[0], spans[1]

	if table.Name() != "sync.table" || table.Parent().SpanID() != jobSpan.SpanContext().SpanID() {
		t.Errorf("table span %q not a child of the job span", table.Name())
	}
	if got := attrs(table)["table.changes.new"].AsInt64(); got != 3 {
		t.Errorf("table.changes.new = %d", got)
	}

	a := attrs(jobSpan)
	if a["job.id"].AsString() != "job-1" || !a["job.resumed"].AsBool() {
		t.Errorf("job attributes = %v", a)
	}
	if a["job.status"].AsString() != "completed" || a["job.records.conflicts"].AsInt64() != 1 {
		t.Errorf("job result attributes = %v", a)
	}
	if jobSpan.Status().Code != codes.Ok {
		t.Errorf("job status = %v", jobSpan.Status())
	}
}

func TestSpans_EndWithError(t *testing.T) {
	tracer, rec := newRecordingTracer(t)
	ctx := context.Background()

	_, js := tracer.StartJobSpan(ctx, "job-1", 1, false)
	js.EndWithError(errors.New("target unavailable"))

	_, ts := tracer.StartTableSpan(ctx, "parcels")
	ts.EndWithError(errors.New("scan failed"))

	_, ops := tracer.StartOperationSpan(ctx, "parcels", "update", "43", 2)
	ops.EndWithError(errors.New("deadlock"))

	for _, span := range rec.Ended() {
		if span.Status().Code != codes.Error {
			t.Errorf("%s status = %v, want error", span.Name(), span.Status())
		}
		if len(span.Events()) == 0 || span.Events()[0].Name != "exception" {
			t.Errorf("%s: expected the error to be recorded", span.Name())
		}
	}
}

func TestOperationSpan_ConflictEvent(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	ctx, ops := tracer.StartOperationSpan(context.Background(), "parcels", "update", "42", 0)
	AddConflictEvent(ctx, "newest_wins", "target", 1)
	ops.End()

	span := rec.Ended()[0]
	a := attrs(span)
	if a["operation.type"].AsString() != "update" || a["record.id"].AsString() != "42" {
		t.Errorf("operation attributes = %v", a)
	}
	events := span.Events()
	if len(events) != 1 || events[0].Name != "sync.conflict" {
		t.Fatalf("events = %v", events)
	}
	for _, kv := range events[0].Attributes {
		if kv.Key == "conflict.winner" && kv.Value.AsString() != "target" {
			t.Errorf("conflict.winner = %q", kv.Value.AsString())
		}
	}
}

func TestDefault_IsNoop(t *testing.T) {
	tracer := Default()
	ctx, js := tracer.StartJobSpan(context.Background(), "job-1", 1, false)
	AddConflictEvent(ctx, "source_wins", "source", 2)
	js.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestSamplers(t *testing.T) {
	tests := []struct {
		name        string
		sampleRate  float64
		wantSampled bool
	}{
		{"always", 1.0, true},
		{"above max", 1.5, true},
		{"never", 0.0, false},
		{"below min", -0.5, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tracer, err := New(context.Background(), Config{
				Enabled:      true,
				ExporterType: ExporterStdout,
				ServiceName:  "terrasync",
				SampleRate:   tc.sampleRate,
				Output:       &bytes.Buffer{},
			})
			if err != nil {
				t.Fatal(err)
			}
			defer tracer.Shutdown(context.Background())

			_, span := tracer.Start(context.Background(), "sync.check")
			defer span.End()
			if got := span.SpanContext().IsSampled(); got != tc.wantSampled {
				t.Errorf("sampled = %v, want %v", got, tc.wantSampled)
			}
		})
	}
}
