package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newBufferedLogger(service string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(service)
	l.SetOutput(&buf)
	l.SetLevel(LevelDebug)
	return l, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line, got nothing")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "claimrelay-worker"},
		{name: "create logger with empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Service != "test-service" {
				t.Errorf("Service = %q, want %q", entry.Service, "test-service")
			}
			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("Time %v not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	logger, buf := newBufferedLogger("claimrelay-worker")

	logger.Plain().
		WithReference("REF-1").
		WithTask("task-1").
		WithCorrelation("corr-1").
		WithField("attempt", 2).
		WithFields(map[string]any{"delay": "2s"}).
		WithError(errors.New("boom")).
		Warn("requeue delivery")

	out := decodeLine(t, buf)
	checks := map[string]string{
		"level":          "warn",
		"msg":            "requeue delivery",
		"service":        "claimrelay-worker",
		"reference_id":   "REF-1",
		"task_id":        "task-1",
		"correlation_id": "corr-1",
	}
	for k, want := range checks {
		if got, _ := out[k].(string); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	fields, ok := out["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", out)
	}
	if fields["attempt"] != float64(2) {
		t.Errorf("fields.attempt = %v, want 2", fields["attempt"])
	}
	if fields["delay"] != "2s" {
		t.Errorf("fields.delay = %v, want 2s", fields["delay"])
	}
	if fields["error"] != "boom" {
		t.Errorf("fields.error = %v, want boom", fields["error"])
	}
}

func TestLogEntry_WithErrorNil(t *testing.T) {
	logger, buf := newBufferedLogger("svc")
	logger.Plain().WithError(nil).Info("nothing wrong")

	out := decodeLine(t, buf)
	if _, ok := out["fields"]; ok {
		t.Errorf("empty fields should be omitted, got %v", out["fields"])
	}
}

func TestLogEntry_Formatting(t *testing.T) {
	tests := []struct {
		name  string
		log   func(e *LogEntry)
		level string
		msg   string
	}{
		{name: "debugf", log: func(e *LogEntry) { e.Debugf("n=%d", 1) }, level: "debug", msg: "n=1"},
		{name: "infof", log: func(e *LogEntry) { e.Infof("task %s", "t1") }, level: "info", msg: "task t1"},
		{name: "warnf", log: func(e *LogEntry) { e.Warnf("%s/%s", "a", "b") }, level: "warn", msg: "a/b"},
		{name: "errorf", log: func(e *LogEntry) { e.Errorf("code %d", 500) }, level: "error", msg: "code 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferedLogger("svc")
			tt.log(logger.Plain())
			out := decodeLine(t, buf)
			if out["level"] != tt.level {
				t.Errorf("level = %v, want %s", out["level"], tt.level)
			}
			if out["msg"] != tt.msg {
				t.Errorf("msg = %v, want %s", out["msg"], tt.msg)
			}
		})
	}
}

func TestLevelThreshold(t *testing.T) {
	logger, buf := newBufferedLogger("svc")
	logger.SetLevel(LevelWarn)

	logger.Plain().Info("dropped")
	logger.Plain().Debug("dropped too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below threshold, got %q", buf.String())
	}

	logger.Plain().Error("kept")
	out := decodeLine(t, buf)
	if out["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", out["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetDefaultService(t *testing.T) {
	original := defaultLogger.service
	defer SetDefaultService(original)

	SetDefaultService("claimrelay-ingest")
	if got := Plain().Service; got != "claimrelay-ingest" {
		t.Errorf("Plain().Service = %q, want %q", got, "claimrelay-ingest")
	}
	if got := WithFields(map[string]any{"k": "v"}).Fields["k"]; got != "v" {
		t.Errorf("WithFields() field = %v, want v", got)
	}
}
