package logging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(t *testing.T, service string, level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(level)
	return NewWithCore(service, core), logs
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "payhook"},
		{name: "create logger with empty service name", serviceName: ""},
		{name: "create logger with complex service name", serviceName: "payhook-worker-v2.1.3"},
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
			if logger.zl == nil {
				t.Error("New() zap logger should not be nil")
			}
		})
	}
}

func TestNewWithMode(t *testing.T) {
	for _, mode := range []string{ModeProduction, ModeDevelopment, "bogus"} {
		t.Run(mode, func(t *testing.T) {
			logger := NewWithMode("payhook", mode)
			if logger == nil || logger.zl == nil {
				t.Fatalf("NewWithMode(%q) returned unusable logger", mode)
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
			logger, logs := newObserved(t, "payhook", zapcore.DebugLevel)
			ctx := context.Background()

			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}

			entry.Info("hello")
			ctxMap := logs.All()[0].ContextMap()
			_, hasTraceID := ctxMap["trace_id"]

			if tt.hasTrace && !hasTraceID {
				t.Error("log entry should carry trace_id with trace context")
			}
			if !tt.hasTrace && hasTraceID {
				t.Errorf("log entry trace_id = %v, want absent", ctxMap["trace_id"])
			}
		})
	}
}

func TestLogEntry_Builders(t *testing.T) {
	logger, logs := newObserved(t, "payhook", zapcore.DebugLevel)

	logger.Plain().
		WithEvent("evt_1").
		WithEventType("payment.success").
		WithTransaction("txn_1").
		WithTraceID("abc123").
		WithField("attempt", 2).
		WithFields(map[string]any{"queue": "webhooks"}).
		WithError(errors.New("boom")).
		Warn("task retrying")

	if logs.Len() != 1 {
		t.Fatalf("got %d log entries, want 1", logs.Len())
	}
	got := logs.All()[0]
	if got.Message != "task retrying" {
		t.Errorf("message = %q, want %q", got.Message, "task retrying")
	}
	if got.Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want %v", got.Level, zapcore.WarnLevel)
	}

	want := map[string]any{
		"service":        "payhook",
		"event_id":       "evt_1",
		"event_type":     "payment.success",
		"transaction_id": "txn_1",
		"trace_id":       "abc123",
		"attempt":        int64(2),
		"queue":          "webhooks",
		"error":          "boom",
	}
	ctxMap := got.ContextMap()
	for k, v := range want {
		if ctxMap[k] != v {
			t.Errorf("field %s = %#v, want %#v", k, ctxMap[k], v)
		}
	}
}

func TestLogEntry_WithErrorNil(t *testing.T) {
	logger, logs := newObserved(t, "payhook", zapcore.DebugLevel)

	logger.Plain().WithError(nil).Info("ok")

	if _, ok := logs.All()[0].ContextMap()["error"]; ok {
		t.Error("WithError(nil) should not add an error field")
	}
}

func TestLogEntry_Levels(t *testing.T) {
	tests := []struct {
		name string
		emit func(*LogEntry)
		want zapcore.Level
		msg  string
	}{
		{name: "debug", emit: func(e *LogEntry) { e.Debug("d") }, want: zapcore.DebugLevel, msg: "d"},
		{name: "debugf", emit: func(e *LogEntry) { e.Debugf("d%d", 1) }, want: zapcore.DebugLevel, msg: "d1"},
		{name: "info", emit: func(e *LogEntry) { e.Info("i") }, want: zapcore.InfoLevel, msg: "i"},
		{name: "infof", emit: func(e *LogEntry) { e.Infof("i%s", "x") }, want: zapcore.InfoLevel, msg: "ix"},
		{name: "warn", emit: func(e *LogEntry) { e.Warn("w") }, want: zapcore.WarnLevel, msg: "w"},
		{name: "warnf", emit: func(e *LogEntry) { e.Warnf("w%d", 2) }, want: zapcore.WarnLevel, msg: "w2"},
		{name: "error", emit: func(e *LogEntry) { e.Error("e") }, want: zapcore.ErrorLevel, msg: "e"},
		{name: "errorf", emit: func(e *LogEntry) { e.Errorf("e%v", true) }, want: zapcore.ErrorLevel, msg: "etrue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newObserved(t, "payhook", zapcore.DebugLevel)
			tt.emit(logger.Plain())

			if logs.Len() != 1 {
				t.Fatalf("got %d entries, want 1", logs.Len())
			}
			entry := logs.All()[0]
			if entry.Level != tt.want {
				t.Errorf("level = %v, want %v", entry.Level, tt.want)
			}
			if entry.Message != tt.msg {
				t.Errorf("message = %q, want %q", entry.Message, tt.msg)
			}
		})
	}
}

func TestLogEntry_LevelFiltering(t *testing.T) {
	logger, logs := newObserved(t, "payhook", zapcore.WarnLevel)

	logger.Plain().Debug("hidden")
	logger.Plain().Info("hidden")
	logger.Plain().Error("shown")

	if logs.Len() != 1 {
		t.Fatalf("got %d entries, want 1", logs.Len())
	}
	if logs.All()[0].Message != "shown" {
		t.Errorf("message = %q, want shown", logs.All()[0].Message)
	}
}

func TestLogger_WithFieldsNil(t *testing.T) {
	logger, _ := newObserved(t, "payhook", zapcore.InfoLevel)

	entry := logger.WithFields(nil)
	if entry.Fields == nil {
		t.Fatal("WithFields(nil) should allocate a field map")
	}
	entry.WithField("k", "v")
	if entry.Fields["k"] != "v" {
		t.Errorf("Fields[k] = %v, want v", entry.Fields["k"])
	}
}

func TestDefaultLogger(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	logger, logs := newObserved(t, "payhook-default", zapcore.InfoLevel)
	SetDefault(logger)
	SetDefault(nil)

	Plain().Info("plain")
	WithFields(map[string]any{"k": 1}).Info("fields")
	WithContext(context.Background()).Info("ctx")

	if logs.Len() != 3 {
		t.Fatalf("got %d entries, want 3", logs.Len())
	}
	for _, e := range logs.All() {
		if e.ContextMap()["service"] != "payhook-default" {
			t.Errorf("entry %q service = %v, want payhook-default", e.Message, e.ContextMap()["service"])
		}
	}
}

func TestNop(t *testing.T) {
	// must not panic
	Nop().Plain().WithField("k", "v").Error("discarded")
}
