// Package tracing wires OpenTelemetry for payhook and carries the ingestion
// trace across the asynchronous queue hop.
package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every payhook span.
const TracerName = "github.com/austindbirch/payhook"

// Attribute keys shared by the ingest, queue and processor spans.
const (
	EventIDKey       = attribute.Key("payhook.event.id")
	EventTypeKey     = attribute.Key("payhook.event.type")
	TransactionIDKey = attribute.Key("payhook.transaction.id")
	AttemptKey       = attribute.Key("payhook.queue.attempt")
	WorkerKey        = attribute.Key("payhook.queue.worker")
)

// Config selects where spans go. Zero fields fall back to the environment.
type Config struct {
	ServiceName string
	Version     string  // SERVICE_VERSION, else "dev"
	Endpoint    string  // OTLP/HTTP host:port; OTEL_EXPORTER_OTLP_ENDPOINT, else localhost:4318
	SampleRatio float64 // share of new root traces kept; outside (0,1) keeps all
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "payhook"
	}
	if c.Version == "" {
		c.Version = envOr("SERVICE_VERSION", "dev")
	}
	if c.Endpoint == "" {
		c.Endpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	}
	c.Endpoint = strings.TrimPrefix(strings.TrimPrefix(c.Endpoint, "http://"), "https://")
	return c
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Setup installs a batching OTLP/HTTP tracer provider and the W3C
// propagators as the process globals. The returned func flushes and stops it.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	cfg = cfg.withDefaults()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.ServiceInstanceIDKey.String(instanceID()),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EventAttributes labels a span with the webhook event it handles. Empty
// values are left out.
func EventAttributes(eventID, eventType, transactionID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	for _, kv := range []attribute.KeyValue{
		EventIDKey.String(eventID),
		EventTypeKey.String(eventType),
		TransactionIDKey.String(transactionID),
	} {
		if kv.Value.AsString() != "" {
			attrs = append(attrs, kv)
		}
	}
	return attrs
}

// AddSpanEvent annotates the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError marks the span in ctx failed. A nil err is ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace id in ctx, or "" outside a sampled trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Inject captures the trace context of ctx as string headers. Queue tasks
// and dead letters carry them so later work joins the ingestion trace.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// Extract restores headers captured by Inject onto ctx.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func instanceID() string {
	for _, key := range []string{"HOSTNAME", "POD_NAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
