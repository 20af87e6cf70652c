// Package tracing wraps the OpenTelemetry SDK for the subscriber. Spans cover
// subscription retrieval, backfill pages, dispatch and task correlation.
package tracing

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/austindbirch/harbor_bpe"

// ErrDisabled is returned by InitTracing when OTEL_SDK_DISABLED is true
var ErrDisabled = errors.New("tracing disabled by OTEL_SDK_DISABLED")

// settings are read from the standard OTEL_* variables plus SERVICE_VERSION
type settings struct {
	endpoint    string // host:port
	version     string
	instance    string
	sampleRatio float64
	disabled    bool
}

func settingsFromEnv() settings {
	s := settings{
		endpoint:    "tempo:4318",
		version:     "dev",
		instance:    "unknown",
		sampleRatio: 1,
	}
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		// otlptracehttp.WithEndpoint wants host:port
		e = strings.TrimPrefix(e, "http://")
		s.endpoint = strings.TrimPrefix(e, "https://")
	}
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		s.version = v
	}
	for _, key := range []string{"HOSTNAME", "POD_NAME"} {
		if id := os.Getenv(key); id != "" {
			s.instance = id
			break
		}
	}
	if r, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && r >= 0 && r <= 1 {
		s.sampleRatio = r
	}
	s.disabled, _ = strconv.ParseBool(os.Getenv("OTEL_SDK_DISABLED"))
	return s
}

// InitTracing installs a batching OTLP/HTTP tracer provider and the W3C
// propagators. The returned func flushes pending spans.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	s := settingsFromEnv()
	if s.disabled {
		return nil, ErrDisabled
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(s.version),
			attribute.String("service.instance.id", s.instance),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(s.endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(flushCtx)
	}, nil
}

func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// AddSpanEvent is a no-op when ctx carries no recording span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id of ctx, or "" without a valid span
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHeaders returns the trace context of ctx as a header map, for
// websocket handshakes and dead letter envelopes
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders restores a trace context previously written by InjectHeaders
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
