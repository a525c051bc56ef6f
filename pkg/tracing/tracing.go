package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/otelguard/otelguard/pkg/logging"
)

// Config holds tracing configuration
type Config struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	Exporter       string  `json:"exporter"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRatio    float64 `json:"sample_ratio"`
	Enabled        bool    `json:"enabled"`
}

// DefaultConfig returns a default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "otelguard",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Exporter:       "otlp",
		OTLPEndpoint:   "localhost:4318",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SampleRatio:    1.0,
		Enabled:        true,
	}
}

// TracingService manages distributed tracing for the health checker itself
type TracingService struct {
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
	config   *Config
}

// NewTracingService creates a new tracing service
func NewTracingService(config *Config) (*TracingService, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		// Return a service with a no-op tracer
		return &TracingService{
			tracer: otel.Tracer("noop"),
			config: config,
		}, nil
	}

	exporter, err := newExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", config.Exporter, err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SampleRatio)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingService{
		tracer:   provider.Tracer(config.ServiceName),
		provider: provider,
		config:   config,
	}, nil
}

// newExporter builds the span exporter selected by the configuration
func newExporter(config *Config) (trace.SpanExporter, error) {
	switch config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	case "otlp":
		return otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
}

// Shutdown gracefully shuts down the tracing service
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if ts.provider == nil {
		return nil
	}
	return ts.provider.Shutdown(ctx)
}

// StartSpan starts a new span with the given name and options
func (ts *TracingService) StartSpan(ctx context.Context, spanName string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, spanName, opts...)
}

// StartHTTPSpan starts a span for an HTTP request
func (ts *TracingService) StartHTTPSpan(ctx context.Context, method, route string) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, fmt.Sprintf("%s %s", method, route),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// StartCheckSpan starts a span for a health check run
func (ts *TracingService) StartCheckSpan(ctx context.Context, check string) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, fmt.Sprintf("check.%s", check),
		oteltrace.WithAttributes(
			attribute.String("check.name", check),
		),
	)
}

// StartProbeSpan starts a span for a backend probe
func (ts *TracingService) StartProbeSpan(ctx context.Context, backend, endpoint string) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, fmt.Sprintf("probe.%s", backend),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("backend.name", backend),
			attribute.String("backend.endpoint", endpoint),
		),
	)
}

// StartStorageSpan starts a span for a storage operation
func (ts *TracingService) StartStorageSpan(ctx context.Context, operation, system string) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.system", system),
		),
	)
}

// AddSpanAttributes adds attributes to the current span
func (ts *TracingService) AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// AddSpanEvent adds an event to the current span
func (ts *TracingService) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	span.AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the current span
func (ts *TracingService) RecordError(ctx context.Context, err error, opts ...oteltrace.EventOption) {
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanStatus sets the status of the current span
func (ts *TracingService) SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := oteltrace.SpanFromContext(ctx)
	span.SetStatus(code, description)
}

// TracingMiddleware returns a Gin middleware for request tracing
func (ts *TracingService) TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := ts.StartHTTPSpan(ctx, c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.url", c.Request.URL.String()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.client_ip", c.ClientIP()),
		)

		c.Request = c.Request.WithContext(WithTraceContext(ctx))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))

		if status >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		} else {
			span.SetStatus(codes.Ok, "")
		}

		for _, ginErr := range c.Errors {
			span.RecordError(ginErr.Err)
		}
	}
}

// InstrumentHTTPClient wraps an HTTP client with tracing
func (ts *TracingService) InstrumentHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	client.Transport = &tracingTransport{
		base:   base,
		tracer: ts.tracer,
	}
	return client
}

// tracingTransport is an HTTP transport that creates spans for requests
type tracingTransport struct {
	base   http.RoundTripper
	tracer oteltrace.Tracer
}

// RoundTrip implements http.RoundTripper
func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), fmt.Sprintf("HTTP %s", req.Method),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	return resp, nil
}

// TraceableFunction wraps a function with a span
func (ts *TracingService) TraceableFunction(ctx context.Context, spanName string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := ts.StartSpan(ctx, spanName, oteltrace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetTraceID returns the trace ID from the context
func GetTraceID(ctx context.Context) string {
	spanCtx := oteltrace.SpanFromContext(ctx).SpanContext()
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the context
func GetSpanID(ctx context.Context) string {
	spanCtx := oteltrace.SpanFromContext(ctx).SpanContext()
	if spanCtx.HasSpanID() {
		return spanCtx.SpanID().String()
	}
	return ""
}

// WithTraceContext copies trace identifiers into the context for log correlation
func WithTraceContext(ctx context.Context) context.Context {
	if traceID := GetTraceID(ctx); traceID != "" {
		ctx = context.WithValue(ctx, logging.TraceIDKey, traceID)
	}
	if spanID := GetSpanID(ctx); spanID != "" {
		ctx = context.WithValue(ctx, logging.SpanIDKey, spanID)
	}
	return ctx
}

// EmitTestSpan sends a single span through a dedicated OTLP HTTP exporter and
// flushes it. It is used to verify that a collector endpoint accepts trace
// data end to end.
func EmitTestSpan(ctx context.Context, endpoint, spanName string, attrs ...attribute.KeyValue) error {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create test exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("otelguard-healthcheck"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create test resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	_, span := provider.Tracer("otelguard-healthcheck").Start(ctx, spanName)
	span.SetAttributes(attrs...)
	span.End()

	if err := provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush test span: %w", err)
	}
	return nil
}
