package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	otlpTimeout            = 10 * time.Second
	otlpReconnectionPeriod = 10 * time.Second

	proxySpanName = "jsonrpc.proxy"
)

// Span attribute keys for proxied JSON-RPC calls.
const (
	AttrRPCSystem = attribute.Key("rpc.system")
	AttrRPCMethod = attribute.Key("rpc.method")
	AttrOwner     = attribute.Key("rpcgw.owner")
	AttrBackend   = attribute.Key("rpcgw.backend")
)

// TracerConfig contains tracing configuration.
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SamplingRate   float64
	Enabled        bool

	// exporter replaces the OTLP exporter; tests use an in-memory one.
	exporter sdktrace.SpanExporter
}

// WithSpanExporter returns a copy of cfg that exports to exp instead of
// OTLP.
func (cfg TracerConfig) WithSpanExporter(exp sdktrace.SpanExporter) TracerConfig {
	cfg.exporter = exp
	return cfg
}

// Tracer opens server spans for proxied requests.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracerConfig
}

// NewTracer creates a tracer. When tracing is disabled the global no-op
// provider is used and spans are free.
func NewTracer(cfg TracerConfig) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rpcgw"
	}

	if !cfg.Enabled {
		return &Tracer{config: cfg, tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg.SamplingRate)),
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.exporter != nil:
		opts = append(opts, sdktrace.WithSyncer(exporter))
	case exporter != nil:
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		config:   cfg,
	}, nil
}

func newResource(cfg TracerConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	return resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// newExporter returns nil when there is nowhere to send spans.
func newExporter(cfg TracerConfig) (sdktrace.SpanExporter, error) {
	if cfg.exporter != nil {
		return cfg.exporter, nil
	}
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}
	return otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(otlpTimeout),
		otlptracegrpc.WithReconnectionPeriod(otlpReconnectionPeriod),
	)
}

// createSampler honours an upstream sampling decision and samples root
// spans at rate.
func createSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1.0:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TracingMiddleware opens a server span per request, continuing any trace
// the caller propagated.
func TracingMiddleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.tracer.Start(ctx, proxySpanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					AttrRPCSystem.String("jsonrpc"),
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.status))
			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}
		})
	}
}

// AnnotateRPC adds JSON-RPC routing details to the span in ctx. Empty
// values are skipped.
func AnnotateRPC(ctx context.Context, method, owner, backend string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	var attrs []attribute.KeyValue
	if method != "" {
		attrs = append(attrs, AttrRPCMethod.String(method))
	}
	if owner != "" {
		attrs = append(attrs, AttrOwner.String(owner))
	}
	if backend != "" {
		attrs = append(attrs, AttrBackend.String(backend))
	}
	span.SetAttributes(attrs...)
}

// InjectTraceContext injects trace context into outgoing request headers.
func InjectTraceContext(ctx context.Context, r *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
