package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/eocw-aodv/internal/logging"
)

// TracerName is the instrumentation scope of protocol spans.
const TracerName = "github.com/signalsfoundry/eocw-aodv/aodv"

const (
	defaultServiceName  = "eocw-aodv"
	defaultOTLPEndpoint = "localhost:4317"
)

// Tracer returns the protocol tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// TracingConfig selects where discovery and path-selection spans go.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp collector, host:port
	SampleRatio float64
	// Writer receives stdout-exporter output; os.Stdout when nil.
	Writer io.Writer
	// Attributes describe the run (scenario, seed) and are attached to
	// the resource of every span.
	Attributes []attribute.KeyValue
}

// TracingConfigFromEnv reads AODV_TRACING_ENABLED, _EXPORTER, _ENDPOINT,
// _SAMPLE_RATIO and _SERVICE_NAME. Unparseable or out-of-range values fall
// back to the defaults.
func TracingConfigFromEnv() TracingConfig {
	enabled, _ := strconv.ParseBool(os.Getenv("AODV_TRACING_ENABLED"))
	cfg := TracingConfig{
		Enabled:     enabled,
		ServiceName: envOr("AODV_TRACING_SERVICE_NAME", defaultServiceName),
		Exporter:    strings.ToLower(envOr("AODV_TRACING_EXPORTER", "stdout")),
		Endpoint:    os.Getenv("AODV_TRACING_ENDPOINT"),
		SampleRatio: 1,
	}
	if ratio, err := strconv.ParseFloat(os.Getenv("AODV_TRACING_SAMPLE_RATIO"), 64); err == nil && ratio >= 0 && ratio <= 1 {
		cfg.SampleRatio = ratio
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// InitTracing installs the global tracer provider and returns the function
// that flushes it. No propagators are installed.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "protocol tracing off")
		return func(context.Context) error { return nil }, nil
	}

	var export sdktrace.TracerProviderOption
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		exp, err := stdoutExporter(cfg.Writer)
		if err != nil {
			return nil, err
		}
		// Export as spans end so the output follows virtual time.
		export = sdktrace.WithSyncer(exp)
	case "otlp", "otlpgrpc":
		exp, err := otlpExporter(ctx, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		export = sdktrace.WithBatcher(exp)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}

	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "aodv"),
	}, cfg.Attributes...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
		export,
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "protocol tracing on",
		logging.String("exporter", cfg.Exporter),
		logging.String("service", service),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func stdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	if w == nil {
		w = os.Stdout
	}
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
}

func otlpExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
	}
	return exp, nil
}

// ShutdownWithTimeout flushes tracing within five seconds. Failures are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "flushing spans failed", logging.Err(err))
	}
}
