package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultOTLPGRPCPort = "4317"
	defaultOTLPHTTPPort = "4318"
	defaultHTTPPath     = "/v1/traces"
	exportTimeout       = 5 * time.Second
)

type Options struct {
	ServiceName  string
	InstanceName string
	Version      string
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Init configures OpenTelemetry tracing for the running binary.
// Without OTEL_EXPORTER_OTLP_ENDPOINT only the propagator is installed.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	installPropagator()

	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		logger.Info("opentelemetry disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	protocol := normalizeProtocol(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))

	exporter, resolved, err := newExporter(ctx, protocol, endpoint, headers)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", resourceAttributes(opts)...))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	logger.Info("opentelemetry tracing enabled",
		"service", opts.ServiceName,
		"protocol", protocol,
		"endpoint", resolved,
	)
	return tp.Shutdown, nil
}

func installPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", strings.TrimSpace(opts.ServiceName)),
	}
	if name := strings.TrimSpace(opts.InstanceName); name != "" {
		attrs = append(attrs, attribute.String("service.instance.id", name))
	}
	if v := strings.TrimSpace(opts.Version); v != "" {
		attrs = append(attrs, attribute.String("service.version", v))
	}
	if env := strings.TrimSpace(os.Getenv("APP_ENV")); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	return attrs
}

func newExporter(ctx context.Context, protocol, rawEndpoint string, headers map[string]string) (sdktrace.SpanExporter, string, error) {
	if protocol == "http" {
		host, path, insecure, err := httpEndpoint(rawEndpoint)
		if err != nil {
			return nil, "", fmt.Errorf("invalid OTLP HTTP endpoint: %w", err)
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(host),
			otlptracehttp.WithURLPath(path),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("create OTLP HTTP exporter: %w", err)
		}
		return exporter, host + path, nil
	}

	hostPort, insecure, err := grpcEndpoint(rawEndpoint)
	if err != nil {
		return nil, "", fmt.Errorf("invalid OTLP gRPC endpoint: %w", err)
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(hostPort),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("create OTLP gRPC exporter: %w", err)
	}
	return exporter, hostPort, nil
}

func normalizeProtocol(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "http", "http/protobuf":
		return "http"
	default:
		return "grpc"
	}
}

func grpcEndpoint(raw string) (hostPort string, insecure bool, err error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}

	hasScheme := strings.Contains(candidate, "://")
	if hasScheme {
		parsed, parseErr := url.Parse(candidate)
		if parseErr != nil {
			return "", false, parseErr
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("host is required")
		}
		candidate = parsed.Host
		insecure = parsed.Scheme == "http"
	} else {
		// bare host:port is a sidecar collector
		insecure = true
	}

	if !strings.Contains(candidate, ":") {
		candidate += ":" + defaultOTLPGRPCPort
	}
	if value, ok := boolEnv("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		insecure = value
	}
	return candidate, insecure, nil
}

func httpEndpoint(raw string) (host, path string, insecure bool, err error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", "", false, fmt.Errorf("endpoint is required")
	}

	path = defaultHTTPPath
	if strings.Contains(candidate, "://") {
		parsed, parseErr := url.Parse(candidate)
		if parseErr != nil {
			return "", "", false, parseErr
		}
		if parsed.Host == "" {
			return "", "", false, fmt.Errorf("host is required")
		}
		host = parsed.Host
		if parsed.Path != "" && parsed.Path != "/" {
			path = parsed.Path
		}
		insecure = parsed.Scheme == "http"
	} else {
		host = candidate
		if !strings.Contains(host, ":") {
			host += ":" + defaultOTLPHTTPPort
		}
		insecure = true
	}

	if value, ok := boolEnv("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		insecure = value
	}
	return host, path, insecure, nil
}

func sampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if raw := strings.TrimSpace(arg); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			ratio = min(max(parsed, 0), 1)
		}
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_off", "alwaysoff":
		return sdktrace.NeverSample()
	case "always_on", "alwayson":
		return sdktrace.AlwaysSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func parseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func boolEnv(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return parsed, true
}
