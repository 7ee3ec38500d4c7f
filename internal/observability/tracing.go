package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/config"
	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultOTLPEndpoint = "localhost:4317"

// RunAttributes describe the simulation run behind every exported span.
type RunAttributes struct {
	Nodes         int
	Channels      int
	Seed          uint64
	Repository    string
	DecisionLayer string
}

// TracingOption customises InitTracing.
type TracingOption func(*tracingOptions)

type tracingOptions struct {
	run    RunAttributes
	writer io.Writer
}

// WithRunAttributes tags the tracer resource with the run parameters.
func WithRunAttributes(run RunAttributes) TracingOption {
	return func(o *tracingOptions) { o.run = run }
}

// WithSpanWriter sends stdout exporter output to w.
func WithSpanWriter(w io.Writer) TracingOption {
	return func(o *tracingOptions) {
		if w != nil {
			o.writer = w
		}
	}
}

// InitTracing installs the global tracer provider for a run. Disabled
// tracing installs a noop provider so spectrum spans cost nothing. The
// returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, log logging.Logger, opts ...TracingOption) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	o := tracingOptions{writer: os.Stdout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg, o.writer)
	if err != nil {
		return nil, err
	}
	res, err := runResource(ctx, cfg, o.run)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// runResource identifies the run: the run ID from ctx becomes the service
// instance, and the node population, channel plan and seed let traces of
// different runs be told apart.
func runResource(ctx context.Context, cfg config.TracingConfig, run RunAttributes) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "crn"),
		attribute.Int("crn.nodes", run.Nodes),
		attribute.Int("crn.channels", run.Channels),
		attribute.String("crn.seed", strconv.FormatUint(run.Seed, 10)),
	}
	if id := logging.RunIDFromContext(ctx); id != "" {
		attrs = append(attrs,
			attribute.String("service.instance.id", id),
			attribute.String("crn.run_id", id),
		)
	}
	if run.Repository != "" {
		attrs = append(attrs, attribute.String("crn.repository", run.Repository))
	}
	if run.DecisionLayer != "" {
		attrs = append(attrs, attribute.String("crn.decision_layer", run.DecisionLayer))
	}
	return resource.New(ctx, resource.WithTelemetrySDK(), resource.WithAttributes(attrs...))
}

func newSpanExporter(ctx context.Context, cfg config.TracingConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
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
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
