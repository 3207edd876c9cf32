package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/lockstep-client/internal/logging"
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

// Exporters understood by StartTracing.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// TracingConfig selects the span exporter and describes the session every
// span belongs to.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	Endpoint    string // OTLP collector, host:port
	SampleRatio float64
	Session     SessionInfo
	// Output receives stdout exporter spans. Nil means os.Stdout.
	Output io.Writer
}

// SessionInfo is the lockstep session identity attached to the trace
// resource. Peers of one session share all of it.
type SessionInfo struct {
	Players        int
	RandomSeed     uint64
	SimulationStep time.Duration
	CommandStep    time.Duration
}

func (s SessionInfo) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("lockstep.players", s.Players),
		attribute.Int64("lockstep.random_seed", int64(s.RandomSeed)),
		attribute.Int64("lockstep.simulation_step_ms", s.SimulationStep.Milliseconds()),
		attribute.Int64("lockstep.command_step_ms", s.CommandStep.Milliseconds()),
	}
}

// Tracing owns the process tracer provider. provider is nil while tracing
// is disabled.
type Tracing struct {
	provider *sdktrace.TracerProvider
	log      logging.Logger
}

// StartTracing installs a global tracer provider for cfg. Update spans from
// lockstep clients flow through it because the clients default to the global
// provider.
func StartTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	t := &Tracing{log: log}
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return t, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("tracing sample ratio %v outside [0,1]", cfg.SampleRatio)
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	service := cfg.ServiceName
	if service == "" {
		service = "lockstep-sim"
	}
	res, err := resource.New(ctx, resource.WithAttributes(append([]attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "lockstep"),
	}, cfg.Session.attributes()...)...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.provider)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", service),
		logging.Int("players", cfg.Session.Players),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return t, nil
}

// Shutdown flushes buffered spans, giving up after five seconds. Failures
// are logged, not returned.
func (t *Tracing) Shutdown(ctx context.Context) {
	if t == nil || t.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout, "":
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		return otlptrace.New(ctx, otlptracegrpc.NewClient(otlpOptions(cfg.Endpoint)...))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

func otlpOptions(endpoint string) []otlptracegrpc.Option {
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	return []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}
