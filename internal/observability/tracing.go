// Package observability wires OpenTelemetry trace export for the relay.
//
// Spans are exported over OTLP HTTP to whatever collector the operator
// points tracing.endpoint at (an OTel Collector, a vendor agent, etc.).
// Tracing is off entirely when no endpoint is configured, so local runs
// carry no exporter goroutines.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"github.com/loom-chat/loom/internal/config"
	"github.com/loom-chat/loom/internal/log"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup registers an OTLP HTTP exporter with Genkit's TracerProvider so
// model-call spans and our own spans share one pipeline.
//
// Returns a shutdown function that flushes pending spans. When
// cfg.Endpoint is empty the returned shutdown is a no-op and nothing is
// exported.
func Setup(ctx context.Context, cfg config.TracingConfig, logger log.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	// Genkit's TracerProvider reads the standard OTEL env vars for its
	// resource attributes.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		// Tracing is best-effort; a missing collector must not block startup.
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)

	return tracing.TracerProvider().Shutdown, nil
}
