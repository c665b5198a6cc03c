package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: WHAT A TRACE OF THIS SERVICE LOOKS LIKE

  embedbase → OpenTelemetry SDK → Jaeger exporter → collector → Jaeger UI

An ingestion shows one Upserter.Batch span per batch under Upserter.Upsert, so
slow batches and retried provider calls stand out. A search shows the time
split between the embedding call and the vector query.
*/

// Options configures tracing.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	// SampleRatio is the share of new traces kept, in [0, 1]. Child spans
	// follow the parent's decision.
	SampleRatio float64
}

// Sampler returns the sampler for ratio: always at 1 or more, never at 0 or
// less, otherwise ratio based. Remote parents decide for their children.
func Sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	case ratio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

// InitJaeger installs a global tracer provider exporting to Jaeger.
// Returns a cleanup function that should be called on shutdown
func InitJaeger(opts Options) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	version := opts.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", opts.Endpoint, clampRatio(opts.SampleRatio)*100)

	// Learning: Always flush traces on shutdown!
	return tp.Shutdown, nil
}

func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
