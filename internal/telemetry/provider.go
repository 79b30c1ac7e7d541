// Package telemetry wires OpenTelemetry tracing to an OTLP/HTTP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var ErrNoEndpoint = errors.New("telemetry endpoint not configured")

type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is host:port of the collector; a scheme prefix is ignored.
	Endpoint      string
	Insecure      bool
	WorkerID      string
	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// Provider owns the global TracerProvider and must be shut down to flush.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// InitProvider installs a batching OTLP exporter as the global tracer
// provider. Spans started before it is called go to the no-op provider.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if strings.HasPrefix(endpoint, "http://") {
		cfg.Insecure = true
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "modelqueue-worker"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	if cfg.WorkerID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.WorkerID))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
