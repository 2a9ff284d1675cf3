package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys identifying the satellite a daemon drives.
const (
	AttrEntity       = attribute.Key("voicesat.satellite.entity")
	AttrWakeWordMode = attribute.Key("voicesat.wake_word.mode")
)

// ProviderConfig describes the satellite for telemetry and where its metrics
// are exposed.
type ProviderConfig struct {
	// ServiceName defaults to "voicesat".
	ServiceName    string
	ServiceVersion string

	// Entity is the assist_satellite entity. It doubles as the service
	// instance id, so several daemons scraped by one Prometheus stay apart.
	Entity string

	// WakeWordMode is the configured detection mode at startup.
	WakeWordMode string

	// Registerer receives the metrics collector. Nil means the Prometheus
	// default registerer, which is what promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter is optional; without one spans are recorded for log
	// correlation and dropped.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the telemetry resource for cfg.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicesat"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Entity != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Entity), AttrEntity.String(cfg.Entity))
	}
	if cfg.WakeWordMode != "" {
		attrs = append(attrs, AttrWakeWordMode.String(cfg.WakeWordMode))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider installs global meter and tracer providers for the satellite.
// Metrics go through a Prometheus exporter so /metrics keeps serving them.
// The returned shutdown flushes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
