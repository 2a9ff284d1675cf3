// Package observe provides application-wide observability primitives for the
// voice satellite: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without guarding every call site.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all satellite metrics.
const meterName = "github.com/MrWong99/voicesat"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks on-device wake word inference latency per
	// model stage. Use with attribute.String("stage", ...).
	InferenceDuration metric.Float64Histogram

	// TurnDuration tracks the time from wake word to the end of the
	// spoken response. Use with attribute.String("outcome", ...).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// WakeWords counts wake word detections. Use with attribute:
	//   attribute.String("source", "home_assistant" | "on_device")
	WakeWords metric.Int64Counter

	// PipelineErrors counts pipeline error events. Use with attributes:
	//   attribute.String("code", ...), attribute.String("class", "expected" | "unexpected")
	PipelineErrors metric.Int64Counter

	// Restarts counts pipeline restarts by reason.
	Restarts metric.Int64Counter

	// Notifications counts announcement, question and timer notifications.
	// Use with attributes kind and outcome.
	Notifications metric.Int64Counter

	// Playbacks counts TTS and chime playbacks. Use with attributes target
	// and outcome.
	Playbacks metric.Int64Counter

	// AudioBytesSent counts binary audio bytes streamed to Home Assistant.
	AudioBytesSent metric.Int64Counter

	// --- Gauges ---

	// ActiveSurfaces tracks the number of connected UI surfaces.
	ActiveSurfaces metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational turn latency.
var latencyBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30, 60,
}

// inferenceBuckets covers per-chunk model runs, which must stay well below
// the 80ms chunk period.
var inferenceBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.08, 0.16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("voicesat.wakeword.inference.duration",
		metric.WithDescription("Latency of one on-device wake word model run by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voicesat.pipeline.turn.duration",
		metric.WithDescription("Time from wake word to the end of the response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WakeWords, err = m.Int64Counter("voicesat.wakeword.detections",
		metric.WithDescription("Total wake word detections by source."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voicesat.pipeline.errors",
		metric.WithDescription("Total pipeline error events by code and class."),
	); err != nil {
		return nil, err
	}
	if met.Restarts, err = m.Int64Counter("voicesat.pipeline.restarts",
		metric.WithDescription("Total pipeline restarts by reason."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("voicesat.notifications",
		metric.WithDescription("Total notifications by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("voicesat.playbacks",
		metric.WithDescription("Total audio playbacks by target and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("voicesat.audio.bytes_sent",
		metric.WithDescription("Binary audio bytes streamed to Home Assistant."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSurfaces, err = m.Int64UpDownCounter("voicesat.active_surfaces",
		metric.WithDescription("Number of connected UI surfaces."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicesat.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInference records one model stage run.
func (m *Metrics) RecordInference(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordWakeWord records a wake word detection from source.
func (m *Metrics) RecordWakeWord(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.WakeWords.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordPipelineError records a pipeline error event. Expected errors are
// the ones that restart silently.
func (m *Metrics) RecordPipelineError(ctx context.Context, code string, expected bool) {
	if m == nil {
		return
	}
	class := "unexpected"
	if expected {
		class = "expected"
	}
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", code),
			attribute.String("class", class),
		),
	)
}

// RecordRestart records a pipeline restart.
func (m *Metrics) RecordRestart(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTurn records a completed conversational turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordNotification records a notification outcome such as "played",
// "queued" or "dropped".
func (m *Metrics) RecordNotification(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordPlayback records a playback outcome for target.
func (m *Metrics) RecordPlayback(ctx context.Context, target, outcome string) {
	if m == nil {
		return
	}
	m.Playbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordAudioSent adds n streamed bytes.
func (m *Metrics) RecordAudioSent(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.AudioBytesSent.Add(ctx, int64(n))
}

// SurfaceConnected adjusts the active surface gauge by delta.
func (m *Metrics) SurfaceConnected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSurfaces.Add(ctx, delta)
}
