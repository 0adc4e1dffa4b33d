// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware for the
// operational endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplex metrics.
const meterName = "github.com/soundline/duplex"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts microphone frames forwarded to the service. Use
	// with attribute: attribute.Bool("ducked", ...).
	CaptureFrames metric.Int64Counter

	// CaptureLevel tracks the per-frame loudness meter reading in [0, 1].
	CaptureLevel metric.Float64Histogram

	// --- Playback ---

	// PlaybackUnits counts audio units scheduled for playback.
	PlaybackUnits metric.Int64Counter

	// PlaybackCancelled counts units cancelled before completing.
	PlaybackCancelled metric.Int64Counter

	// WatchdogRecoveries counts units reaped by the per-unit watchdog
	// because their completion callback never fired.
	WatchdogRecoveries metric.Int64Counter

	// Interruptions counts barge-in interrupts handled.
	Interruptions metric.Int64Counter

	// --- Tools ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool handler latency.
	ToolDuration metric.Float64Histogram

	// --- Session ---

	// TransportErrors counts fatal transport errors by provider.
	TransportErrors metric.Int64Counter

	// StateTransitions counts turn-state transitions. Use with attribute:
	//   attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks full session lifetimes.
	SessionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for tool and network latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// levelBuckets defines histogram bucket boundaries for the [0, 1] loudness
// meter.
var levelBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("duplex.capture.frames",
		metric.WithDescription("Microphone frames forwarded to the service, by ducked flag."),
	); err != nil {
		return nil, err
	}
	if met.CaptureLevel, err = m.Float64Histogram("duplex.capture.level",
		metric.WithDescription("Per-frame loudness meter reading."),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackUnits, err = m.Int64Counter("duplex.playback.units",
		metric.WithDescription("Audio units scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackCancelled, err = m.Int64Counter("duplex.playback.cancelled",
		metric.WithDescription("Playback units cancelled before completion."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogRecoveries, err = m.Int64Counter("duplex.playback.watchdog_recoveries",
		metric.WithDescription("Playback units reaped by the completion watchdog."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("duplex.playback.interruptions",
		metric.WithDescription("Barge-in interrupts handled."),
	); err != nil {
		return nil, err
	}

	// Tools.
	if met.ToolCalls, err = m.Int64Counter("duplex.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("duplex.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.TransportErrors, err = m.Int64Counter("duplex.transport.errors",
		metric.WithDescription("Fatal transport errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("duplex.session.state_transitions",
		metric.WithDescription("Turn-state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplex.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("duplex.session.duration",
		metric.WithDescription("Voice session lifetime."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplex.http.request.duration",
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

// RecordCaptureFrame records one forwarded capture frame and its meter
// reading.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, level float64, ducked bool) {
	m.CaptureFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("ducked", ducked)),
	)
	m.CaptureLevel.Record(ctx, level)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordTransportError records a fatal transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, provider string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordStateTransition records one turn-state transition.
func (m *Metrics) RecordStateTransition(ctx context.Context, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("to", to)),
	)
}
