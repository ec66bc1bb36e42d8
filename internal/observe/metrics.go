// Package observe provides the observability primitives for avabridge:
// OpenTelemetry metrics and tracing, a trace-aware logger, and HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API; [InitProvider] bridges
// them to a Prometheus registry scraped on /metrics. [DefaultMetrics] is a
// package-level instance; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every avabridge instrument.
const meterName = "github.com/MrWong99/avabridge"

// Commit reasons recorded by [Metrics.RecordCommit].
const (
	CommitEndpointVAD = "vad"
	CommitForced      = "forced"
	CommitFlush       = "flush"
)

// Metrics holds the OpenTelemetry instruments of the bridge. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// CallDuration tracks the wall-clock length of finished calls.
	CallDuration metric.Float64Histogram

	// RealtimeConnectDuration tracks how long dialing and configuring the
	// realtime session takes.
	RealtimeConnectDuration metric.Float64Histogram

	// SummaryDuration tracks post-call summary generation. Attribute:
	//   attribute.String("status", ...)
	SummaryDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Calls counts finished calls by outcome.
	Calls metric.Int64Counter

	// Commits counts input-buffer commits by reason (vad, forced, flush).
	Commits metric.Int64Counter

	// Responses counts explicit response.create requests.
	Responses metric.Int64Counter

	// BargeIns counts caller interruptions of assistant playback.
	BargeIns metric.Int64Counter

	// RealtimeErrors counts error events from the realtime endpoint by code.
	RealtimeErrors metric.Int64Counter

	// Notifications counts summary deliveries by status.
	Notifications metric.Int64Counter

	// BreakerTransitions counts circuit-breaker state changes. Attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks calls currently being bridged.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries (seconds) for request-scale
// latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets are histogram boundaries (seconds) for phone call lengths.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallDuration, err = m.Float64Histogram("avabridge.call.duration",
		metric.WithDescription("Length of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealtimeConnectDuration, err = m.Float64Histogram("avabridge.realtime.connect.duration",
		metric.WithDescription("Latency of dialing and configuring the realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryDuration, err = m.Float64Histogram("avabridge.summary.duration",
		metric.WithDescription("Latency of post-call summary generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("avabridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Calls, "avabridge.calls", "Finished calls by outcome."},
		{&met.Commits, "avabridge.commits", "Input audio buffer commits by reason."},
		{&met.Responses, "avabridge.responses", "Explicit response requests sent to the realtime endpoint."},
		{&met.BargeIns, "avabridge.barge_ins", "Caller interruptions of assistant playback."},
		{&met.RealtimeErrors, "avabridge.realtime.errors", "Error events from the realtime endpoint by code."},
		{&met.Notifications, "avabridge.notifications", "Summary deliveries by status."},
		{&met.BreakerTransitions, "avabridge.breaker.transitions", "Circuit breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("avabridge.active_calls",
		metric.WithDescription("Number of calls currently bridged."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// CallStarted increments the active-call gauge.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded decrements the active-call gauge and records the outcome and
// length of the call.
func (m *Metrics) CallEnded(ctx context.Context, outcome string, d time.Duration) {
	m.ActiveCalls.Add(ctx, -1)
	m.Calls.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	if d > 0 {
		m.CallDuration.Record(ctx, d.Seconds())
	}
}

// RecordCommit counts one input-buffer commit.
func (m *Metrics) RecordCommit(ctx context.Context, reason string) {
	m.Commits.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordResponse counts one response.create request.
func (m *Metrics) RecordResponse(ctx context.Context) {
	m.Responses.Add(ctx, 1)
}

// RecordBargeIn counts one interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordRealtimeError counts one endpoint error event.
func (m *Metrics) RecordRealtimeError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.RealtimeErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordRealtimeConnect records the realtime connect latency.
func (m *Metrics) RecordRealtimeConnect(ctx context.Context, d time.Duration, status string) {
	m.RealtimeConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordSummary records how long summary generation took.
func (m *Metrics) RecordSummary(ctx context.Context, d time.Duration, status string) {
	m.SummaryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordNotification counts one summary delivery.
func (m *Metrics) RecordNotification(ctx context.Context, status string) {
	m.Notifications.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordBreakerTransition counts one circuit-breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("to", to)))
}
