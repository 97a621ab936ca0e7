// Package observe provides application-wide observability primitives for
// the gateway: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics/prometheus endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/openvoiceproxy/openvoiceproxy"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks provider synthesis latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("format", ...)
	SynthesisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider.
	ProviderErrors metric.Int64Counter

	// CharactersSynthesized counts input characters by provider.
	CharactersSynthesized metric.Int64Counter

	// StreamedBytes counts audio bytes delivered over streaming sessions.
	StreamedBytes metric.Int64Counter

	// AuthFailures counts rejected authentication attempts by reason.
	AuthFailures metric.Int64Counter

	// RateLimited counts requests denied by the rate limiter.
	RateLimited metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("openvoiceproxy.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("openvoiceproxy.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route template."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("openvoiceproxy.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("openvoiceproxy.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.CharactersSynthesized, err = m.Int64Counter("openvoiceproxy.synthesis.characters",
		metric.WithDescription("Total input characters synthesized by provider."),
	); err != nil {
		return nil, err
	}
	if met.StreamedBytes, err = m.Int64Counter("openvoiceproxy.stream.bytes",
		metric.WithDescription("Total audio bytes delivered over streaming sessions."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("openvoiceproxy.auth.failures",
		metric.WithDescription("Total rejected authentication attempts by reason."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("openvoiceproxy.ratelimit.rejections",
		metric.WithDescription("Total requests denied by the rate limiter."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("openvoiceproxy.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
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

// RecordSynthesis records one completed provider call: latency, request
// count and character count with the standard attribute set.
func (m *Metrics) RecordSynthesis(ctx context.Context, provider, format, status string, chars int, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("format", format),
	)
	m.SynthesisDuration.Record(ctx, seconds, attrs)
	m.CharactersSynthesized.Add(ctx, int64(chars),
		metric.WithAttributes(attribute.String("provider", provider)))
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordAuthFailure records a rejected authentication attempt.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordRateLimited records a rate-limited request.
func (m *Metrics) RecordRateLimited(ctx context.Context, path string) {
	m.RateLimited.Add(ctx, 1,
		metric.WithAttributes(attribute.String("path", path)),
	)
}
