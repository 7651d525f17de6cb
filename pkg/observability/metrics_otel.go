package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for the RBAC engine.
// They are exported through the meter provider set up by InitOTel.
type OTelMetrics struct {
	decisionsTotal  metric.Int64Counter
	resolveDuration metric.Float64Histogram
	mutationsTotal  metric.Int64Counter
	cacheLookups    metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates the instruments on provider
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter("github.com/platinummonkey/warden")

	m := &OTelMetrics{}
	var err error

	m.decisionsTotal, err = meter.Int64Counter(
		"rbac.decisions",
		metric.WithDescription("Total number of permission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.resolveDuration, err = meter.Float64Histogram(
		"rbac.resolve.duration",
		metric.WithDescription("Permission resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve duration histogram: %w", err)
	}

	m.mutationsTotal, err = meter.Int64Counter(
		"rbac.mutations",
		metric.WithDescription("Total number of RBAC mutations"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutations counter: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"rbac.cache.lookups",
		metric.WithDescription("Decision cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	return m, nil
}

// RecordDecision records a decision outcome and latency. Nil-safe.
func (m *OTelMetrics) RecordDecision(ctx context.Context, allowed bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("rbac.allowed", allowed),
		attribute.String("rbac.reason", reason),
	)
	m.decisionsTotal.Add(ctx, 1, attrs)
	m.resolveDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("rbac.allowed", allowed)))
}

// RecordMutation records a mutation attempt. Nil-safe.
func (m *OTelMetrics) RecordMutation(ctx context.Context, operation string, err error) {
	if m == nil {
		return
	}
	m.mutationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rbac.operation", operation),
		attribute.Bool("error", err != nil),
	))
}

// RecordCacheLookup records a decision cache hit or miss. Nil-safe.
func (m *OTelMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cache.hit", hit)))
}
