// Package observability holds the OpenTelemetry metric instruments for orchestration.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope name.
const MeterName = "github.com/vipul43/adr-worker"

// Metrics holds the orchestration metric instruments.
type Metrics struct {
	phaseDuration metric.Float64Histogram
	phaseItems    metric.Int64Counter
	runCount      metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.phaseDuration, err = meter.Float64Histogram(
		"adr.phase.duration",
		metric.WithDescription("Duration of orchestration phases in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.phaseDuration, _ = meter.Float64Histogram("adr.phase.duration")
	}

	m.phaseItems, err = meter.Int64Counter(
		"adr.phase.items",
		metric.WithDescription("Items handled by orchestration phases, by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		m.phaseItems, _ = meter.Int64Counter("adr.phase.items")
	}

	m.runCount, err = meter.Int64Counter(
		"adr.run.count",
		metric.WithDescription("Finished orchestration runs, by final status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.runCount, _ = meter.Int64Counter("adr.run.count")
	}

	return m
}

// NewNoopMetrics creates metrics that do nothing.
func NewNoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}

// RecordPhase records how long a phase took and whether it returned an error.
func (m *Metrics) RecordPhase(ctx context.Context, phase string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.phaseDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("adr.phase", phase),
		attribute.Bool("error", err != nil),
	))
}

// AddItems counts n items of a phase that ended with outcome.
func (m *Metrics) AddItems(ctx context.Context, phase, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.phaseItems.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("adr.phase", phase),
		attribute.String("adr.outcome", outcome),
	))
}

// RecordRun counts a run that reached a final status.
func (m *Metrics) RecordRun(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runCount.Add(ctx, 1, metric.WithAttributes(attribute.String("adr.run.status", status)))
}
