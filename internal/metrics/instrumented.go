package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/chris-regnier/warden/internal/metrics"

// Instruments mirrors recorded events to the global OpenTelemetry meter
// provider. With telemetry disabled the provider is a no-op.
type Instruments struct {
	scans      metric.Int64Counter
	duration   metric.Float64Histogram
	collectors metric.Int64Counter
	collectDur metric.Float64Histogram
	cache      metric.Int64Counter
}

// NewInstruments creates the scan instruments on the global meter.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)

	scans, err := meter.Int64Counter("warden.scan.candidates",
		metric.WithDescription("Candidates that reached a terminal event"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("warden.scan.duration",
		metric.WithDescription("End-to-end evaluation time per candidate"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	collectors, err := meter.Int64Counter("warden.collector.invocations",
		metric.WithDescription("Collector invocations by kind and outcome"))
	if err != nil {
		return nil, err
	}
	collectDur, err := meter.Float64Histogram("warden.collector.duration",
		metric.WithDescription("Collector invocation time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	cache, err := meter.Int64Counter("warden.cache.lookups",
		metric.WithDescription("Result cache lookups by result"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		scans:      scans,
		duration:   duration,
		collectors: collectors,
		collectDur: collectDur,
		cache:      cache,
	}, nil
}

// RecordScan records one terminal candidate event.
func (i *Instruments) RecordScan(ctx context.Context, e ScanEvent) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("warden.stage", e.Stage),
		attribute.String("warden.action", e.Action),
		attribute.Bool("warden.error", e.Error != ""),
	)
	i.scans.Add(ctx, 1, attrs)
	i.duration.Record(ctx, float64(e.TotalDuration.Milliseconds()), attrs)
	if e.CacheResult != "" {
		i.cache.Add(ctx, 1, metric.WithAttributes(attribute.String("warden.cache.result", string(e.CacheResult))))
	}
}

// RecordCollector records one collector invocation.
func (i *Instruments) RecordCollector(ctx context.Context, kind, outcome string, d time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("warden.collector.kind", kind),
		attribute.String("warden.collector.outcome", outcome),
	)
	i.collectors.Add(ctx, 1, attrs)
	i.collectDur.Record(ctx, float64(d.Milliseconds()), attrs)
}
