package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/types"
)

// ScanMetrics holds the instruments recorded while scans run.
type ScanMetrics struct {
	ScansTotal          metric.Int64Counter
	BatchesCommitted    metric.Int64Counter
	FindingsPersisted   metric.Int64Counter
	RequirementsCreated metric.Int64Counter
	ResourcesRecomputed metric.Int64Counter
	ScanDuration        metric.Float64Histogram
	BatchDuration       metric.Float64Histogram
}

// NewScanMetrics creates all scan instruments on meter.
func NewScanMetrics(meter metric.Meter) (*ScanMetrics, error) {
	m := &ScanMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ScansTotal, "warden.scans.total", "Scans that reached a terminal state"},
		{&m.BatchesCommitted, "warden.batches.committed.total", "Result batches committed"},
		{&m.FindingsPersisted, "warden.findings.persisted.total", "Findings persisted, by delta"},
		{&m.RequirementsCreated, "warden.compliance.requirements.total", "Compliance requirement rows written"},
		{&m.ResourcesRecomputed, "warden.resources.failed_findings.updated.total", "Resources whose failed findings count was recomputed"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.ScanDuration, err = meter.Float64Histogram("warden.scan.duration",
		metric.WithDescription("Duration of scans from start to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan duration histogram: %w", err)
	}

	m.BatchDuration, err = meter.Float64Histogram("warden.batch.duration",
		metric.WithDescription("Duration of one batch transaction"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch duration histogram: %w", err)
	}

	return m, nil
}

// RecordScanFinished counts a terminal scan and its duration.
func (m *ScanMetrics) RecordScanFinished(ctx context.Context, providerType types.ProviderType, state types.ScanState, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("provider", string(providerType)),
	)
	m.ScansTotal.Add(ctx, 1, attrs)
	m.ScanDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBatch counts a committed batch and its findings by delta.
func (m *ScanMetrics) RecordBatch(ctx context.Context, d time.Duration, byDelta map[types.Delta]int) {
	m.BatchesCommitted.Add(ctx, 1)
	m.BatchDuration.Record(ctx, d.Seconds())
	for delta, n := range byDelta {
		label := string(delta)
		if delta == types.DeltaNone {
			label = "unchanged"
		}
		m.FindingsPersisted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("delta", label)))
	}
}

// RecordBatchCommittedEvent adds a span event for a committed batch.
func RecordBatchCommittedEvent(span trace.Span, progress, findings int) {
	if span == nil {
		return
	}
	span.AddEvent("scan.batch.committed", trace.WithAttributes(
		attribute.Int("scan.progress", progress),
		attribute.Int("batch.findings", findings),
	))
}
