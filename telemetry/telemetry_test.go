package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/warden/types"
)

func TestOTELHook_AddsTraceIDs(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	ctx, span := provider.Tracer("test").Start(context.Background(), "scan.perform")
	defer span.End()

	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warden")
	logger.LogScanStarted(ctx, "tenant-a", "scan-1", "prov-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
	assert.Equal(t, "scan-1", line["scan_id"])
	assert.Equal(t, "warden", line["service"])
}

func TestOTELHook_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warden")
	logger.LogScanFailed(context.Background(), "scan-1", "batch", errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "trace_id")
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "batch", line["stage"])
}

func TestScanMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewScanMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordBatch(ctx, 10*time.Millisecond, map[types.Delta]int{types.DeltaNew: 2, types.DeltaNone: 1})
	m.RecordScanFinished(ctx, types.ProviderAWS, types.ScanCompleted, time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if data, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[metric.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["warden.batches.committed.total"])
	assert.Equal(t, int64(3), sums["warden.findings.persisted.total"])
	assert.Equal(t, int64(1), sums["warden.scans.total"])
}

func TestApplyConfigDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := applyConfigDefaults(Config{SampleRate: 5})
	assert.Equal(t, "warden", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Empty(t, cfg.OTELEndpoint)
}

func TestInitOTEL_MetricsOnly(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitOTEL(context.Background(), Config{MetricsEnabled: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
