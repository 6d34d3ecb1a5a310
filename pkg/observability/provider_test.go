package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "sentinel", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, done := p.TrackOperation(context.Background(), "noop")
	done(errors.New("ignored"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func newTestProvider(t *testing.T) (*Provider, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, exporter, reader
}

func TestTrackOperation_RecordsSpanAndMetrics(t *testing.T) {
	p, exporter, reader := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "stage.cssr", StageOperation("cssr")...)
	done(nil)
	_, done = p.TrackOperation(ctx, "stage.cssr", StageOperation("cssr")...)
	done(errors.New("blocked"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "stage.cssr", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("sentinel.stage", "cssr"))
	assert.Equal(t, codes.Error, spans[1].Status.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["sentinel.stage.evaluations"])
	assert.Equal(t, int64(1), sums["sentinel.stage.failures"])
	assert.Equal(t, int64(0), sums["sentinel.stage.active"])
}

func TestRecordDecision(t *testing.T) {
	p, _, reader := newTestProvider(t)
	ctx := context.Background()
	p.RecordDecision(ctx, "complete", true)
	p.RecordDecision(ctx, "cssr", false)
	p.RecordDecision(ctx, "cssr", false)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	byStage := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "sentinel.decisions" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				stage, _ := dp.Attributes.Value(AttrStage)
				byStage[stage.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"complete": 1, "cssr": 2}, byStage)
}

func TestSpanHelpers(t *testing.T) {
	p, exporter, _ := newTestProvider(t)
	ctx, span := p.StartSpan(context.Background(), "evaluate")
	AddSpanEvent(ctx, "override.active", attribute.String("rule", "emergency_override"))
	SetSpanAttributes(ctx, AttrPassed.Bool(true))
	SetSpanStatus(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "override.active", spans[0].Events[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.Bool("sentinel.passed", true))
}

func TestSLOTracker(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(SLOTarget{Operation: "cssr", LatencyP99: 100 * time.Millisecond, SuccessRate: 0.9, Window: time.Hour})

	st, err := tracker.Status("cssr")
	require.NoError(t, err)
	assert.True(t, st.InCompliance)
	assert.Equal(t, 0, st.ObservationCount)

	for i := 0; i < 8; i++ {
		tracker.Record(SLOObservation{Operation: "cssr", Latency: 10 * time.Millisecond, Success: true})
	}
	tracker.Record(SLOObservation{Operation: "cssr", Latency: 10 * time.Millisecond, Success: false})
	tracker.Record(SLOObservation{Operation: "cssr", Latency: 10 * time.Millisecond, Success: false})

	st, err = tracker.Status("cssr")
	require.NoError(t, err)
	assert.Equal(t, 10, st.ObservationCount)
	assert.InDelta(t, 0.8, st.SuccessRate, 1e-9)
	assert.False(t, st.InCompliance)
	assert.InDelta(t, 2.0, st.BurnRate, 1e-9)
	assert.Equal(t, 0.0, st.ErrorBudgetLeft)

	tracker.Record(SLOObservation{Operation: "cssr", Latency: time.Second, Success: true, Timestamp: now.Add(-2 * time.Hour)})
	st, _ = tracker.Status("cssr")
	assert.Equal(t, 10, st.ObservationCount, "observations outside the window are ignored")

	_, err = tracker.Status("unknown")
	assert.Error(t, err)
	assert.Equal(t, []string{"cssr"}, tracker.Operations())
}

func TestSLOTracker_Latency(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(SLOTarget{Operation: "quadran-lock", LatencyP99: 5 * time.Millisecond, SuccessRate: 0.5, Window: time.Hour})
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: "quadran-lock", Latency: 50 * time.Millisecond, Success: true})
	}
	st, err := tracker.Status("quadran-lock")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, st.P99)
	assert.False(t, st.InCompliance)
}
