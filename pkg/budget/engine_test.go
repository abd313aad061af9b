package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func subsystem(id string, slo float64) config.SubsystemConfig {
	return config.SubsystemConfig{
		SubsystemID:       id,
		LatencyEnterMs:    500,
		LatencyExitMs:     300,
		QueueDepthEnter:   100,
		QueueDepthExit:    50,
		SLOTarget:         slo,
		BurnRateThreshold: 2,
	}
}

func ingest(c *telemetry.Collector, subsystemID, metric string, value float64, at time.Time) {
	c.Ingest(telemetry.MetricSample{
		SourceID:    "collector-1",
		SubsystemID: subsystemID,
		Metric:      metric,
		Value:       value,
		Timestamp:   at,
	})
}

func TestAllowedErrorsFormula(t *testing.T) {
	// 99.5% target over 30 days at 10 req/s tolerates 129,600 errors.
	got := AllowedErrors(0.995, 30*24*time.Hour, 10)
	assert.InDelta(t, 129_600, got, 1e-6)
}

func TestComputeHealthyBudget(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	ingest(c, "invoice-extraction", telemetry.MetricRequestCount, 36_000, t0)
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 18, t0)

	eng := NewEngine(window, nil)
	statuses := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 0.995),
	})
	require.Len(t, statuses, 1)
	st := statuses[0]

	assert.False(t, st.InsufficientData)
	assert.InDelta(t, 10, st.RequestRate, 1e-9)
	assert.InDelta(t, 180, st.AllowedErrors, 1e-9) // 0.005 * 3600 * 10
	assert.InDelta(t, 90, st.RemainingPct, 1e-9)
	assert.InDelta(t, 0.1, st.BurnRate, 1e-9)
	assert.False(t, st.Exhausted)
}

func TestComputeExhaustedBudget(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	ingest(c, "invoice-extraction", telemetry.MetricRequestCount, 36_000, t0)
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 200, t0)

	eng := NewEngine(window, nil)
	st := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 0.995),
	})[0]

	assert.True(t, st.Exhausted)
	assert.InDelta(t, 0, st.RemainingPct, 1e-9)
	assert.Greater(t, st.BurnRate, 1.0)
}

func TestComputeZeroRequestRate(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 5, t0)

	eng := NewEngine(window, nil)
	st := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 0.995),
	})[0]

	assert.True(t, st.InsufficientData)
	assert.False(t, st.Exhausted)
	assert.Zero(t, st.BurnRate)
}

func TestComputePerfectSLOLeavesNoBudget(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	ingest(c, "invoice-extraction", telemetry.MetricRequestCount, 1000, t0)
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 1, t0)

	eng := NewEngine(window, nil)
	st := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 1.0),
	})[0]

	assert.True(t, st.Exhausted)
	assert.Zero(t, st.RemainingPct)
}

func TestComputeWithErrorQuery(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	ingest(c, "invoice-extraction", telemetry.MetricRequestCount, 36_000, t0)
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 18, t0)
	ingest(c, "invoice-extraction", telemetry.MetricLatencyMs, 9_000, t0)

	qs, err := config.NewQuerySet([]config.QueryDef{{
		Name: "errors",
		Expr: `metric == "error_count" && value > 0.0`,
	}})
	require.NoError(t, err)

	eng := NewEngine(window, nil).WithErrorQuery(qs, "errors")
	st := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 0.995),
	})[0]

	assert.InDelta(t, 18, st.ErrorCount, 1e-9, "latency samples must not count as errors")
	assert.False(t, st.Exhausted)
}

func TestComputeBrokenQueryFailsClosed(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	ingest(c, "invoice-extraction", telemetry.MetricRequestCount, 1000, t0)

	qs, err := config.NewQuerySet(nil)
	require.NoError(t, err)

	eng := NewEngine(window, nil).WithErrorQuery(qs, "missing")
	st := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 0.995),
	})[0]

	assert.True(t, st.InsufficientData)
}

func TestComputeBurstAgesOutOfWindow(t *testing.T) {
	window := time.Hour
	c := telemetry.NewCollector(window)
	// Burst of errors that has already slid out of the window.
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 500, t0.Add(-2*time.Hour))
	ingest(c, "invoice-extraction", telemetry.MetricRequestCount, 36_000, t0)
	ingest(c, "invoice-extraction", telemetry.MetricErrorCount, 9, t0)

	eng := NewEngine(window, nil)
	st := eng.Compute(c.Snapshot(t0, time.Minute), []config.SubsystemConfig{
		subsystem("invoice-extraction", 0.995),
	})[0]

	assert.InDelta(t, 9, st.ErrorCount, 1e-9)
	assert.False(t, st.Exhausted)
}
