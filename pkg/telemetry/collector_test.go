package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(source, subsystem, metric string, value float64, at time.Time) MetricSample {
	return MetricSample{
		SourceID:    source,
		SubsystemID: subsystem,
		Metric:      metric,
		Value:       value,
		Timestamp:   at,
	}
}

func TestIngestAndSnapshot(t *testing.T) {
	c := NewCollector(time.Hour)
	c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, 120, t0))
	c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, 480, t0.Add(5*time.Second)))
	c.Ingest(sample("s2", "pdf-render", MetricQueueDepth, 12, t0.Add(3*time.Second)))

	snap := c.Snapshot(t0.Add(10*time.Second), 15*time.Second)
	assert.Len(t, snap.All(), 3)
	assert.Len(t, snap.ForMetric("invoice-extraction", MetricLatencyMs), 2)

	v, ok := snap.Latest("pdf-render", MetricQueueDepth)
	require.True(t, ok)
	assert.InDelta(t, 12, v, 1e-9)
}

func TestSnapshotIsolatedFromLaterIngest(t *testing.T) {
	c := NewCollector(time.Hour)
	c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, 100, t0))

	snap := c.Snapshot(t0.Add(time.Second), 15*time.Second)
	c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, 999, t0.Add(2*time.Second)))

	assert.Len(t, snap.All(), 1, "snapshot must not see samples ingested after it was taken")
}

func TestSnapshotPrunesBeyondRetention(t *testing.T) {
	c := NewCollector(time.Minute)
	c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, 100, t0.Add(-2*time.Minute)))
	c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, 200, t0))

	snap := c.Snapshot(t0, 15*time.Second)
	require.Len(t, snap.All(), 1)
	assert.InDelta(t, 200, snap.All()[0].Value, 1e-9)
}

func TestSourceHealthStaleness(t *testing.T) {
	c := NewCollector(time.Hour)
	c.Ingest(sample("fresh", "invoice-extraction", MetricLatencyMs, 1, t0))
	c.Ingest(sample("quiet", "pdf-render", MetricQueueDepth, 1, t0.Add(-time.Minute)))

	snap := c.Snapshot(t0.Add(5*time.Second), 15*time.Second)
	require.Len(t, snap.Health, 2)

	byID := map[string]SourceHealth{}
	for _, h := range snap.Health {
		byID[h.SourceID] = h
	}
	assert.False(t, byID["fresh"].IsStale)
	assert.True(t, byID["quiet"].IsStale)
	assert.Equal(t, []string{"quiet"}, snap.StaleSources())
	assert.False(t, snap.AllStale())
}

func TestAllStale(t *testing.T) {
	c := NewCollector(time.Hour)
	snap := c.Snapshot(t0, 15*time.Second)
	assert.True(t, snap.AllStale(), "no sources means nothing to decide from")

	c.Ingest(sample("s1", "x", MetricLatencyMs, 1, t0.Add(-time.Minute)))
	snap = c.Snapshot(t0, 15*time.Second)
	assert.True(t, snap.AllStale())
}

func TestP95(t *testing.T) {
	c := NewCollector(time.Hour)
	for i := 1; i <= 100; i++ {
		c.Ingest(sample("s1", "invoice-extraction", MetricLatencyMs, float64(i), t0.Add(time.Duration(i)*time.Millisecond)))
	}
	snap := c.Snapshot(t0.Add(time.Second), time.Minute)
	p95, ok := snap.P95("invoice-extraction", MetricLatencyMs)
	require.True(t, ok)
	assert.InDelta(t, 96, p95, 1.0)

	_, ok = snap.P95("invoice-extraction", MetricQueueDepth)
	assert.False(t, ok)
}

func TestConcurrentIngest(t *testing.T) {
	c := NewCollector(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Ingest(sample("s1", "x", MetricRequestCount, 1, t0.Add(time.Duration(j)*time.Millisecond)))
				if j%10 == 0 {
					_ = c.Snapshot(t0.Add(time.Second), time.Minute)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot(t0.Add(time.Second), time.Minute)
	assert.Len(t, snap.All(), 800)
}
