// Package telemetry ingests metric samples from external instrumentation
// and serves one consistent snapshot per control-loop tick. Ingest may run
// concurrently with a tick; the tick only ever reads its own snapshot.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Canonical metric names fed by the instrumentation of the controlled
// subsystems.
const (
	MetricLatencyMs    = "latency_ms"
	MetricQueueDepth   = "queue_depth"
	MetricRequestCount = "request_count"
	MetricErrorCount   = "error_count"
)

// MetricSample is one observation from one source. Append-only per source.
type MetricSample struct {
	SourceID    string    `json:"source_id"`
	SubsystemID string    `json:"subsystem_id"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

// SourceHealth is derived per tick from the staleness window.
type SourceHealth struct {
	SourceID   string    `json:"source_id"`
	LastSample time.Time `json:"last_sample_timestamp"`
	IsStale    bool      `json:"is_stale"`
}

// Collector buffers samples per source. Retention is bounded by the budget
// window; anything older can never influence a decision.
type Collector struct {
	mu        sync.RWMutex
	samples   map[string][]MetricSample // sourceID -> append-only
	lastSeen  map[string]time.Time
	retention time.Duration
}

// NewCollector creates a collector retaining samples for the given window.
func NewCollector(retention time.Duration) *Collector {
	return &Collector{
		samples:   make(map[string][]MetricSample),
		lastSeen:  make(map[string]time.Time),
		retention: retention,
	}
}

// Ingest appends a sample and updates the source's last-seen time. Safe for
// concurrent use with Snapshot.
func (c *Collector) Ingest(sample MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[sample.SourceID] = append(c.samples[sample.SourceID], sample)
	if sample.Timestamp.After(c.lastSeen[sample.SourceID]) {
		c.lastSeen[sample.SourceID] = sample.Timestamp
	}
}

// Snapshot copies the current sample set and derives source health. The
// returned value is immutable: a tick reads it and nothing else. Samples
// outside the retention window are pruned on the way out.
func (c *Collector) Snapshot(now time.Time, staleness time.Duration) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.retention)
	snap := &Snapshot{
		TakenAt:  now,
		bySource: make(map[string][]MetricSample, len(c.samples)),
	}

	for sourceID, buf := range c.samples {
		// Prune in place: retention is the only deletion path.
		kept := buf[:0]
		for _, s := range buf {
			if !s.Timestamp.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		c.samples[sourceID] = kept

		copied := make([]MetricSample, len(kept))
		copy(copied, kept)
		snap.bySource[sourceID] = copied

		snap.Health = append(snap.Health, SourceHealth{
			SourceID:   sourceID,
			LastSample: c.lastSeen[sourceID],
			IsStale:    now.Sub(c.lastSeen[sourceID]) > staleness,
		})
	}

	sort.Slice(snap.Health, func(i, j int) bool {
		return snap.Health[i].SourceID < snap.Health[j].SourceID
	})
	return snap
}

// Sources returns the IDs that have ever reported.
func (c *Collector) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.samples))
	for id := range c.samples {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot is the immutable per-tick view of the sample set.
type Snapshot struct {
	TakenAt  time.Time
	Health   []SourceHealth
	bySource map[string][]MetricSample
}

// All returns every sample in the snapshot, ordered by source then arrival.
func (s *Snapshot) All() []MetricSample {
	var out []MetricSample
	ids := make([]string, 0, len(s.bySource))
	for id := range s.bySource {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, s.bySource[id]...)
	}
	return out
}

// ForMetric returns the samples for one (subsystem, metric) pair.
func (s *Snapshot) ForMetric(subsystemID, metric string) []MetricSample {
	var out []MetricSample
	for _, sample := range s.All() {
		if sample.SubsystemID == subsystemID && sample.Metric == metric {
			out = append(out, sample)
		}
	}
	return out
}

// P95 computes the 95th percentile of the metric's values. The second
// return is false when no samples exist.
func (s *Snapshot) P95(subsystemID, metric string) (float64, bool) {
	samples := s.ForMetric(subsystemID, metric)
	if len(samples) == 0 {
		return 0, false
	}
	values := make([]float64, len(samples))
	for i, smp := range samples {
		values[i] = smp.Value
	}
	sort.Float64s(values)
	idx := int(float64(len(values)) * 0.95)
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx], true
}

// Latest returns the most recent value for the metric.
func (s *Snapshot) Latest(subsystemID, metric string) (float64, bool) {
	samples := s.ForMetric(subsystemID, metric)
	if len(samples) == 0 {
		return 0, false
	}
	best := samples[0]
	for _, smp := range samples[1:] {
		if smp.Timestamp.After(best.Timestamp) {
			best = smp
		}
	}
	return best.Value, true
}

// AllStale reports whether every known source is stale. No sources at all
// also counts as stale: there is nothing to decide from.
func (s *Snapshot) AllStale() bool {
	if len(s.Health) == 0 {
		return true
	}
	for _, h := range s.Health {
		if !h.IsStale {
			return false
		}
	}
	return true
}

// StaleSources lists the stale source IDs.
func (s *Snapshot) StaleSources() []string {
	var out []string
	for _, h := range s.Health {
		if h.IsStale {
			out = append(out, h.SourceID)
		}
	}
	return out
}
