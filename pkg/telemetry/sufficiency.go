package telemetry

import (
	"fmt"
	"time"
)

// SufficiencyResult explains whether a tick has enough data to decide.
// Insufficiency is not an error: the tick becomes a no-op plus an alert.
// It never falls back to a different period or source.
type SufficiencyResult struct {
	IsSufficient      bool     `json:"is_sufficient"`
	SampleCount       int      `json:"sample_count"`
	RequiredSamples   int      `json:"required_samples"`
	BucketCoveragePct float64  `json:"bucket_coverage_pct"`
	StaleSources      []string `json:"stale_sources,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// SufficiencyChecker gates decisions on three joint conditions: minimum
// sample count, bucket coverage, and absence of stale sources.
type SufficiencyChecker struct {
	MinSamples        int
	RequiredCoverage  float64       // percent, e.g. 80
	BucketSize        time.Duration // one control-loop interval per bucket
	DisqualifyOnStale bool
}

// Check evaluates the snapshot. Coverage is computed over MinSamples
// consecutive buckets of BucketSize ending at the snapshot time: a bucket
// counts as covered when at least one sample landed in it.
func (c SufficiencyChecker) Check(snap *Snapshot) SufficiencyResult {
	res := SufficiencyResult{
		RequiredSamples: c.MinSamples,
		StaleSources:    snap.StaleSources(),
	}

	all := snap.All()
	res.SampleCount = len(all)

	buckets := make([]bool, c.MinSamples)
	windowStart := snap.TakenAt.Add(-time.Duration(c.MinSamples) * c.BucketSize)
	covered := 0
	for _, s := range all {
		if s.Timestamp.Before(windowStart) || s.Timestamp.After(snap.TakenAt) {
			continue
		}
		idx := int(s.Timestamp.Sub(windowStart) / c.BucketSize)
		if idx >= len(buckets) {
			idx = len(buckets) - 1
		}
		if !buckets[idx] {
			buckets[idx] = true
			covered++
		}
	}
	if c.MinSamples > 0 {
		res.BucketCoveragePct = 100 * float64(covered) / float64(c.MinSamples)
	}

	switch {
	case res.SampleCount < c.MinSamples:
		res.Reason = fmt.Sprintf("sample count %d below required %d", res.SampleCount, c.MinSamples)
	case res.BucketCoveragePct < c.RequiredCoverage:
		res.Reason = fmt.Sprintf("bucket coverage %.1f%% below required %.1f%%", res.BucketCoveragePct, c.RequiredCoverage)
	case c.DisqualifyOnStale && len(res.StaleSources) > 0:
		res.Reason = fmt.Sprintf("%d stale source(s)", len(res.StaleSources))
	default:
		res.IsSufficient = true
	}
	return res
}
