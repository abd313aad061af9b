// Package budget tracks rolling error budgets per controlled subsystem.
// The window slides continuously: every tick recomputes over the samples
// currently inside it, so a burst ages out gradually instead of at a
// calendar boundary.
package budget

import (
	"log/slog"
	"time"

	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

// Status reports one subsystem's budget position for the current window.
type Status struct {
	SubsystemID      string  `json:"subsystem_id"`
	SLOTarget        float64 `json:"slo_target"`
	WindowSeconds    float64 `json:"window_seconds"`
	RequestCount     float64 `json:"request_count"`
	ErrorCount       float64 `json:"error_count"`
	RequestRate      float64 `json:"request_rate"` // per second over the window
	AllowedErrors    float64 `json:"allowed_errors"`
	RemainingPct     float64 `json:"remaining_pct"`
	BurnRate         float64 `json:"burn_rate"` // >1 means consuming faster than the budget allows
	Exhausted        bool    `json:"exhausted"`
	InsufficientData bool    `json:"insufficient_data"`
}

// AllowedErrors is the budget formula: at the observed request rate, how
// many errors the SLO target tolerates across the window.
func AllowedErrors(sloTarget float64, window time.Duration, ratePerSec float64) float64 {
	return (1 - sloTarget) * window.Seconds() * ratePerSec
}

// Engine computes Status values from a telemetry snapshot. It holds no
// state of its own: the snapshot carries the window contents.
type Engine struct {
	window     time.Duration
	queries    *config.QuerySet
	errorQuery string
	logger     *slog.Logger
}

// NewEngine creates an engine over the given rolling window.
func NewEngine(window time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{window: window, logger: logger}
}

// WithErrorQuery classifies errors through a compiled telemetry query
// instead of summing the error_count metric. A sample that matches the
// named query contributes its value to the error count.
func (e *Engine) WithErrorQuery(queries *config.QuerySet, name string) *Engine {
	e.queries = queries
	e.errorQuery = name
	return e
}

// Compute evaluates every configured subsystem against the snapshot. A
// subsystem with zero observed request rate gets an insufficient-data
// status rather than a divide-by-zero or a fabricated burn rate.
func (e *Engine) Compute(snap *telemetry.Snapshot, subsystems []config.SubsystemConfig) []Status {
	out := make([]Status, 0, len(subsystems))
	for _, sub := range subsystems {
		out = append(out, e.computeOne(snap, sub))
	}
	return out
}

func (e *Engine) computeOne(snap *telemetry.Snapshot, sub config.SubsystemConfig) Status {
	st := Status{
		SubsystemID:   sub.SubsystemID,
		SLOTarget:     sub.SLOTarget,
		WindowSeconds: e.window.Seconds(),
	}

	for _, s := range snap.ForMetric(sub.SubsystemID, telemetry.MetricRequestCount) {
		st.RequestCount += s.Value
	}
	errors, err := e.countErrors(snap, sub.SubsystemID)
	if err != nil {
		// A broken classifier must not silently zero the error count.
		e.logger.Error("budget error classification failed",
			"subsystem_id", sub.SubsystemID, "query", e.errorQuery, "error", err)
		st.InsufficientData = true
		return st
	}
	st.ErrorCount = errors

	if st.RequestCount <= 0 {
		st.InsufficientData = true
		return st
	}

	st.RequestRate = st.RequestCount / e.window.Seconds()
	st.AllowedErrors = AllowedErrors(sub.SLOTarget, e.window, st.RequestRate)

	if st.AllowedErrors <= 0 {
		// SLO target of exactly 1.0 leaves no budget at all.
		st.RemainingPct = 0
		st.Exhausted = st.ErrorCount > 0
		if st.Exhausted {
			st.BurnRate = sub.BurnRateThreshold + 1
		}
		return st
	}

	st.RemainingPct = 100 * (1 - st.ErrorCount/st.AllowedErrors)
	if st.RemainingPct < 0 {
		st.RemainingPct = 0
	}
	st.BurnRate = (st.ErrorCount / st.RequestCount) / (1 - sub.SLOTarget)
	st.Exhausted = st.ErrorCount >= st.AllowedErrors
	return st
}

func (e *Engine) countErrors(snap *telemetry.Snapshot, subsystemID string) (float64, error) {
	if e.queries == nil || e.errorQuery == "" {
		var total float64
		for _, s := range snap.ForMetric(subsystemID, telemetry.MetricErrorCount) {
			total += s.Value
		}
		return total, nil
	}

	var total float64
	for _, s := range snap.All() {
		if s.SubsystemID != subsystemID {
			continue
		}
		ok, err := e.queries.Match(e.errorQuery, s.Metric, s.SourceID, s.Value)
		if err != nil {
			return 0, err
		}
		if ok {
			total += s.Value
		}
	}
	return total, nil
}
