// Package config holds the validated, immutable-per-tick parameter set for
// the control plane, the allowlist that scopes which targets may ever
// receive a signal, and the canonical telemetry-query definitions.
//
// A Config is loaded and swapped as a whole unit. An invalid candidate is
// rejected and the previously active config stays in force; partial
// mutation does not exist as an operation.
package config

import (
	"fmt"
	"time"
)

// SupportedSchemaRange is the semver constraint accepted by this build.
const SupportedSchemaRange = "^1.0"

// Violation describes one failed validation rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// SubsystemConfig carries the per-subsystem thresholds. Enter and exit are
// deliberately distinct values so the hysteresis band has room.
type SubsystemConfig struct {
	SubsystemID       string  `yaml:"subsystem_id" json:"subsystem_id"`
	LatencyEnterMs    float64 `yaml:"latency_enter_ms" json:"latency_enter_ms"`
	LatencyExitMs     float64 `yaml:"latency_exit_ms" json:"latency_exit_ms"`
	QueueDepthEnter   float64 `yaml:"queue_depth_enter" json:"queue_depth_enter"`
	QueueDepthExit    float64 `yaml:"queue_depth_exit" json:"queue_depth_exit"`
	SLOTarget         float64 `yaml:"slo_target" json:"slo_target"`
	BurnRateThreshold float64 `yaml:"burn_rate_threshold" json:"burn_rate_threshold"`
}

// SufficiencyConfig gates decision-making on having enough telemetry.
type SufficiencyConfig struct {
	MinSamples             int     `yaml:"min_samples" json:"min_samples"`
	BucketCoveragePct      float64 `yaml:"bucket_coverage_pct" json:"bucket_coverage_pct"`
	StalenessWindowSeconds int     `yaml:"staleness_window_seconds" json:"staleness_window_seconds"`
}

// AllowlistEntry scopes one (tenant, endpoint class, subsystem) tuple.
type AllowlistEntry struct {
	TenantID      string `yaml:"tenant_id" json:"tenant_id"`
	EndpointClass string `yaml:"endpoint_class" json:"endpoint_class"`
	SubsystemID   string `yaml:"subsystem_id" json:"subsystem_id"`
}

// QueryDef is a canonical telemetry-query definition: a named CEL predicate
// over a metric sample plus the hash the expression is pinned to. A
// divergence between the two is config drift and blocks decisions.
type QueryDef struct {
	Name         string `yaml:"name" json:"name"`
	Expr         string `yaml:"expr" json:"expr"`
	ExpectedHash string `yaml:"expected_hash" json:"expected_hash"`
}

// Config is the whole-unit parameter set. Changes take effect only at the
// next tick boundary, never mid-tick.
type Config struct {
	SchemaVersion            string            `yaml:"schema_version" json:"schema_version"`
	Enabled                  bool              `yaml:"enabled" json:"enabled"`
	LoopIntervalSeconds      int               `yaml:"loop_interval_seconds" json:"loop_interval_seconds"`
	DwellTimeSeconds         int               `yaml:"dwell_time_seconds" json:"dwell_time_seconds"`
	CooldownPeriodSeconds    int               `yaml:"cooldown_period_seconds" json:"cooldown_period_seconds"`
	OscillationWindowSeconds int               `yaml:"oscillation_window_seconds" json:"oscillation_window_seconds"`
	OscillationLimit         int               `yaml:"oscillation_limit" json:"oscillation_limit"`
	BudgetWindowSeconds      int               `yaml:"budget_window_seconds" json:"budget_window_seconds"`
	Sufficiency              SufficiencyConfig `yaml:"sufficiency" json:"sufficiency"`
	Subsystems               []SubsystemConfig `yaml:"subsystems" json:"subsystems"`
	Allowlist                []AllowlistEntry  `yaml:"allowlist" json:"allowlist"`
	TelemetryQueries         []QueryDef        `yaml:"telemetry_queries" json:"telemetry_queries"`
}

// Default returns the safe baseline: disabled, 30-day budget window, the
// documented 80% bucket-coverage class.
func Default() *Config {
	return &Config{
		SchemaVersion:            "1.0.0",
		Enabled:                  false, // safety: never on by accident
		LoopIntervalSeconds:      15,
		DwellTimeSeconds:         60,
		CooldownPeriodSeconds:    120,
		OscillationWindowSeconds: 600,
		OscillationLimit:         4,
		BudgetWindowSeconds:      30 * 86400,
		Sufficiency: SufficiencyConfig{
			MinSamples:             20,
			BucketCoveragePct:      80,
			StalenessWindowSeconds: 15,
		},
	}
}

// LoopInterval returns the control-loop interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalSeconds) * time.Second
}

// DwellTime returns the minimum time a subsystem stays in a mode.
func (c *Config) DwellTime() time.Duration {
	return time.Duration(c.DwellTimeSeconds) * time.Second
}

// CooldownPeriod returns the minimum spacing between signals.
func (c *Config) CooldownPeriod() time.Duration {
	return time.Duration(c.CooldownPeriodSeconds) * time.Second
}

// OscillationWindow returns the window inspected for flapping.
func (c *Config) OscillationWindow() time.Duration {
	return time.Duration(c.OscillationWindowSeconds) * time.Second
}

// BudgetWindow returns the rolling error-budget window.
func (c *Config) BudgetWindow() time.Duration {
	return time.Duration(c.BudgetWindowSeconds) * time.Second
}

// StalenessWindow returns how long a source may be silent before it is
// stale. Zero falls back to the loop interval.
func (c *Config) StalenessWindow() time.Duration {
	if c.Sufficiency.StalenessWindowSeconds > 0 {
		return time.Duration(c.Sufficiency.StalenessWindowSeconds) * time.Second
	}
	return c.LoopInterval()
}

// Subsystem returns the per-subsystem thresholds, or nil when the subsystem
// is not configured.
func (c *Config) Subsystem(id string) *SubsystemConfig {
	for i := range c.Subsystems {
		if c.Subsystems[i].SubsystemID == id {
			return &c.Subsystems[i]
		}
	}
	return nil
}

// Validate checks every invariant and returns the full violation list
// rather than stopping at the first failure.
func (c *Config) Validate() []Violation {
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.LoopIntervalSeconds <= 0 {
		add("loop_interval_seconds", "must be strictly positive, got %d", c.LoopIntervalSeconds)
	}
	if c.DwellTimeSeconds <= 0 {
		add("dwell_time_seconds", "must be strictly positive, got %d", c.DwellTimeSeconds)
	}
	if c.CooldownPeriodSeconds <= 0 {
		add("cooldown_period_seconds", "must be strictly positive, got %d", c.CooldownPeriodSeconds)
	}
	if c.OscillationWindowSeconds <= 0 {
		add("oscillation_window_seconds", "must be strictly positive, got %d", c.OscillationWindowSeconds)
	}
	if c.OscillationLimit <= 0 {
		add("oscillation_limit", "must be strictly positive, got %d", c.OscillationLimit)
	}
	if c.BudgetWindowSeconds <= 0 {
		add("budget_window_seconds", "must be strictly positive, got %d", c.BudgetWindowSeconds)
	}
	if c.Sufficiency.MinSamples <= 0 {
		add("sufficiency.min_samples", "must be strictly positive, got %d", c.Sufficiency.MinSamples)
	}
	if c.Sufficiency.BucketCoveragePct <= 0 || c.Sufficiency.BucketCoveragePct > 100 {
		add("sufficiency.bucket_coverage_pct", "must be in (0,100], got %g", c.Sufficiency.BucketCoveragePct)
	}

	for _, s := range c.Subsystems {
		prefix := "subsystems." + s.SubsystemID
		if s.SubsystemID == "" {
			add("subsystems", "subsystem_id must not be empty")
			continue
		}
		// Exit thresholds must leave the hysteresis band open: the exit
		// value sits at or below the enter value so a single boundary
		// cannot thrash.
		if s.LatencyExitMs > s.LatencyEnterMs {
			add(prefix+".latency_exit_ms", "exit %g must be <= enter %g", s.LatencyExitMs, s.LatencyEnterMs)
		}
		if s.QueueDepthExit > s.QueueDepthEnter {
			add(prefix+".queue_depth_exit", "exit %g must be <= enter %g", s.QueueDepthExit, s.QueueDepthEnter)
		}
		if s.SLOTarget <= 0 || s.SLOTarget > 1 {
			add(prefix+".slo_target", "must be in (0,1], got %g", s.SLOTarget)
		}
		if s.BurnRateThreshold <= 0 {
			add(prefix+".burn_rate_threshold", "must be strictly positive, got %g", s.BurnRateThreshold)
		}
	}

	for _, q := range c.TelemetryQueries {
		if q.Name == "" {
			add("telemetry_queries", "query name must not be empty")
		}
		if q.Expr == "" {
			add("telemetry_queries."+q.Name, "expr must not be empty")
		}
	}

	return out
}
