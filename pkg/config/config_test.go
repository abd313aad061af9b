package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Subsystems = []SubsystemConfig{{
		SubsystemID:       "invoice-extraction",
		LatencyEnterMs:    500,
		LatencyExitMs:     300,
		QueueDepthEnter:   100,
		QueueDepthExit:    40,
		SLOTarget:         0.995,
		BurnRateThreshold: 2,
	}}
	cfg.Allowlist = []AllowlistEntry{
		{TenantID: "acme", EndpointClass: "bulk-import", SubsystemID: "invoice-extraction"},
	}
	return cfg
}

func TestDefaultIsDisabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Enabled, "controller must default to disabled")
	assert.Equal(t, 30*86400, cfg.BudgetWindowSeconds)
	assert.InDelta(t, 80.0, cfg.Sufficiency.BucketCoveragePct, 0.001)
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	assert.Empty(t, validConfig().Validate())
}

func TestValidateExitAboveEnter(t *testing.T) {
	cfg := validConfig()
	cfg.Subsystems[0].LatencyExitMs = 600 // above enter=500
	violations := cfg.Validate()
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Field, "latency_exit_ms")
}

func TestValidateSLOBounds(t *testing.T) {
	for _, target := range []float64{0, -0.1, 1.0001} {
		cfg := validConfig()
		cfg.Subsystems[0].SLOTarget = target
		assert.NotEmpty(t, cfg.Validate(), "slo_target %g must be rejected", target)
	}
	cfg := validConfig()
	cfg.Subsystems[0].SLOTarget = 1.0 // inclusive upper bound
	assert.Empty(t, cfg.Validate())
}

func TestValidateDurationsStrictlyPositive(t *testing.T) {
	cfg := validConfig()
	cfg.DwellTimeSeconds = 0
	cfg.CooldownPeriodSeconds = -5
	violations := cfg.Validate()
	assert.Len(t, violations, 2)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.LoopIntervalSeconds = 0
	cfg.Subsystems[0].BurnRateThreshold = 0
	cfg.Sufficiency.BucketCoveragePct = 101
	assert.Len(t, cfg.Validate(), 3)
}

func TestStalenessWindowFallsBackToLoopInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Sufficiency.StalenessWindowSeconds = 0
	assert.Equal(t, cfg.LoopInterval(), cfg.StalenessWindow())

	cfg.Sufficiency.StalenessWindowSeconds = 45
	assert.Equal(t, 45*time.Second, cfg.StalenessWindow())
}

func TestAllowlistEmptyMeansNoScope(t *testing.T) {
	empty := NewAllowlist(nil)
	assert.False(t, empty.InScope("acme", "bulk-import", "invoice-extraction"))
	assert.False(t, empty.SubsystemInScope("invoice-extraction"))

	var nilList *Allowlist
	assert.False(t, nilList.InScope("acme", "bulk-import", "invoice-extraction"))
}

func TestAllowlistScoping(t *testing.T) {
	list := NewAllowlist([]AllowlistEntry{
		{TenantID: "acme", EndpointClass: "bulk-import", SubsystemID: "invoice-extraction"},
	})
	assert.True(t, list.InScope("acme", "bulk-import", "invoice-extraction"))
	assert.False(t, list.InScope("acme", "interactive", "invoice-extraction"))
	assert.False(t, list.InScope("other", "bulk-import", "invoice-extraction"))
	assert.True(t, list.SubsystemInScope("invoice-extraction"))
	assert.False(t, list.SubsystemInScope("price-admin"))
}
