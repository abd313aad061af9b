//go:build property
// +build property

// Property-based tests for arbitration determinism, monotonic safety, and
// allowlist isolation.
package decision_test

import (
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/contracts"
	"github.com/facturaops/guardrail/pkg/decision"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

var propT0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func propConfig(subsystems []string) *config.Config {
	cfg := config.Default()
	cfg.Enabled = true
	for _, id := range subsystems {
		cfg.Subsystems = append(cfg.Subsystems, config.SubsystemConfig{
			SubsystemID:       id,
			LatencyEnterMs:    500,
			LatencyExitMs:     300,
			QueueDepthEnter:   100,
			QueueDepthExit:    50,
			SLOTarget:         0.995,
			BurnRateThreshold: 2,
		})
		cfg.Allowlist = append(cfg.Allowlist, config.AllowlistEntry{
			TenantID: "acme", EndpointClass: "intake", SubsystemID: id,
		})
	}
	return cfg
}

func propInputs(subsystems []string, latencies []float64) decision.Inputs {
	cfg := propConfig(subsystems)
	c := telemetry.NewCollector(time.Hour)
	states := make(map[string]decision.SubsystemState)
	for i, id := range subsystems {
		v := 100.0
		if i < len(latencies) {
			v = latencies[i]
		}
		c.Ingest(telemetry.MetricSample{
			SourceID: "s1", SubsystemID: id,
			Metric: telemetry.MetricLatencyMs, Value: v, Timestamp: propT0,
		})
		states[id] = decision.SubsystemState{
			EnforcementMode: contracts.ModeEnforce,
			AdmissionMode:   contracts.ModeAccepting,
			DwellElapsed:    true,
		}
	}
	return decision.Inputs{
		Now:           propT0,
		CorrelationID: "prop",
		Config:        cfg,
		Allowlist:     config.NewAllowlist(cfg.Allowlist),
		Snapshot:      c.Snapshot(propT0, time.Minute),
		Sufficiency:   telemetry.SufficiencyResult{IsSufficient: true},
		States:        states,
	}
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Property: same inputs always yield the same signal set in the same order,
// and the order is the ladder order.
func TestArbitrationDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is deterministic and ladder-ordered", prop.ForAll(
		func(ids []string, latencies []float64) bool {
			subsystems := dedupe(ids)
			if len(subsystems) == 0 {
				return true
			}
			in := propInputs(subsystems, latencies)
			eng := decision.NewEngine()

			first := eng.Evaluate(in)
			for i := 0; i < 5; i++ {
				again := eng.Evaluate(in)
				if len(again.Signals) != len(first.Signals) {
					return false
				}
				for j := range again.Signals {
					if again.Signals[j] != first.Signals[j] {
						return false
					}
				}
			}
			return sort.SliceIsSorted(first.Signals, func(i, j int) bool {
				return first.Signals[i].Less(first.Signals[j])
			})
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(0, 2000)),
	))

	properties.TestingRun(t)
}

// Property: no automatic signal ever escalates beyond full enforcement, and
// restores only fire with the dwell elapsed.
func TestMonotonicSafety(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("automatic transitions are monotonic-safe", prop.ForAll(
		func(ids []string, latencies []float64, shadow []bool, dwelled []bool) bool {
			subsystems := dedupe(ids)
			if len(subsystems) == 0 {
				return true
			}
			in := propInputs(subsystems, latencies)
			for i, id := range subsystems {
				state := in.States[id]
				if i < len(shadow) && shadow[i] {
					state.EnforcementMode = contracts.ModeShadow
				}
				state.DwellElapsed = i < len(dwelled) && dwelled[i]
				in.States[id] = state
			}

			res := decision.NewEngine().Evaluate(in)
			for _, sig := range res.Signals {
				state := in.States[sig.SubsystemID]
				switch sig.Type {
				case contracts.SignalRestoreEnforce:
					if state.EnforcementMode != contracts.ModeShadow || !state.DwellElapsed {
						return false
					}
				case contracts.SignalSwitchToShadow:
					if state.EnforcementMode != contracts.ModeEnforce {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(0, 2000)),
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: no signal is ever produced for a subsystem outside the
// allowlist, and an empty allowlist produces none at all.
func TestAllowlistIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("signals never leave the allowlist", prop.ForAll(
		func(ids []string, keep []bool) bool {
			subsystems := dedupe(ids)
			if len(subsystems) == 0 {
				return true
			}
			latencies := make([]float64, len(subsystems))
			for i := range latencies {
				latencies[i] = 1000 // every subsystem breaches
			}
			in := propInputs(subsystems, latencies)

			var entries []config.AllowlistEntry
			allowed := map[string]bool{}
			for i, id := range subsystems {
				if i < len(keep) && keep[i] {
					allowed[id] = true
					entries = append(entries, config.AllowlistEntry{
						TenantID: "acme", EndpointClass: "intake", SubsystemID: id,
					})
				}
			}
			in.Allowlist = config.NewAllowlist(entries)

			res := decision.NewEngine().Evaluate(in)
			if len(entries) == 0 && len(res.Signals) != 0 {
				return false
			}
			for _, sig := range res.Signals {
				if !allowed[sig.SubsystemID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
