// Package decision derives candidate control signals from one tick's
// telemetry snapshot, budget statuses, and current modes. Evaluate is a
// pure function: same inputs, same signals, same order. All side effects
// belong to the controller.
package decision

import (
	"sort"
	"time"

	"github.com/facturaops/guardrail/pkg/budget"
	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/contracts"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

// SubsystemState is the controller's view of one subsystem going into the
// tick. The engine never reads shared state directly.
type SubsystemState struct {
	EnforcementMode contracts.Mode
	AdmissionMode   contracts.Mode
	DwellElapsed    bool
	Suppressed      bool
	SuppressedBy    contracts.Authority
}

// Inputs carries everything a tick's evaluation may consult.
type Inputs struct {
	Now           time.Time
	CorrelationID string
	Config        *config.Config
	Allowlist     *config.Allowlist
	Snapshot      *telemetry.Snapshot
	Sufficiency   telemetry.SufficiencyResult
	Budgets       []budget.Status
	States        map[string]SubsystemState
}

// Result is the evaluated tick: the winning signals in apply order, the
// outcome label, and the per-subsystem reason for each winner.
type Result struct {
	Signals []contracts.ControlSignal
	Reasons map[string]contracts.DecisionReason // keyed by subsystem_id
	Outcome contracts.DecisionOutcome
	Reason  contracts.DecisionReason
}

type candidate struct {
	signal contracts.ControlSignal
	reason contracts.DecisionReason
}

// Engine evaluates tick inputs. It is stateless and safe to share.
type Engine struct{}

// NewEngine creates a decision engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate produces at most one winning signal per subsystem. Suppression
// by kill switch or manual override short-circuits the subsystem entirely,
// regardless of thresholds. Subsystems outside the allowlist never produce
// a signal; an empty allowlist therefore produces none at all.
func (e *Engine) Evaluate(in Inputs) Result {
	res := Result{
		Reasons: make(map[string]contracts.DecisionReason),
		Outcome: contracts.OutcomeNoop,
		Reason:  contracts.ReasonNormal,
	}

	if in.Config == nil || !in.Config.Enabled {
		res.Reason = contracts.ReasonDisabled
		return res
	}
	if !in.Sufficiency.IsSufficient {
		res.Reason = contracts.ReasonTelemetryInsufficient
		return res
	}

	budgets := make(map[string]budget.Status, len(in.Budgets))
	for _, b := range in.Budgets {
		budgets[b.SubsystemID] = b
	}

	anySuppressed := false
	var candidates []candidate
	for _, sub := range in.Config.Subsystems {
		if !in.Allowlist.SubsystemInScope(sub.SubsystemID) {
			continue
		}
		state, ok := in.States[sub.SubsystemID]
		if !ok {
			state = SubsystemState{
				EnforcementMode: contracts.ModeEnforce,
				AdmissionMode:   contracts.ModeAccepting,
				DwellElapsed:    true,
			}
		}
		if state.Suppressed {
			anySuppressed = true
			continue
		}
		candidates = append(candidates, e.evaluateSubsystem(in, sub, state, budgets[sub.SubsystemID])...)
	}

	winners := arbitrate(candidates)
	for _, w := range winners {
		res.Signals = append(res.Signals, w.signal)
		res.Reasons[w.signal.SubsystemID] = w.reason
	}

	res.Outcome, res.Reason = summarize(in, winners, anySuppressed)
	return res
}

func (e *Engine) evaluateSubsystem(in Inputs, sub config.SubsystemConfig, state SubsystemState, bud budget.Status) []candidate {
	var out []candidate
	emit := func(typ contracts.SignalType, metric string, value, threshold float64, reason contracts.DecisionReason) {
		out = append(out, candidate{
			signal: contracts.ControlSignal{
				Type:          typ,
				SubsystemID:   sub.SubsystemID,
				MetricName:    metric,
				TenantID:      in.Allowlist.TenantFor(sub.SubsystemID),
				TriggerValue:  value,
				Threshold:     threshold,
				Priority:      contracts.PriorityAdaptive,
				CorrelationID: in.CorrelationID,
				Timestamp:     in.Now,
			},
			reason: reason,
		})
	}

	budgetBreached := !bud.InsufficientData && (bud.Exhausted || bud.BurnRate > sub.BurnRateThreshold)

	// Enforcement track. De-escalation is always allowed; restoring to
	// full enforcement waits for the dwell and for a healthy budget.
	p95, hasLatency := in.Snapshot.P95(sub.SubsystemID, telemetry.MetricLatencyMs)
	switch state.EnforcementMode {
	case contracts.ModeEnforce:
		if hasLatency && p95 > sub.LatencyEnterMs {
			emit(contracts.SignalSwitchToShadow, telemetry.MetricLatencyMs, p95, sub.LatencyEnterMs, contracts.ReasonLatencyExceeded)
		} else if budgetBreached {
			emit(contracts.SignalSwitchToShadow, telemetry.MetricErrorCount, bud.BurnRate, sub.BurnRateThreshold, contracts.ReasonBudgetExhausted)
		}
	case contracts.ModeShadow:
		if hasLatency && p95 < sub.LatencyExitMs && state.DwellElapsed && !budgetBreached {
			emit(contracts.SignalRestoreEnforce, telemetry.MetricLatencyMs, p95, sub.LatencyExitMs, contracts.ReasonNormal)
		}
	}

	// Admission track.
	depth, hasDepth := in.Snapshot.Latest(sub.SubsystemID, telemetry.MetricQueueDepth)
	switch state.AdmissionMode {
	case contracts.ModeAccepting:
		if hasDepth && depth > sub.QueueDepthEnter {
			emit(contracts.SignalStopAcceptingJobs, telemetry.MetricQueueDepth, depth, sub.QueueDepthEnter, contracts.ReasonQueueDepthExceeded)
		}
	case contracts.ModeRejecting:
		if hasDepth && depth < sub.QueueDepthExit && state.DwellElapsed {
			emit(contracts.SignalResumeAcceptingJobs, telemetry.MetricQueueDepth, depth, sub.QueueDepthExit, contracts.ReasonNormal)
		}
	}

	return out
}

// arbitrate sorts by the ladder order and keeps the first candidate per
// subsystem. The result order is itself the apply order.
func arbitrate(candidates []candidate) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].signal.Less(candidates[j].signal)
	})
	seen := make(map[string]bool, len(candidates))
	var winners []candidate
	for _, c := range candidates {
		if seen[c.signal.SubsystemID] {
			continue
		}
		seen[c.signal.SubsystemID] = true
		winners = append(winners, c)
	}
	return winners
}

func summarize(in Inputs, winners []candidate, anySuppressed bool) (contracts.DecisionOutcome, contracts.DecisionReason) {
	for _, w := range winners {
		if w.signal.Type == contracts.SignalStopAcceptingJobs {
			return contracts.OutcomeHold, contracts.ReasonQueueDepthExceeded
		}
	}
	if len(winners) > 0 {
		return contracts.OutcomePass, winners[0].reason
	}
	for _, state := range in.States {
		if state.AdmissionMode == contracts.ModeRejecting {
			return contracts.OutcomeHold, contracts.ReasonBackpressureActive
		}
	}
	if anySuppressed {
		return contracts.OutcomeNoop, contracts.ReasonKillswitchActive
	}
	return contracts.OutcomeNoop, contracts.ReasonNormal
}
