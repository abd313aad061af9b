// Package controller runs the control loop. Each tick reads one immutable
// config snapshot and one telemetry snapshot, evaluates the decision engine,
// damps the result through the hysteresis filter, and applies whatever
// survives. Applying a signal and recording its audit event happen together:
// a transition without an event does not exist.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facturaops/guardrail/pkg/budget"
	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/contracts"
	"github.com/facturaops/guardrail/pkg/decision"
	"github.com/facturaops/guardrail/pkg/events"
	"github.com/facturaops/guardrail/pkg/gate"
	"github.com/facturaops/guardrail/pkg/guard"
	"github.com/facturaops/guardrail/pkg/hysteresis"
	"github.com/facturaops/guardrail/pkg/observability"
	"github.com/facturaops/guardrail/pkg/override"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

// ErrTickFailed wraps any error that drove the controller into FAILSAFE.
var ErrTickFailed = errors.New("controller: tick failed")

// Options wires the controller's collaborators. Every field except Logger,
// Observability, and ErrorQueryName is required.
type Options struct {
	Manager       *config.Manager
	Collector     *telemetry.Collector
	Overrides     *override.Registry
	Filter        *hysteresis.Filter
	Recorder      *events.Recorder
	Guard         guard.Switch
	Gate          *gate.Gate
	Observability *observability.Provider
	Logger        *slog.Logger

	// ErrorQueryName selects the telemetry query used to classify errors
	// for budget accounting. Empty means the raw error_count metric.
	ErrorQueryName string
}

// TickReport summarizes one completed tick for the status API and tests.
type TickReport struct {
	At                 time.Time                   `json:"at"`
	CorrelationID      string                      `json:"correlation_id"`
	State              contracts.ControllerState   `json:"state"`
	Outcome            contracts.DecisionOutcome   `json:"outcome"`
	Reason             contracts.DecisionReason    `json:"reason"`
	ConfigVersion      uint64                      `json:"config_version"`
	Sufficiency        telemetry.SufficiencyResult `json:"sufficiency"`
	Budgets            []budget.Status             `json:"budgets"`
	SignalsEmitted     int                         `json:"signals_emitted"`
	SignalsDropped     int                         `json:"signals_dropped"`
	TransitionsApplied int                         `json:"transitions_applied"`
}

// Controller is the orchestrator. It owns its own state machine (RUNNING,
// FAILSAFE, SUSPENDED) and is the only component that causes side effects.
type Controller struct {
	manager    *config.Manager
	collector  *telemetry.Collector
	overrides  *override.Registry
	filter     *hysteresis.Filter
	engine     *decision.Engine
	recorder   *events.Recorder
	guard      guard.Switch
	gate       *gate.Gate
	obs        *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time
	errorQuery string

	mu       sync.Mutex
	state    contracts.ControllerState
	lastTick *TickReport
}

// New validates the wiring and creates a controller in RUNNING state.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Manager == nil:
		return nil, errors.New("controller: config manager is required")
	case opts.Collector == nil:
		return nil, errors.New("controller: telemetry collector is required")
	case opts.Overrides == nil:
		return nil, errors.New("controller: override registry is required")
	case opts.Filter == nil:
		return nil, errors.New("controller: hysteresis filter is required")
	case opts.Recorder == nil:
		return nil, errors.New("controller: event recorder is required")
	case opts.Guard == nil:
		return nil, errors.New("controller: enforcement switch is required")
	case opts.Gate == nil:
		return nil, errors.New("controller: admission gate is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observability
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}

	return &Controller{
		manager:    opts.Manager,
		collector:  opts.Collector,
		overrides:  opts.Overrides,
		filter:     opts.Filter,
		engine:     decision.NewEngine(),
		recorder:   opts.Recorder,
		guard:      opts.Guard,
		gate:       opts.Gate,
		obs:        obs,
		logger:     logger.With("component", "controller"),
		clock:      time.Now,
		errorQuery: opts.ErrorQueryName,
		state:      contracts.StateRunning,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// State returns the controller's current state.
func (c *Controller) State() contracts.ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastReport returns the most recent tick report, nil before the first tick.
func (c *Controller) LastReport() *TickReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

// Run drives ticks until the context is cancelled. The ticker follows the
// active config's loop interval, adopting changes at the next boundary.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.manager.Active().Config.LoopInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("control loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("control loop stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := c.Tick(ctx)
			if err != nil {
				c.logger.Error("tick failed",
					"correlation_id", report.CorrelationID, "error", err)
			}
			if next := c.manager.Active().Config.LoopInterval(); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
				c.logger.Info("loop interval changed", "interval", interval.String())
			}
		}
	}
}

// Tick runs one full control-loop iteration. All errors that would leave
// the plane in an unknown state flip the controller to FAILSAFE; the report
// is always returned so callers can inspect what happened.
func (c *Controller) Tick(ctx context.Context) (*TickReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	report := &TickReport{
		At:            now,
		CorrelationID: uuid.New().String(),
		Outcome:       contracts.OutcomeNoop,
		Reason:        contracts.ReasonNormal,
	}

	ctx, span := c.obs.StartTickSpan(ctx, report.CorrelationID)
	defer span.End()

	// In FAILSAFE every tick is a recovery attempt: the pipeline runs in
	// full, and RUNNING is restored only once a tick completes cleanly. A
	// persistently failing tick stays in FAILSAFE without churning events.

	snap, swapped, err := c.manager.AtTickBoundary()
	if err != nil {
		// The swap was aborted and the prior config stays in force. The
		// tick itself proceeds on known-good values.
		c.logger.Warn("config swap aborted", "error", err)
	}
	report.ConfigVersion = snap.Version
	cfg := snap.Config

	if swapped {
		c.filter.Reconfigure(cfg.DwellTime(), cfg.CooldownPeriod(), cfg.OscillationWindow(), cfg.OscillationLimit)
		for _, sub := range cfg.Subsystems {
			if err := c.recorder.RecordBudgetReset(sub.SubsystemID, "config-change", now); err != nil {
				return c.fail(ctx, report, fmt.Errorf("audit budget reset: %w", err), now)
			}
		}
	}

	if !cfg.Enabled {
		report.Reason = contracts.ReasonDisabled
		return c.succeed(ctx, report, now)
	}

	tsnap := c.collector.Snapshot(now, cfg.StalenessWindow())

	if tsnap.AllStale() {
		if c.state != contracts.StateSuspended {
			if err := c.setState(contracts.StateSuspended, "telemetry", "all sources stale", report.CorrelationID, now); err != nil {
				return c.finish(ctx, report, fmt.Errorf("%w: %w", ErrTickFailed, err))
			}
		}
		report.Reason = contracts.ReasonTelemetryInsufficient
		return c.succeed(ctx, report, now)
	}
	if c.state == contracts.StateSuspended {
		if err := c.setState(contracts.StateRunning, "telemetry", "sources recovered", report.CorrelationID, now); err != nil {
			return c.finish(ctx, report, fmt.Errorf("%w: %w", ErrTickFailed, err))
		}
	}

	checker := telemetry.SufficiencyChecker{
		MinSamples:        cfg.Sufficiency.MinSamples,
		RequiredCoverage:  cfg.Sufficiency.BucketCoveragePct,
		BucketSize:        cfg.LoopInterval(),
		DisqualifyOnStale: true,
	}
	report.Sufficiency = checker.Check(tsnap)
	if !report.Sufficiency.IsSufficient {
		c.logger.Warn("telemetry insufficient, tick is a no-op",
			"correlation_id", report.CorrelationID,
			"sample_count", report.Sufficiency.SampleCount,
			"required_samples", report.Sufficiency.RequiredSamples,
			"bucket_coverage_pct", report.Sufficiency.BucketCoveragePct,
			"detail", report.Sufficiency.Reason)
	}

	budgets := budget.NewEngine(cfg.BudgetWindow(), c.logger).
		WithErrorQuery(c.errorQueryIn(snap.Queries), c.errorQuery).
		Compute(tsnap, cfg.Subsystems)
	report.Budgets = budgets
	for _, st := range budgets {
		if !st.InsufficientData {
			c.obs.RecordBudget(ctx, st.SubsystemID, telemetry.MetricErrorCount, st.RemainingPct)
		}
	}

	states := make(map[string]decision.SubsystemState, len(cfg.Subsystems))
	for _, sub := range cfg.Subsystems {
		authority, suppressed := c.overrides.Suppression(sub.SubsystemID, now)
		states[sub.SubsystemID] = decision.SubsystemState{
			EnforcementMode: c.guard.Mode(sub.SubsystemID),
			AdmissionMode:   c.gate.Mode(sub.SubsystemID),
			DwellElapsed:    c.filter.DwellElapsed(sub.SubsystemID, now),
			Suppressed:      suppressed,
			SuppressedBy:    authority,
		}
	}

	result := c.engine.Evaluate(decision.Inputs{
		Now:           now,
		CorrelationID: report.CorrelationID,
		Config:        cfg,
		Allowlist:     snap.Allowlist,
		Snapshot:      tsnap,
		Sufficiency:   report.Sufficiency,
		Budgets:       budgets,
		States:        states,
	})
	report.Outcome = result.Outcome
	report.Reason = result.Reason

	kept, dropped := c.filter.Apply(result.Signals, now)
	report.SignalsEmitted = len(kept)
	report.SignalsDropped = len(dropped)
	for _, d := range dropped {
		c.obs.RecordDrop(ctx, d.Reason)
	}

	applied, applyErr := c.applyAll(ctx, kept, result, budgets, now)
	report.TransitionsApplied = applied
	if applyErr != nil {
		return c.fail(ctx, report, applyErr, now)
	}

	return c.succeed(ctx, report, now)
}

// applyAll applies the surviving signals in arbitration order. The first
// failure stops the loop: signals already applied keep their recorded
// events, the rest are abandoned and will be re-derived next tick.
func (c *Controller) applyAll(ctx context.Context, signals []contracts.ControlSignal, result decision.Result, budgets []budget.Status, now time.Time) (applied int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panicked: %v", r)
		}
	}()

	burnRates := make(map[string]float64, len(budgets))
	for _, st := range budgets {
		burnRates[st.SubsystemID] = st.BurnRate
	}

	for _, sig := range signals {
		if err := c.applyOne(ctx, sig, result.Reasons[sig.SubsystemID], burnRates[sig.SubsystemID], now); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// applyOne performs one transition and records exactly one audit event for
// it. Commit on the hysteresis filter happens last so a failed apply leaves
// the dwell clock untouched.
func (c *Controller) applyOne(ctx context.Context, sig contracts.ControlSignal, reason contracts.DecisionReason, burnRate float64, now time.Time) error {
	target := sig.Type.TargetMode()

	var previous contracts.Mode
	if target.IsEnforcement() {
		previous = c.guard.Mode(sig.SubsystemID)
		if err := c.guard.SetMode(ctx, sig.SubsystemID, target); err != nil {
			return fmt.Errorf("apply %s to %s: %w", sig.Type, sig.SubsystemID, err)
		}
	} else {
		previous = c.gate.Mode(sig.SubsystemID)
		c.gate.SetAccepting(sig.SubsystemID, target == contracts.ModeAccepting)
	}

	if _, err := c.recorder.RecordTransition(sig, previous, target, reason, burnRate, "adaptive-controller", now); err != nil {
		return fmt.Errorf("record %s for %s: %w", sig.Type, sig.SubsystemID, err)
	}

	c.filter.Commit(sig.SubsystemID, previous, target, now)
	c.obs.RecordTransition(ctx, sig.Type, sig.SubsystemID)

	if c.filter.DetectOscillation(sig.SubsystemID, now) {
		c.logger.Warn("oscillation detected",
			"subsystem_id", sig.SubsystemID,
			"correlation_id", sig.CorrelationID)
		c.obs.RecordOscillation(ctx, sig.SubsystemID)
	}
	return nil
}

// setState transitions the controller's own state machine and audits it.
func (c *Controller) setState(next contracts.ControllerState, component, reason, correlationID string, now time.Time) error {
	prior := c.state
	if prior == next {
		return nil
	}
	if err := c.recorder.RecordFailsafe(component, reason, prior, next, correlationID, now); err != nil {
		// Unauditable state change: freeze where we are.
		c.state = contracts.StateFailsafe
		return fmt.Errorf("audit state transition: %w", err)
	}
	c.state = next
	return nil
}

// succeed finishes a tick that completed without error. A clean tick is
// what ends FAILSAFE.
func (c *Controller) succeed(ctx context.Context, report *TickReport, now time.Time) (*TickReport, error) {
	if c.state == contracts.StateFailsafe {
		if err := c.setState(contracts.StateRunning, "controller", "recovered after clean tick", report.CorrelationID, now); err != nil {
			return c.finish(ctx, report, fmt.Errorf("%w: %w", ErrTickFailed, err))
		}
	}
	return c.finish(ctx, report, nil)
}

// fail flips to FAILSAFE and finishes the tick with the wrapped error.
func (c *Controller) fail(ctx context.Context, report *TickReport, cause error, now time.Time) (*TickReport, error) {
	if err := c.setState(contracts.StateFailsafe, "controller", cause.Error(), report.CorrelationID, now); err != nil {
		c.logger.Error("failsafe transition unaudited", "error", err)
	}
	return c.finish(ctx, report, fmt.Errorf("%w: %w", ErrTickFailed, cause))
}

func (c *Controller) finish(ctx context.Context, report *TickReport, err error) (*TickReport, error) {
	report.State = c.state
	c.lastTick = report
	c.obs.RecordTick(ctx, report.Outcome, report.Reason)
	c.obs.RecordControllerState(ctx, c.state)
	c.logger.Info("tick complete",
		"correlation_id", report.CorrelationID,
		"state", report.State,
		"outcome", report.Outcome,
		"reason", report.Reason,
		"signals_emitted", report.SignalsEmitted,
		"signals_dropped", report.SignalsDropped,
		"transitions_applied", report.TransitionsApplied)
	return report, err
}

func (c *Controller) errorQueryIn(queries *config.QuerySet) *config.QuerySet {
	if c.errorQuery == "" || queries == nil || !queries.Has(c.errorQuery) {
		return nil
	}
	return queries
}
