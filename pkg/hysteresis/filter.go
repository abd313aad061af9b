// Package hysteresis damps the control loop. Signals that arrive before
// the dwell or cooldown clocks have elapsed are dropped outright, never
// queued: a stale intent re-derived next tick is safer than a delayed one
// firing into a changed world.
package hysteresis

import (
	"log/slog"
	"sync"
	"time"

	"github.com/facturaops/guardrail/pkg/contracts"
)

// Drop explains why a candidate signal did not survive the filter.
type Drop struct {
	Signal contracts.ControlSignal `json:"signal"`
	Reason string                  `json:"reason"`
}

const (
	DropDwell    = "dwell_not_elapsed"
	DropCooldown = "cooldown_not_elapsed"
)

// Transition is one committed mode change, kept for oscillation detection.
type Transition struct {
	From contracts.Mode `json:"from"`
	To   contracts.Mode `json:"to"`
	At   time.Time      `json:"at"`
}

const maxHistory = 64

// Filter holds per-subsystem dwell, cooldown, and transition history.
type Filter struct {
	mu               sync.Mutex
	dwell            time.Duration
	cooldown         time.Duration
	oscWindow        time.Duration
	oscLimit         int
	lastSignalAt     map[string]time.Time
	lastTransitionAt map[string]time.Time
	history          map[string][]Transition
	logger           *slog.Logger
}

// NewFilter creates a filter from the active config values.
func NewFilter(dwell, cooldown, oscWindow time.Duration, oscLimit int, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		dwell:            dwell,
		cooldown:         cooldown,
		oscWindow:        oscWindow,
		oscLimit:         oscLimit,
		lastSignalAt:     make(map[string]time.Time),
		lastTransitionAt: make(map[string]time.Time),
		history:          make(map[string][]Transition),
		logger:           logger,
	}
}

// Reconfigure adopts new damping parameters at a tick boundary. History and
// per-subsystem clocks carry over.
func (f *Filter) Reconfigure(dwell, cooldown, oscWindow time.Duration, oscLimit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dwell = dwell
	f.cooldown = cooldown
	f.oscWindow = oscWindow
	f.oscLimit = oscLimit
}

// Apply filters the candidate signals. Every signal is checked against
// dwell since the last committed transition and cooldown since the last
// emitted signal; there is no priority path around either clock. Every
// drop is logged and returned so the caller can count it.
func (f *Filter) Apply(signals []contracts.ControlSignal, now time.Time) ([]contracts.ControlSignal, []Drop) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept []contracts.ControlSignal
	var dropped []Drop
	for _, sig := range signals {
		if last, ok := f.lastTransitionAt[sig.SubsystemID]; ok && now.Sub(last) < f.dwell {
			dropped = append(dropped, Drop{Signal: sig, Reason: DropDwell})
			f.logger.Info("signal dropped",
				"reason", DropDwell,
				"signal_type", sig.Type,
				"subsystem_id", sig.SubsystemID,
				"elapsed", now.Sub(last).String(),
				"required", f.dwell.String())
			continue
		}
		if last, ok := f.lastSignalAt[sig.SubsystemID]; ok && now.Sub(last) < f.cooldown {
			dropped = append(dropped, Drop{Signal: sig, Reason: DropCooldown})
			f.logger.Info("signal dropped",
				"reason", DropCooldown,
				"signal_type", sig.Type,
				"subsystem_id", sig.SubsystemID,
				"elapsed", now.Sub(last).String(),
				"required", f.cooldown.String())
			continue
		}

		kept = append(kept, sig)
		f.lastSignalAt[sig.SubsystemID] = now
	}
	return kept, dropped
}

// Commit records a committed transition. Called by the controller after the
// mode change has actually been applied and its event recorded.
func (f *Filter) Commit(subsystemID string, from, to contracts.Mode, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastTransitionAt[subsystemID] = now
	buf := append(f.history[subsystemID], Transition{From: from, To: to, At: now})
	if len(buf) > maxHistory {
		buf = buf[len(buf)-maxHistory:]
	}
	f.history[subsystemID] = buf
}

// DwellElapsed reports whether the subsystem has sat in its current mode
// for at least the dwell time. A subsystem with no committed transition
// has trivially dwelled.
func (f *Filter) DwellElapsed(subsystemID string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	last, ok := f.lastTransitionAt[subsystemID]
	if !ok {
		return true
	}
	return now.Sub(last) >= f.dwell
}

// DetectOscillation reports whether the subsystem crossed the transition
// limit inside the oscillation window. Alert-only: the caller logs and
// counts, nothing is blocked.
func (f *Filter) DetectOscillation(subsystemID string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.oscWindow)
	count := 0
	for _, tr := range f.history[subsystemID] {
		if tr.At.After(cutoff) {
			count++
		}
	}
	return count >= f.oscLimit
}

// History returns the recorded transitions for the status API.
func (f *Filter) History(subsystemID string) []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Transition, len(f.history[subsystemID]))
	copy(out, f.history[subsystemID])
	return out
}
