// Package gate is the job-acceptance side of the control plane. The
// controller flips each subsystem between ACCEPTING and REJECTING; while
// rejecting, new admissions get a 429 with a Retry-After and a stable
// reason code, and work admitted earlier runs to completion untouched.
// Rejected work is never queued, delayed, or retried here.
package gate

import (
	"sync"
	"time"

	"github.com/facturaops/guardrail/pkg/contracts"
)

// ReasonBackpressure is the machine-readable code carried on every
// backpressure rejection.
const ReasonBackpressure = string(contracts.ReasonBackpressureActive)

// Gate holds the admission state per subsystem. SetAccepting is the only
// mutation and returns immediately; the middleware only reads.
type Gate struct {
	mu         sync.RWMutex
	modes      map[string]contracts.Mode
	retryAfter time.Duration
}

// NewGate creates a gate. Every subsystem starts ACCEPTING. The retry-after
// hint is derived from the control loop's cooldown: sooner than that,
// nothing can have changed.
func NewGate(retryAfter time.Duration) *Gate {
	return &Gate{
		modes:      make(map[string]contracts.Mode),
		retryAfter: retryAfter,
	}
}

// SetAccepting flips the subsystem's admission state.
func (g *Gate) SetAccepting(subsystemID string, accepting bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if accepting {
		g.modes[subsystemID] = contracts.ModeAccepting
	} else {
		g.modes[subsystemID] = contracts.ModeRejecting
	}
}

// Mode returns the subsystem's admission mode.
func (g *Gate) Mode(subsystemID string) contracts.Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if m, ok := g.modes[subsystemID]; ok {
		return m
	}
	return contracts.ModeAccepting
}

// Accepting reports whether new work for the subsystem is admitted.
func (g *Gate) Accepting(subsystemID string) bool {
	return g.Mode(subsystemID) == contracts.ModeAccepting
}

// RetryAfter returns the hint sent with every rejection, in whole seconds,
// at least 1.
func (g *Gate) RetryAfter() int {
	secs := int(g.retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Modes returns a copy of the full admission map for the status API.
func (g *Gate) Modes() map[string]contracts.Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]contracts.Mode, len(g.modes))
	for k, v := range g.modes {
		out[k] = v
	}
	return out
}
