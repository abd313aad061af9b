// Package override tracks operator-asserted suppressions: the kill switch
// and per-subsystem manual overrides. While a suppression is active, and
// for a cooldown after its release, the adaptive path may not emit signals
// for the covered subsystem.
package override

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facturaops/guardrail/pkg/contracts"
)

// ErrNotActive is returned when deactivating a suppression that is not on.
var ErrNotActive = errors.New("override: not active")

// Scope of the kill switch. A kill switch covers every subsystem.
const ScopeAll = "*"

// Entry is one asserted suppression.
type Entry struct {
	SubsystemID   string              `json:"subsystem_id"`
	Authority     contracts.Authority `json:"authority"`
	Actor         string              `json:"actor"`
	Reason        string              `json:"reason"`
	ActivatedAt   time.Time           `json:"activated_at"`
	DeactivatedAt *time.Time          `json:"deactivated_at,omitempty"`
}

// Active reports whether the entry is currently asserted.
func (e Entry) Active() bool { return e.DeactivatedAt == nil }

// Auditor records every activation and deactivation before the registry
// mutates. A failed audit aborts the mutation.
type Auditor interface {
	RecordOverride(entry Entry, action string, at time.Time) error
}

// Registry holds the live suppressions plus released ones still inside
// their cooldown window.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry // key: authority + subsystem
	cooldown time.Duration
	auditor  Auditor
	clock    func() time.Time
}

// NewRegistry creates a registry with the given post-release cooldown.
func NewRegistry(cooldown time.Duration, auditor Auditor) (*Registry, error) {
	if auditor == nil {
		return nil, errors.New("override: auditor is required")
	}
	return &Registry{
		entries:  make(map[string]*Entry),
		cooldown: cooldown,
		auditor:  auditor,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func key(authority contracts.Authority, subsystemID string) string {
	return string(authority) + "/" + subsystemID
}

// Activate asserts a suppression. Re-activating an already active entry is
// idempotent and not re-audited.
func (r *Registry) Activate(subsystemID string, authority contracts.Authority, actor, reason string) error {
	if authority == contracts.AuthorityKillSwitch {
		subsystemID = ScopeAll
	}
	if subsystemID == "" {
		return errors.New("override: subsystem_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[key(authority, subsystemID)]; ok && existing.Active() {
		return nil
	}

	now := r.clock()
	entry := Entry{
		SubsystemID: subsystemID,
		Authority:   authority,
		Actor:       actor,
		Reason:      reason,
		ActivatedAt: now,
	}
	if err := r.auditor.RecordOverride(entry, "activate", now); err != nil {
		return fmt.Errorf("override: audit activation: %w", err)
	}
	r.entries[key(authority, subsystemID)] = &entry
	return nil
}

// Deactivate releases a suppression. The entry stays visible to
// Suppression for the cooldown window.
func (r *Registry) Deactivate(subsystemID string, authority contracts.Authority, actor string) error {
	if authority == contracts.AuthorityKillSwitch {
		subsystemID = ScopeAll
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key(authority, subsystemID)]
	if !ok || !entry.Active() {
		return ErrNotActive
	}

	now := r.clock()
	released := *entry
	released.DeactivatedAt = &now
	released.Actor = actor
	if err := r.auditor.RecordOverride(released, "deactivate", now); err != nil {
		return fmt.Errorf("override: audit deactivation: %w", err)
	}
	*entry = released
	return nil
}

// Suppression reports whether the subsystem is suppressed at the given
// time, either by an active entry or by one released less than a cooldown
// ago. When both authorities apply, the kill switch wins.
func (r *Registry) Suppression(subsystemID string, now time.Time) (contracts.Authority, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.covers(contracts.AuthorityKillSwitch, ScopeAll, now) {
		return contracts.AuthorityKillSwitch, true
	}
	if r.covers(contracts.AuthorityManualOverride, subsystemID, now) {
		return contracts.AuthorityManualOverride, true
	}
	return "", false
}

func (r *Registry) covers(authority contracts.Authority, subsystemID string, now time.Time) bool {
	entry, ok := r.entries[key(authority, subsystemID)]
	if !ok {
		return false
	}
	if entry.Active() {
		return true
	}
	return now.Sub(*entry.DeactivatedAt) < r.cooldown
}

// Snapshot returns all entries, active first, for the status API.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active() != out[j].Active() {
			return out[i].Active()
		}
		if out[i].Authority != out[j].Authority {
			return out[i].Authority == contracts.AuthorityKillSwitch
		}
		return out[i].SubsystemID < out[j].SubsystemID
	})
	return out
}
