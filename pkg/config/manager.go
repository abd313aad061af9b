package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ChangeAuditor records config and allowlist mutations. Mutation without
// audit is a defect, so a nil auditor makes Propose fail closed.
type ChangeAuditor interface {
	RecordConfigChange(previous, next *Config, actor string, at time.Time) error
}

// Snapshot is the read-only view a tick operates on. It never changes for
// the duration of the tick that fetched it.
type Snapshot struct {
	Config    *Config
	Allowlist *Allowlist
	Queries   *QuerySet
	Version   uint64
}

// Manager owns the active config and applies proposed replacements at tick
// boundaries only. An invalid candidate never becomes active; the prior
// config is retained.
type Manager struct {
	mu      sync.Mutex
	active  Snapshot
	pending *proposal
	auditor ChangeAuditor
	logger  *slog.Logger
	clock   func() time.Time
}

type proposal struct {
	snapshot Snapshot
	actor    string
}

// NewManager validates and installs the initial config.
func NewManager(initial *Config, auditor ChangeAuditor) (*Manager, error) {
	if auditor == nil {
		return nil, fmt.Errorf("config: manager requires a change auditor")
	}
	snap, err := buildSnapshot(initial, 1)
	if err != nil {
		return nil, err
	}
	return &Manager{
		active:  snap,
		auditor: auditor,
		logger:  slog.Default().With("component", "config"),
		clock:   time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func buildSnapshot(cfg *Config, version uint64) (Snapshot, error) {
	if violations := cfg.Validate(); len(violations) > 0 {
		return Snapshot{}, fmt.Errorf("%w: %d violation(s), first: %s", ErrConfigInvalid, len(violations), violations[0])
	}
	queries, err := NewQuerySet(cfg.TelemetryQueries)
	if err != nil {
		return Snapshot{}, err
	}
	// A drifted query set never becomes active: decisions would be driven
	// by expressions nobody pinned.
	if err := queries.CheckDrift(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Config:    cfg,
		Allowlist: NewAllowlist(cfg.Allowlist),
		Queries:   queries,
		Version:   version,
	}, nil
}

// Propose stages a candidate config. The candidate is validated now and
// rejected now if invalid; if accepted it takes effect at the next tick
// boundary, never mid-tick. A later proposal replaces an unapplied one.
func (m *Manager) Propose(candidate *Config, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := buildSnapshot(candidate, m.active.Version+1)
	if err != nil {
		m.logger.Warn("config candidate rejected, prior config retained",
			"actor", actor, "error", err)
		return err
	}
	m.pending = &proposal{snapshot: snap, actor: actor}
	m.logger.Info("config candidate staged", "actor", actor, "version", snap.Version)
	return nil
}

// AtTickBoundary promotes any staged proposal and returns the snapshot the
// tick must use. The second return is true when this call changed the
// active config (callers use it to reset budgets, itself an audited event).
func (m *Manager) AtTickBoundary() (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return m.active, false, nil
	}

	previous := m.active.Config
	p := m.pending
	if err := m.auditor.RecordConfigChange(previous, p.snapshot.Config, p.actor, m.clock()); err != nil {
		// Audit failure means the mutation does not happen.
		m.pending = nil
		return m.active, false, fmt.Errorf("config: audit failed, swap aborted: %w", err)
	}
	m.active = p.snapshot
	m.pending = nil
	m.logger.Info("config swapped at tick boundary",
		"actor", p.actor, "version", m.active.Version)
	return m.active, true, nil
}

// Active returns the current snapshot without promoting proposals. Readers
// outside the tick (status API) use this.
func (m *Manager) Active() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
