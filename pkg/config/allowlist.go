package config

// Allowlist is the set of (tenant, endpoint class, subsystem) tuples that
// may receive signals at all. An empty allowlist means zero signals may
// ever be produced, for any target.
type Allowlist struct {
	entries map[AllowlistEntry]struct{}
}

// NewAllowlist builds an immutable allowlist from config entries.
func NewAllowlist(entries []AllowlistEntry) *Allowlist {
	set := make(map[AllowlistEntry]struct{}, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return &Allowlist{entries: set}
}

// InScope reports whether the target tuple may receive signals.
func (a *Allowlist) InScope(tenantID, endpointClass, subsystemID string) bool {
	if a == nil || len(a.entries) == 0 {
		return false
	}
	_, ok := a.entries[AllowlistEntry{
		TenantID:      tenantID,
		EndpointClass: endpointClass,
		SubsystemID:   subsystemID,
	}]
	return ok
}

// SubsystemInScope reports whether any entry names the subsystem,
// regardless of tenant or endpoint class. The decision engine uses this to
// gate subsystem-level signals.
func (a *Allowlist) SubsystemInScope(subsystemID string) bool {
	if a == nil {
		return false
	}
	for e := range a.entries {
		if e.SubsystemID == subsystemID {
			return true
		}
	}
	return false
}

// TenantFor returns the lexicographically first tenant scoped to the
// subsystem, for tagging signals deterministically. Empty when no entry
// names the subsystem.
func (a *Allowlist) TenantFor(subsystemID string) string {
	if a == nil {
		return ""
	}
	best := ""
	for e := range a.entries {
		if e.SubsystemID != subsystemID {
			continue
		}
		if best == "" || e.TenantID < best {
			best = e.TenantID
		}
	}
	return best
}

// Size returns the number of entries.
func (a *Allowlist) Size() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}
