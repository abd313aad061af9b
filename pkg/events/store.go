// Package events is the permanent audit log of the control plane: one
// entry per committed mode transition, config change, override action, and
// fail-safe transition. Entries are hash-chained and append-only; nothing
// here mutates or deletes.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChainBroken is returned by VerifyChain when any link fails.
	ErrChainBroken = errors.New("events: hash chain is broken")
	// ErrAppendFailed wraps a failed append. Appends are load-bearing: a
	// caller that cannot record an entry must abort its mutation.
	ErrAppendFailed = errors.New("events: append failed")
)

// Kind categorizes audit entries.
type Kind string

const (
	KindTransition   Kind = "transition"
	KindConfigChange Kind = "config_change"
	KindOverride     Kind = "override"
	KindBudgetReset  Kind = "budget_reset"
	KindFailsafe     Kind = "failsafe"
)

// Entry is one immutable record in the chain.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         Kind            `json:"kind"`
	SubsystemID  string          `json:"subsystem_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Kind        Kind
	SubsystemID string
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f Filter) matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SubsystemID != "" && e.SubsystemID != f.SubsystemID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Store is the append-only backend. Implementations must preserve the hash
// chain across appends and never expose a mutation path.
type Store interface {
	Append(kind Kind, subsystemID string, payload any, at time.Time) (*Entry, error)
	Query(filter Filter) ([]Entry, error)
	VerifyChain() error
	Head() string
	Size() int
}

const genesisHash = "genesis"

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// newEntry builds a fully hashed entry linked to the previous head.
func newEntry(kind Kind, subsystemID string, payload any, at time.Time, sequence uint64, previousHash string) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: marshal payload: %w", ErrAppendFailed, err)
	}
	e := Entry{
		EntryID:      uuid.New().String(),
		Sequence:     sequence,
		Timestamp:    at.UTC(),
		Kind:         kind,
		SubsystemID:  subsystemID,
		Payload:      raw,
		PayloadHash:  hashBytes(raw),
		PreviousHash: previousHash,
	}
	e.EntryHash = entryHash(e)
	return e, nil
}

// entryHash covers everything except the hash itself, chaining through the
// previous hash.
func entryHash(e Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Kind         Kind      `json:"kind"`
		SubsystemID  string    `json:"subsystem_id"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Kind, e.SubsystemID, e.PayloadHash, e.PreviousHash}

	data, _ := json.Marshal(hashable)
	return hashBytes(data)
}

// verifyEntries walks an ordered slice and checks every link.
func verifyEntries(entries []Entry) error {
	expectedPrev := genesisHash
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		if computed := entryHash(e); computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// MemoryStore keeps the chain in process memory. The default backend for
// tests and single-node bootstrap.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	sequence uint64
	head     string
}

// NewMemoryStore creates an empty in-memory chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{head: genesisHash}
}

// Append adds an entry to the chain.
func (s *MemoryStore) Append(kind Kind, subsystemID string, payload any, at time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := newEntry(kind, subsystemID, payload, at, s.sequence+1, s.head)
	if err != nil {
		return nil, err
	}
	s.sequence = e.Sequence
	s.head = e.EntryHash
	s.entries = append(s.entries, e)
	return &e, nil
}

// Query returns entries matching the filter in append order.
func (s *MemoryStore) Query(filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// VerifyChain walks every link from genesis.
func (s *MemoryStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verifyEntries(s.entries)
}

// Head returns the current chain head hash.
func (s *MemoryStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Size returns the number of entries.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
