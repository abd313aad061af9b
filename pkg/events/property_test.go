//go:build property
// +build property

package events

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainIntegrity verifies the append-only chain holds for any append
// sequence. Property: VerifyChain() == nil and Size() grows by one per append.
func TestChainIntegrity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	kinds := []Kind{KindTransition, KindConfigChange, KindOverride, KindBudgetReset, KindFailsafe}

	properties.Property("any append sequence yields a verifiable chain", prop.ForAll(
		func(kindIdx []int, subsystems []string) bool {
			store := NewMemoryStore()
			at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			n := len(kindIdx)
			if len(subsystems) < n {
				n = len(subsystems)
			}
			for i := 0; i < n; i++ {
				kind := kinds[kindIdx[i]%len(kinds)]
				payload := map[string]any{"seq": i, "subsystem": subsystems[i]}
				if _, err := store.Append(kind, subsystems[i], payload, at); err != nil {
					return false
				}
				at = at.Add(time.Second)
			}
			return store.VerifyChain() == nil && store.Size() == n
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestChainTamperDetection verifies that altering any stored entry breaks
// verification. Property: verifyEntries(tampered) != nil
func TestChainTamperDetection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampering with any entry breaks verification", prop.ForAll(
		func(values []int, victim int) bool {
			if len(values) == 0 {
				return true
			}
			store := NewMemoryStore()
			at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, v := range values {
				if _, err := store.Append(KindTransition, "invoice-extraction",
					map[string]int{"value": v}, at); err != nil {
					return false
				}
				at = at.Add(time.Second)
			}

			entries, err := store.Query(Filter{})
			if err != nil {
				return false
			}
			idx := victim % len(entries)
			if idx < 0 {
				idx = -idx
			}
			entries[idx].PayloadHash = hashBytes([]byte("tampered"))
			return verifyEntries(entries) != nil
		},
		gen.SliceOfN(8, gen.IntRange(0, 1_000_000)),
		gen.Int(),
	))

	properties.TestingRun(t)
}
