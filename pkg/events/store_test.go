package events

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type payload struct {
	Note string `json:"note"`
}

func TestMemoryStoreAppendAndChain(t *testing.T) {
	s := NewMemoryStore()
	assert.Equal(t, "genesis", s.Head())

	first, err := s.Append(KindTransition, "invoice-extraction", payload{"a"}, t0)
	require.NoError(t, err)
	second, err := s.Append(KindOverride, "invoice-extraction", payload{"b"}, t0.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "genesis", first.PreviousHash)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, second.EntryHash, s.Head())
	assert.Equal(t, 2, s.Size())
	require.NoError(t, s.VerifyChain())
}

func TestMemoryStoreDetectsTampering(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Append(KindTransition, "invoice-extraction", payload{"a"}, t0)
	require.NoError(t, err)
	_, err = s.Append(KindTransition, "invoice-extraction", payload{"b"}, t0.Add(time.Second))
	require.NoError(t, err)

	s.entries[0].PayloadHash = "sha256:forged"
	assert.ErrorIs(t, s.VerifyChain(), ErrChainBroken)
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Append(KindTransition, "invoice-extraction", payload{"a"}, t0)
	require.NoError(t, err)
	_, err = s.Append(KindOverride, "pdf-render", payload{"b"}, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Append(KindTransition, "pdf-render", payload{"c"}, t0.Add(2*time.Minute))
	require.NoError(t, err)

	got, err := s.Query(Filter{Kind: KindTransition})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(Filter{SubsystemID: "pdf-render"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(Filter{Since: t0.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Sequence)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)

	first, err := s.Append(KindTransition, "invoice-extraction", payload{"a"}, t0)
	require.NoError(t, err)
	_, err = s.Append(KindConfigChange, "", payload{"b"}, t0.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, s.VerifyChain())

	got, err := s.Query(Filter{Kind: KindTransition})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.EntryHash, got[0].EntryHash)
	assert.Equal(t, first.Timestamp, got[0].Timestamp)

	// A second store over the same database extends the same chain.
	reopened, err := NewSQLiteStore(db)
	require.NoError(t, err)
	assert.Equal(t, s.Head(), reopened.Head())

	third, err := reopened.Append(KindTransition, "pdf-render", payload{"c"}, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)
	require.NoError(t, reopened.VerifyChain())
}
