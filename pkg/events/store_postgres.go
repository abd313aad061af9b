package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists the chain in Postgres for multi-reader
// deployments. Appends still serialize through one writer: the chain is a
// single linked list and the controller is the only writer.
type PostgresStore struct {
	mu       sync.Mutex
	db       *sql.DB
	sequence uint64
	head     string
}

// NewPostgresStore migrates the schema and loads the current chain head.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, head: genesisHash}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadHead(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        sequence BIGINT PRIMARY KEY,
        entry_id TEXT NOT NULL UNIQUE,
        timestamp TEXT NOT NULL,
        kind TEXT NOT NULL,
        subsystem_id TEXT NOT NULL DEFAULT '',
        payload TEXT NOT NULL,
        payload_hash TEXT NOT NULL,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL UNIQUE
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) loadHead() error {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); err {
	case nil:
		s.sequence = seq
		s.head = head
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("events: load chain head: %w", err)
	}
}

// Append adds an entry to the chain.
func (s *PostgresStore) Append(kind Kind, subsystemID string, payload any, at time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := newEntry(kind, subsystemID, payload, at, s.sequence+1, s.head)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO audit_entries (
            sequence, entry_id, timestamp, kind, subsystem_id,
            payload, payload_hash, previous_hash, entry_hash
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Sequence, e.EntryID, e.Timestamp.Format(time.RFC3339Nano), string(e.Kind),
		e.SubsystemID, string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert entry: %w", ErrAppendFailed, err)
	}

	s.sequence = e.Sequence
	s.head = e.EntryHash
	return &e, nil
}

// Query returns entries matching the filter in chain order.
func (s *PostgresStore) Query(filter Filter) ([]Entry, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT sequence, entry_id, timestamp, kind, subsystem_id,
                payload, payload_hash, previous_hash, entry_hash
         FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			timestamp string
			kind      string
			payload   []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &timestamp, &kind, &e.SubsystemID,
			&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("events: parse timestamp %q: %w", timestamp, err)
		}
		e.Timestamp = ts
		e.Kind = Kind(kind)
		e.Payload = payload
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// VerifyChain re-reads every row and checks each link.
func (s *PostgresStore) VerifyChain() error {
	entries, err := s.Query(Filter{})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChainBroken, err)
	}
	return verifyEntries(entries)
}

// Head returns the cached chain head hash.
func (s *PostgresStore) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Size returns the number of entries.
func (s *PostgresStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.sequence)
}
