package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cccs-substrate/cccs/pkg/contracts"
)

// SQLiteMirror is an optional, best-effort read replica of a WAL's
// entries in an embedded SQLite database, modeled on
// store.SQLiteReceiptStore: the journal file remains the durable
// source of truth, and the mirror exists only so an operator can run
// ad hoc SQL against recent WAL activity instead of grepping the
// append-only journal.
type SQLiteMirror struct {
	db *sql.DB
}

// OpenSQLiteMirror opens (creating if needed) a SQLite database at
// path and ensures its schema exists.
func OpenSQLiteMirror(path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("wal: open sqlite mirror: %w", err)
	}
	m := &SQLiteMirror{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SQLiteMirror) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS wal_entries (
		sequence   INTEGER PRIMARY KEY,
		entry_type TEXT NOT NULL,
		state      TEXT NOT NULL,
		payload    JSON
	);`
	_, err := m.db.ExecContext(context.Background(), query)
	return err
}

// Record upserts one WAL entry's current sequence/type/state/payload.
// Mirroring is best-effort: callers log but do not fail a WAL
// operation over a mirror write error.
func (m *SQLiteMirror) Record(ctx context.Context, e contracts.WALEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("wal: marshal mirrored payload: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO wal_entries (sequence, entry_type, state, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sequence) DO UPDATE SET state = excluded.state, payload = excluded.payload`,
		e.Sequence, string(e.EntryType), string(e.State), string(payload),
	)
	return err
}

// Remove deletes a mirrored entry, matching WAL's own removal of
// acked entries from its in-memory queue.
func (m *SQLiteMirror) Remove(ctx context.Context, sequence uint64) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM wal_entries WHERE sequence = ?`, sequence)
	return err
}

// ByState lists mirrored entries in a given state, newest sequence
// first, for operator inspection.
func (m *SQLiteMirror) ByState(ctx context.Context, state contracts.WALState, limit int) ([]contracts.WALEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT sequence, entry_type, state, payload FROM wal_entries
		WHERE state = ? ORDER BY sequence DESC LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.WALEntry
	for rows.Next() {
		var e contracts.WALEntry
		var entryType, state, payload string
		if err := rows.Scan(&e.Sequence, &entryType, &state, &payload); err != nil {
			return nil, err
		}
		e.EntryType = contracts.WALEntryType(entryType)
		e.State = contracts.WALState(state)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}
