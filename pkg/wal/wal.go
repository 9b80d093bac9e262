// Package wal implements the append-only, fsync-committed write-ahead
// log every deferred piece of network work flows through:
// identity/budget refresh calls, policy/budget snapshots, and receipts
// awaiting courier delivery. The on-disk log is the source of truth
// on restart; the in-memory queue is a cache over it.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cccs-substrate/cccs/pkg/contracts"
)

// capacityThreshold triggers a cleanup pass once the in-memory queue
// grows past it; deadLetterKeep is how many of the newest dead-letter
// entries survive the cleanup.
const (
	capacityThreshold = 10000
	deadLetterKeep    = 1000
)

// Sink delivers one WAL payload, told which entry_type it is so a
// single sink can dispatch by kind. A non-nil error marks the entry
// dead_letter.
type Sink func(payload map[string]interface{}, entryType contracts.WALEntryType) error

// DeadLetterEmitter observes a synthetic dead-letter descriptor for
// every entry a Sink fails to deliver.
type DeadLetterEmitter func(d contracts.DeadLetterDescriptor)

// WAL is one append-only journal. Callers typically run one per
// logical queue (e.g. one courier, one identity refresh queue).
type WAL struct {
	path string

	mu      sync.Mutex
	entries []contracts.WALEntry
	nextSeq uint64

	mirror *SQLiteMirror
}

// Open loads path if it exists (skipping blank lines; a parse failure
// on any other line resets to an empty queue rather than retaining a
// partial ordering) and returns a ready WAL.
func Open(path string) (*WAL, error) {
	w := &WAL{path: path, nextSeq: 1}
	if err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

// SetMirror attaches an optional SQLite mirror; subsequent Append,
// Mark and Drain calls best-effort-replicate into it. Passing nil
// detaches a previously-set mirror.
func (w *WAL) SetMirror(m *SQLiteMirror) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mirror = m
}

func (w *WAL) load() error {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", w.path, err)
	}
	defer f.Close()

	var entries []contracts.WALEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), contracts.MaxPayloadBytes+4096)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e contracts.WALEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A corrupt line invalidates trust in ordering for the
			// whole file; start fresh rather than keep a partial log.
			w.entries = nil
			w.nextSeq = 1
			return nil
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("wal: scan %s: %w", w.path, err)
	}

	w.entries = entries
	for _, e := range entries {
		if e.Sequence >= w.nextSeq {
			w.nextSeq = e.Sequence + 1
		}
	}
	return nil
}

// Append validates and appends payload, returning the assigned
// sequence. payload is deep-copied before being stored so later
// caller-side mutation can never reach the journal.
func (w *WAL) Append(payload map[string]interface{}, entryType contracts.WALEntryType) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: payload not JSON-serializable: %w", err)
	}
	if len(raw) > contracts.MaxPayloadBytes {
		return 0, contracts.ErrPayloadTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++
	entry := contracts.WALEntry{
		Sequence:  seq,
		Payload:   deepCopyMap(payload),
		State:     contracts.WALPending,
		EntryType: entryType,
	}
	w.entries = append(w.entries, entry)

	w.cleanupLocked()
	w.mirrorRecordLocked(entry)

	if err := w.persistLocked(); err != nil {
		return seq, err
	}
	return seq, nil
}

// mirrorRecordLocked best-effort-replicates entry into the attached
// SQLite mirror, if any. A mirror failure never fails the WAL
// operation itself — the journal file is the durable record.
func (w *WAL) mirrorRecordLocked(entry contracts.WALEntry) {
	if w.mirror == nil {
		return
	}
	_ = w.mirror.Record(context.Background(), entry)
}

// AppendPolicySnapshot is the entry_type=policy_snapshot convenience
// appender.
func (w *WAL) AppendPolicySnapshot(payload map[string]interface{}) (uint64, error) {
	return w.Append(payload, contracts.WALEntryPolicySnapshot)
}

// AppendBudgetSnapshot is the entry_type=budget convenience appender.
func (w *WAL) AppendBudgetSnapshot(payload map[string]interface{}) (uint64, error) {
	return w.Append(payload, contracts.WALEntryBudget)
}

// Mark updates the state of the entry at sequence, persisting the
// change. A missing sequence is a no-op (the entry may already have
// been trimmed by cleanup).
func (w *WAL) Mark(sequence uint64, newState contracts.WALState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.entries {
		if w.entries[i].Sequence == sequence {
			w.entries[i].State = newState
			w.mirrorRecordLocked(w.entries[i])
			return w.persistLocked()
		}
	}
	return nil
}

// Drain invokes sink on every pending entry's deep-copied payload.
// Success marks the entry acked; failure marks it dead_letter and, if
// emitter is non-nil, reports a synthetic descriptor. The journal is
// persisted after every single entry so a crash mid-drain loses at
// most the state transition, never the entry itself. Acked entries are
// dropped from the in-memory queue afterward; pending and dead-letter
// entries remain. Returns the sequences that were successfully acked.
func (w *WAL) Drain(sink Sink, emitter DeadLetterEmitter) ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var acked []uint64

	for i := range w.entries {
		if w.entries[i].State != contracts.WALPending {
			continue
		}

		payload := deepCopyMap(w.entries[i].Payload)
		err := sink(payload, w.entries[i].EntryType)
		if err != nil {
			w.entries[i].State = contracts.WALDeadLetter
			if emitter != nil {
				emitter(contracts.DeadLetterDescriptor{
					ReceiptType: "dead_letter",
					WALSequence: w.entries[i].Sequence,
					EntryType:   w.entries[i].EntryType,
					Error:       err.Error(),
					Payload:     payload,
					Timestamp:   time.Now().UnixMilli(),
				})
			}
		} else {
			w.entries[i].State = contracts.WALAcked
			acked = append(acked, w.entries[i].Sequence)
		}
		w.mirrorRecordLocked(w.entries[i])

		if perr := w.persistLocked(); perr != nil {
			return acked, perr
		}
	}

	w.removeAckedLocked()
	if err := w.persistLocked(); err != nil {
		return acked, err
	}
	return acked, nil
}

// GetPendingSyncEntries returns entries currently in pending_sync
// state (best-effort-delivered but not yet confirmed), for operator
// inspection or the drain worker's reconciliation pass.
func (w *WAL) GetPendingSyncEntries() []contracts.WALEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filterState(w.entries, contracts.WALPendingSync)
}

// GetDeadLetterEntries returns entries currently dead_letter.
func (w *WAL) GetDeadLetterEntries() []contracts.WALEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filterState(w.entries, contracts.WALDeadLetter)
}

// PendingCount reports how many entries are currently pending.
func (w *WAL) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(filterState(w.entries, contracts.WALPending))
}

func filterState(entries []contracts.WALEntry, state contracts.WALState) []contracts.WALEntry {
	var out []contracts.WALEntry
	for _, e := range entries {
		if e.State == state {
			out = append(out, e)
		}
	}
	return out
}

func (w *WAL) removeAckedLocked() {
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.State != contracts.WALAcked {
			kept = append(kept, e)
		} else if w.mirror != nil {
			_ = w.mirror.Remove(context.Background(), e.Sequence)
		}
	}
	w.entries = kept
}

// cleanupLocked discards dead-letter entries beyond the newest
// deadLetterKeep once the queue exceeds capacityThreshold. Pending
// entries are never dropped.
func (w *WAL) cleanupLocked() {
	if len(w.entries) <= capacityThreshold {
		return
	}

	var deadLetter, rest []contracts.WALEntry
	for _, e := range w.entries {
		if e.State == contracts.WALDeadLetter {
			deadLetter = append(deadLetter, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(deadLetter) <= deadLetterKeep {
		return
	}

	sort.Slice(deadLetter, func(i, j int) bool {
		return deadLetter[i].Sequence < deadLetter[j].Sequence
	})
	deadLetter = deadLetter[len(deadLetter)-deadLetterKeep:]

	merged := append(rest, deadLetter...)
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Sequence < merged[j].Sequence
	})
	w.entries = merged
}

// persistLocked writes the full in-memory queue to a sibling temp
// file, fsyncs it, renames it over the live path, then fsyncs the
// containing directory — so a crash mid-write can never shadow the
// last good log.
func (w *WAL) persistLocked() error {
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".wal-*.tmp")
	if err != nil {
		return fmt.Errorf("wal: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	writer := bufio.NewWriter(tmp)
	for _, e := range w.entries {
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: marshal entry: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: write entry: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: write newline: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: rename: %w", err)
	}

	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}

	return nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, item := range t {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
