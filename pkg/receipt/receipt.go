// Package receipt builds, signs, journals and ships the canonical
// receipt envelope for every gated action. Construction
// is a fixed pipeline: assemble the envelope from deep-copied inputs,
// run before_sign hooks, sign, validate, run before_flush hooks,
// journal with fsync, hand off to the courier, and best-effort ship to
// an indexer. Durability is guaranteed at the journal write — the
// indexer ship is advisory only.
package receipt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/courier"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// dedupHighWaterMark bounds the in-memory receipt_id collision-detection
// set; once exceeded, the oldest half is dropped rather than letting the
// set grow without bound for a long-lived process.
const dedupHighWaterMark = 100000

// Hook mutates an in-flight envelope. before_sign hooks run before the
// signature is computed (so the signature covers their mutations);
// before_flush hooks run after signing but before the journal write.
// Hooks must not perform I/O.
type Hook func(r *contracts.Receipt)

// CourierEnqueuer is the narrow courier surface the builder needs.
type CourierEnqueuer interface {
	Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (courier.EnqueueResult, error)
}

// Signer signs the canonicalized envelope and returns a hex signature.
type Signer interface {
	SignValue(v interface{}) (string, error)
}

// IndexerAdapter is the best-effort receipt-indexer round trip. Its
// failure never blocks or fails receipt issuance.
type IndexerAdapter interface {
	Ship(ctx context.Context, r contracts.Receipt) error
}

// Clock supplies both wall-clock and monotonic timestamps so tests can
// substitute a deterministic one.
type Clock interface {
	Now() time.Time
	MonotonicMs() int64
}

// SystemClock is the default Clock, backed by time.Now and the time
// elapsed since NewSystemClock was called for the monotonic component.
type SystemClock struct{ start time.Time }

// NewSystemClock returns a Clock anchored at construction time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Time { return time.Now().UTC() }
func (c *SystemClock) MonotonicMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// Input is everything the orchestrator has assembled by the time a
// receipt is due.
type Input struct {
	GateID          string
	PolicyVersionIDs []string
	SnapshotHash    string
	Inputs          map[string]interface{}
	Result          interface{}
	Decision        contracts.DecisionBlock
	Actor           contracts.ActorBlock
	Degraded        bool
	Trace           *contracts.TraceContext
	Annotations     map[string]interface{}
}

// BuildResult is returned by Build on success.
type BuildResult struct {
	ReceiptID      string
	CourierBatchID string
	FsyncOffset    uint64
}

// Builder owns the journal file, the signer, the courier handoff and
// the hook chains. One Builder per runtime instance; the journal file
// is opened per instance, matching the WAL's no-singleton policy.
type Builder struct {
	clock    Clock
	signer   Signer
	courier  CourierEnqueuer
	indexer  IndexerAdapter
	schema   *jsonschema.Schema

	beforeSign  []Hook
	beforeFlush []Hook

	journalPath string

	mu          sync.Mutex
	seen        map[string]struct{}
	seenOrder   []string
	fsyncOffset uint64
}

// Config configures a Builder. Indexer may be nil (the ship step is
// then skipped entirely, not merely failed).
type Config struct {
	JournalPath string
	Clock       Clock
	Signer      Signer
	Courier     CourierEnqueuer
	Indexer     IndexerAdapter
	Schema      *jsonschema.Schema
}

// NewBuilder opens (or creates) the journal file at cfg.JournalPath and
// returns a ready Builder. A nil Clock defaults to SystemClock.
func NewBuilder(cfg Config) (*Builder, error) {
	f, err := os.OpenFile(cfg.JournalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("receipt: open journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("receipt: open journal: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}

	return &Builder{
		clock:       clock,
		signer:      cfg.Signer,
		courier:     cfg.Courier,
		indexer:     cfg.Indexer,
		schema:      cfg.Schema,
		journalPath: cfg.JournalPath,
		seen:        make(map[string]struct{}),
	}, nil
}

// RegisterBeforeSign appends a hook to the before_sign chain, run in
// registration order.
func (b *Builder) RegisterBeforeSign(h Hook) {
	b.beforeSign = append(b.beforeSign, h)
}

// RegisterBeforeFlush appends a hook to the before_flush chain, run in
// registration order.
func (b *Builder) RegisterBeforeFlush(h Hook) {
	b.beforeFlush = append(b.beforeFlush, h)
}

// Build runs the full construction pipeline.
func (b *Builder) Build(ctx context.Context, in Input) (BuildResult, error) {
	r := contracts.Receipt{
		ReceiptID:            b.nextReceiptID(),
		GateID:               in.GateID,
		PolicyVersionIDs:     append([]string(nil), in.PolicyVersionIDs...),
		SnapshotHash:         in.SnapshotHash,
		TimestampUTC:         b.clock.Now(),
		TimestampMonotonicMs: b.clock.MonotonicMs(),
		Inputs:               deepCopyMap(in.Inputs),
		Decision:             in.Decision,
		Result:               deepCopyValue(in.Result),
		Actor:                in.Actor,
		Degraded:             in.Degraded,
		Annotations:          deepCopyMap(in.Annotations),
		Trace:                in.Trace,
	}

	for _, h := range b.beforeSign {
		h(&r)
	}

	sig, err := b.signer.SignValue(r)
	if err != nil {
		return BuildResult{}, fmt.Errorf("receipt: sign: %w", err)
	}
	r.Signature = sig

	if err := b.validateSchema(&r); err != nil {
		return BuildResult{}, err
	}

	for _, h := range b.beforeFlush {
		h(&r)
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return BuildResult{}, fmt.Errorf("%w: %v", taxonomy.ErrReceiptSchemaError, err)
	}
	if len(raw) > contracts.MaxPayloadBytes {
		return BuildResult{}, fmt.Errorf("%w: %w: receipt %s is %d bytes", taxonomy.ErrReceiptSchemaError, contracts.ErrPayloadTooLarge, r.ReceiptID, len(raw))
	}

	offset, err := b.appendJournal(raw)
	if err != nil {
		return BuildResult{}, err
	}

	var batchID string
	if b.courier != nil {
		payload, err := receiptToPayload(r)
		if err == nil {
			batch, err := b.courier.Enqueue(payload, contracts.WALEntryReceipt)
			if err == nil {
				batchID = batch.CourierBatchID
			}
		}
	}

	if b.indexer != nil {
		// Best-effort: failure never raises. A production wiring would
		// mark the courier entry pending_sync here; the courier/WAL
		// already carries that state machine, so a shipping failure
		// simply leaves the enqueued entry to be retried by the drain
		// worker on its next pass.
		_ = b.indexer.Ship(ctx, r)
	}

	return BuildResult{ReceiptID: r.ReceiptID, CourierBatchID: batchID, FsyncOffset: offset}, nil
}

// nextReceiptID generates a UUID and regenerates on the astronomically
// rare collision against the in-memory dedup set.
func (b *Builder) nextReceiptID() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		id := uuid.NewString()
		if _, exists := b.seen[id]; !exists {
			b.recordSeenLocked(id)
			return id
		}
	}
}

func (b *Builder) recordSeenLocked(id string) {
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)
	if len(b.seenOrder) > dedupHighWaterMark {
		drop := b.seenOrder[:len(b.seenOrder)/2]
		for _, d := range drop {
			delete(b.seen, d)
		}
		b.seenOrder = append([]string(nil), b.seenOrder[len(b.seenOrder)/2:]...)
	}
}

func (b *Builder) validateSchema(r *contracts.Receipt) error {
	if !r.RequiredFieldsPresent() {
		return fmt.Errorf("%w: required field missing or invalid decision status", taxonomy.ErrReceiptSchemaError)
	}
	if b.schema == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrReceiptSchemaError, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrReceiptSchemaError, err)
	}
	if err := b.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrReceiptSchemaError, err)
	}
	return nil
}

// appendJournal writes one newline-terminated JSON line, flushes and
// fsyncs, and returns the new in-process fsync offset. The offset
// counter is purely observational (reported to the caller); durability
// comes from the fsync itself, not from the counter.
func (b *Builder) appendJournal(line []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.journalPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return 0, fmt.Errorf("receipt: open journal for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(line); err != nil {
		return 0, fmt.Errorf("receipt: journal write: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return 0, fmt.Errorf("receipt: journal write: %w", err)
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("receipt: journal flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("receipt: journal fsync: %w", err)
	}

	b.fsyncOffset++
	return b.fsyncOffset, nil
}

// LoadSchema compiles a JSON Schema document from raw bytes for use as
// Config.Schema.
func LoadSchema(schemaURL string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("receipt: add schema resource: %w", err)
	}
	return c.Compile(schemaURL)
}

func receiptToPayload(r contracts.Receipt) (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
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
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return t
	}
}
