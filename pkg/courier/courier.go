// Package courier is the thin WAL wrapper the orchestrator hands
// receipts to once they're journaled: enqueue appends with a fresh
// batch id, and the background drain worker periodically calls Drain
// to deliver whatever is pending.
package courier

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/wal"
)

// Courier enqueues onto and drains from a single WAL queue.
type Courier struct {
	w *wal.WAL
}

// New wraps an already-open WAL.
func New(w *wal.WAL) *Courier {
	return &Courier{w: w}
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	CourierBatchID string
	Sequence       uint64
}

// Enqueue appends payload to the WAL under a freshly generated batch
// id, tagging it with entryType so the drain sink can dispatch it
// later.
func (c *Courier) Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (EnqueueResult, error) {
	seq, err := c.w.Append(payload, entryType)
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{CourierBatchID: uuid.NewString(), Sequence: seq}, nil
}

// Drain forwards to the underlying WAL and reports the sequences that
// were successfully acked.
func (c *Courier) Drain(sink wal.Sink, emitter wal.DeadLetterEmitter) ([]uint64, error) {
	return c.w.Drain(sink, emitter)
}

// DrainWorker is the single long-running background task that
// repeatedly drains a Courier until told to stop. It
// wakes every 1s when nothing was drained, and observes a stop signal
// so bootstrap/shutdown can interrupt a pending wait promptly.
type DrainWorker struct {
	courier *Courier
	sink    wal.Sink
	emitter wal.DeadLetterEmitter

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewDrainWorker constructs a worker bound to courier, sink, and an
// optional dead-letter emitter.
func NewDrainWorker(c *Courier, sink wal.Sink, emitter wal.DeadLetterEmitter) *DrainWorker {
	return &DrainWorker{
		courier: c,
		sink:    sink,
		emitter: emitter,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run loops draining the courier until Stop is called. Call it in its
// own goroutine; it blocks until the stop signal fires.
func (dw *DrainWorker) Run() {
	defer close(dw.done)
	for {
		select {
		case <-dw.stop:
			return
		default:
		}

		acked, err := dw.courier.Drain(dw.sink, dw.emitter)
		if err != nil {
			slog.Error("drain worker: unexpected error", "error", err)
			dw.emitSelfFailure(err)
		}

		if len(acked) == 0 && err == nil {
			select {
			case <-dw.stop:
				return
			case <-time.After(1 * time.Second):
			}
		}
	}
}

// emitSelfFailure synthesizes a dead-letter descriptor for a drain
// failure that happened outside any single entry's sink call (e.g. the
// WAL itself failed to persist), so nothing about a failed drain pass
// is silently dropped.
func (dw *DrainWorker) emitSelfFailure(err error) {
	if dw.emitter == nil {
		return
	}
	dw.emitter(contracts.DeadLetterDescriptor{
		ReceiptType: "dead_letter",
		EntryType:   "drain_worker",
		Error:       err.Error(),
		Timestamp:   time.Now().UnixMilli(),
	})
}

// Stop signals the worker to exit and blocks until it does.
func (dw *DrainWorker) Stop() {
	dw.once.Do(func() { close(dw.stop) })
	<-dw.done
}

// DefaultSinkConfig wires the deferred-work callbacks the default sink
// dispatches to by WAL entry_type: identity_call and
// budget_call re-invoke the respective adapter, receipt is handed to
// an external sink (e.g. the evidence indexer) or simply dropped
// (already durable in the journal) when ReceiptSink is nil.
type DefaultSinkConfig struct {
	IdentityCall func(payload map[string]interface{}) error
	BudgetCall   func(payload map[string]interface{}) error
	ReceiptSink  func(payload map[string]interface{}) error
}

// BuildDefaultSink returns a wal.Sink that dispatches payload delivery
// to the configured callback matching the entry's declared type.
// Entry types with no configured callback are treated as delivered.
func BuildDefaultSink(cfg DefaultSinkConfig) wal.Sink {
	return func(payload map[string]interface{}, entryType contracts.WALEntryType) error {
		switch entryType {
		case contracts.WALEntryIdentityCall:
			if cfg.IdentityCall != nil {
				return cfg.IdentityCall(payload)
			}
		case contracts.WALEntryBudgetCall:
			if cfg.BudgetCall != nil {
				return cfg.BudgetCall(payload)
			}
		case contracts.WALEntryReceipt:
			if cfg.ReceiptSink != nil {
				return cfg.ReceiptSink(payload)
			}
		}
		return nil
	}
}
