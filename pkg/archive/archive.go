// Package archive provides optional cold-storage mirroring for
// delivered and dead-lettered receipts, an ambient convenience
// alongside pkg/courier. It never sits on the synchronous request
// path: the journal fsync in pkg/receipt is the durability source of
// truth, and archival here is best-effort, the same
// durability-already-guaranteed shape used for the evidence indexer
// adapter.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/wal"
)

// Store persists content-addressed blobs to cold storage. A deployment
// wires exactly one backend — S3 or GCS — never both.
type Store interface {
	// Store writes data and returns its "sha256:<hex>" content hash.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data previously written under hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether hash is already present.
	Exists(ctx context.Context, hash string) (bool, error)
}

// hashKey computes the "sha256:<hex>" content hash used as the archive
// key, matching the scheme both backends store blobs under.
func hashKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// blobName returns the "<hex>.blob" filename/key suffix for hash; each
// backend joins it with its own prefix (an S3/GCS key prefix or a
// filesystem directory).
func blobName(hash string) (string, error) {
	const want = "sha256:"
	if len(hash) < len(want) || hash[:len(want)] != want {
		return "", fmt.Errorf("archive: invalid hash format: %s", hash)
	}
	return hash[len(want):] + ".blob", nil
}

// Mirror wraps a Store and exposes it as the WAL sink/emitter shapes
// pkg/courier wires into a DrainWorker, so delivered receipts and
// dead-letter descriptors can be mirrored to cold storage without the
// drain worker knowing anything about S3 or GCS.
type Mirror struct {
	store Store
}

// NewMirror builds a Mirror over an already-constructed Store.
func NewMirror(store Store) *Mirror {
	return &Mirror{store: store}
}

// ReceiptSink is a callback suitable for
// courier.DefaultSinkConfig.ReceiptSink: it archives the receipt
// payload and always reports delivery as successful, since a failed
// mirror write must never turn into a dead-lettered receipt that's
// already durable in the journal.
func (m *Mirror) ReceiptSink(payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	_, _ = m.store.Store(context.Background(), raw)
	return nil
}

// DeadLetterEmitter returns a wal.DeadLetterEmitter that additionally
// mirrors every dead-lettered entry to cold storage for later
// operator inspection, alongside whatever other emitter the caller
// already has wired (chain them, don't replace).
func (m *Mirror) DeadLetterEmitter() wal.DeadLetterEmitter {
	return func(d contracts.DeadLetterDescriptor) {
		raw, err := json.Marshal(d)
		if err != nil {
			return
		}
		_, _ = m.store.Store(context.Background(), raw)
	}
}

// Fetch retrieves a previously archived blob by content hash and
// decodes it into v.
func (m *Mirror) Fetch(ctx context.Context, hash string, v interface{}) error {
	raw, err := m.store.Get(ctx, hash)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
