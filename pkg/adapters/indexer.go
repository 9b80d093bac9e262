package adapters

import (
	"context"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// IndexerAdapter implements receipt.IndexerAdapter over
// /evidence/v1/*. Shipping is always best-effort from the
// receipt builder's perspective — a failure here never blocks
// issuance, since durability already comes from the journal fsync.
type IndexerAdapter struct {
	baseURL string
	client  *ResilientClient
}

// NewIndexerAdapter builds a receipt-indexer adapter against baseURL.
func NewIndexerAdapter(baseURL string, cfg ClientConfig) *IndexerAdapter {
	cfg.BreakerName = "indexer"
	return &IndexerAdapter{baseURL: baseURL, client: NewResilientClient(cfg)}
}

// Close releases the adapter's HTTP client resources.
func (a *IndexerAdapter) Close() { a.client.Close() }

// Ship calls POST /evidence/v1/receipts with the receipt envelope.
func (a *IndexerAdapter) Ship(ctx context.Context, r contracts.Receipt) error {
	return postJSON(ctx, a.client, a.baseURL+"/evidence/v1/receipts", r, nil, taxonomy.ErrReceiptSchemaError)
}

type merkleProofRequest struct {
	ReceiptID string `json:"receipt_id"`
}

type merkleProofResponse struct {
	Proof []string `json:"proof"`
	Root  string   `json:"root"`
}

// MerkleProof calls POST /evidence/v1/merkle-proof for receiptID.
func (a *IndexerAdapter) MerkleProof(ctx context.Context, receiptID string) ([]string, string, error) {
	var out merkleProofResponse
	err := postJSON(ctx, a.client, a.baseURL+"/evidence/v1/merkle-proof", merkleProofRequest{ReceiptID: receiptID}, &out, taxonomy.ErrReceiptSchemaError)
	return out.Proof, out.Root, err
}

// Health calls GET /evidence/v1/health.
func (a *IndexerAdapter) Health(ctx context.Context) bool {
	return checkHealth(ctx, a.client, a.baseURL+"/evidence/v1/health")
}
