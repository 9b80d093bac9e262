package adapters

import (
	"context"

	"github.com/cccs-substrate/cccs/pkg/canonicalize"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// SigningAdapter implements receipt.Signer over a remote KMS's
// /kms/v1/* endpoints, for deployments that keep the
// Ed25519 private key in a managed KMS instead of in-process
// (pkg/signing.Signer).
type SigningAdapter struct {
	baseURL string
	client  *ResilientClient
	keyID   string
}

// NewSigningAdapter builds a KMS-backed signing adapter against
// baseURL, signing under keyID.
func NewSigningAdapter(baseURL, keyID string, cfg ClientConfig) *SigningAdapter {
	cfg.BreakerName = "kms"
	return &SigningAdapter{baseURL: baseURL, client: NewResilientClient(cfg), keyID: keyID}
}

// Close releases the adapter's HTTP client resources.
func (a *SigningAdapter) Close() { a.client.Close() }

type kmsSignRequest struct {
	KeyID string `json:"key_id"`
	Data  string `json:"data"`
}

type kmsSignResponse struct {
	Signature string `json:"signature"`
}

// SignValue canonicalizes v and asks the KMS to sign its canonical
// JSON, satisfying receipt.Signer.
func (a *SigningAdapter) SignValue(v interface{}) (string, error) {
	canon, err := canonicalize.JSON(v)
	if err != nil {
		return "", err
	}
	var out kmsSignResponse
	// context.Background is acceptable here: SignValue's interface
	// (shared with the in-process pkg/signing.Signer) has no ctx
	// parameter, and the adapter call is itself bounded by the
	// resilient client's own timeout.
	err = postJSON(context.Background(), a.client, a.baseURL+"/kms/v1/sign", kmsSignRequest{KeyID: a.keyID, Data: string(canon)}, &out, taxonomy.ErrReceiptSchemaError)
	if err != nil {
		return "", err
	}
	return out.Signature, nil
}

type kmsVerifyRequest struct {
	KeyID     string `json:"key_id"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

type kmsVerifyResponse struct {
	Valid bool `json:"valid"`
}

// Verify asks the KMS to verify data against sigHex under the
// adapter's key.
func (a *SigningAdapter) Verify(ctx context.Context, data []byte, sigHex string) (bool, error) {
	var out kmsVerifyResponse
	err := postJSON(ctx, a.client, a.baseURL+"/kms/v1/verify", kmsVerifyRequest{KeyID: a.keyID, Data: string(data), Signature: sigHex}, &out, taxonomy.ErrReceiptSchemaError)
	return out.Valid, err
}

// Health calls GET /kms/v1/health.
func (a *SigningAdapter) Health(ctx context.Context) bool {
	return checkHealth(ctx, a.client, a.baseURL+"/kms/v1/health")
}
