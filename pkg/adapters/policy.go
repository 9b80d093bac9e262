package adapters

import (
	"context"

	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// PolicyAdapter talks to the policy publisher. The core
// evaluator runs entirely offline; this adapter only covers the
// optional online paths: pushing inputs for a hosted evaluation,
// asking the publisher to re-validate a snapshot signature, and
// negotiating the publisher's protocol version against the runtime's.
type PolicyAdapter struct {
	baseURL string
	client  *ResilientClient
}

// NewPolicyAdapter builds a policy publisher adapter against baseURL.
func NewPolicyAdapter(baseURL string, cfg ClientConfig) *PolicyAdapter {
	cfg.BreakerName = "policy"
	return &PolicyAdapter{baseURL: baseURL, client: NewResilientClient(cfg)}
}

// Close releases the adapter's HTTP client resources.
func (a *PolicyAdapter) Close() { a.client.Close() }

type evaluateRequest struct {
	ModuleID string                 `json:"module_id"`
	Inputs   map[string]interface{} `json:"inputs"`
}

type evaluateResponse struct {
	RuleID    string `json:"rule_id"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// Evaluate calls POST /policy/v1/evaluate — an optional hosted
// evaluation path, never on the request's critical path (the
// orchestrator always has an offline evaluator available).
func (a *PolicyAdapter) Evaluate(ctx context.Context, moduleID string, inputs map[string]interface{}) (evaluateResponse, error) {
	var out evaluateResponse
	err := postJSON(ctx, a.client, a.baseURL+"/policy/v1/evaluate", evaluateRequest{ModuleID: moduleID, Inputs: inputs}, &out, taxonomy.ErrPolicyUnavailable)
	return out, err
}

type validateSignatureRequest struct {
	Payload   interface{} `json:"payload"`
	Signature string      `json:"signature"`
}

// ValidateSignature calls POST /policy/v1/validate-signature as a
// second opinion alongside the local HMAC check.
func (a *PolicyAdapter) ValidateSignature(ctx context.Context, payload interface{}, signature string) error {
	return postJSON(ctx, a.client, a.baseURL+"/policy/v1/validate-signature", validateSignatureRequest{Payload: payload, Signature: signature}, nil, taxonomy.ErrPolicyUnavailable)
}

type negotiateVersionRequest struct {
	RuntimeVersion string `json:"runtime_version"`
}

type negotiateVersionResponse struct {
	Compatible bool `json:"compatible"`
}

// NegotiateVersion calls POST /policy/v1/negotiate-version.
func (a *PolicyAdapter) NegotiateVersion(ctx context.Context, runtimeVersion string) (bool, error) {
	var out negotiateVersionResponse
	err := postJSON(ctx, a.client, a.baseURL+"/policy/v1/negotiate-version", negotiateVersionRequest{RuntimeVersion: runtimeVersion}, &out, taxonomy.ErrVersionMismatch)
	return out.Compatible, err
}

// Health calls GET /policy/v1/health.
func (a *PolicyAdapter) Health(ctx context.Context) bool {
	return checkHealth(ctx, a.client, a.baseURL+"/policy/v1/health")
}
