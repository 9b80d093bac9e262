package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// IdentityAdapter implements identity.Adapter over the /iam/v1/*
// endpoints.
type IdentityAdapter struct {
	baseURL string
	client  *ResilientClient
}

// NewIdentityAdapter builds an identity adapter against baseURL.
func NewIdentityAdapter(baseURL string, cfg ClientConfig) *IdentityAdapter {
	cfg.BreakerName = "identity"
	return &IdentityAdapter{baseURL: baseURL, client: NewResilientClient(cfg)}
}

// Close releases the adapter's HTTP client resources.
func (a *IdentityAdapter) Close() { a.client.Close() }

type verifyRequest struct {
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ActorType string `json:"actor_type"`
}

type verifyResponse struct {
	ActorID string `json:"actor_id"`
}

type decisionRequest struct {
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
}

type decisionResponse struct {
	ProvenanceSignature  string   `json:"provenance_signature"`
	NormalizationVersion string   `json:"normalization_version"`
	Warnings             []string `json:"warnings"`
	SaltVersion          string   `json:"salt_version"`
	MonotonicCounter     uint64   `json:"monotonic_counter"`
}

// VerifyAndResolve calls POST /iam/v1/verify then POST /iam/v1/decision
// (action=get_provenance) and assembles the resolved ActorBlock.
func (a *IdentityAdapter) VerifyAndResolve(ctx context.Context, actor contracts.ActorContext) (contracts.ActorBlock, error) {
	verifyResp, err := a.verify(ctx, actor)
	if err != nil {
		return contracts.ActorBlock{}, err
	}
	decisionResp, err := a.provenance(ctx, verifyResp.ActorID)
	if err != nil {
		return contracts.ActorBlock{}, err
	}
	return contracts.ActorBlock{
		ActorID:              verifyResp.ActorID,
		ProvenanceSignature:  decisionResp.ProvenanceSignature,
		NormalizationVersion: decisionResp.NormalizationVersion,
		Warnings:             decisionResp.Warnings,
		SaltVersion:          decisionResp.SaltVersion,
		MonotonicCounter:     decisionResp.MonotonicCounter,
		SessionID:            actor.SessionID,
	}, nil
}

func (a *IdentityAdapter) verify(ctx context.Context, actor contracts.ActorContext) (verifyResponse, error) {
	var out verifyResponse
	err := a.postJSON(ctx, "/iam/v1/verify", verifyRequest{
		TenantID:  actor.TenantID,
		DeviceID:  actor.DeviceID,
		SessionID: actor.SessionID,
		UserID:    actor.UserID,
		ActorType: actor.ActorType,
	}, &out)
	return out, err
}

func (a *IdentityAdapter) provenance(ctx context.Context, actorID string) (decisionResponse, error) {
	var out decisionResponse
	err := a.postJSON(ctx, "/iam/v1/decision", decisionRequest{Action: "get_provenance", ActorID: actorID}, &out)
	return out, err
}

// Health calls GET /iam/v1/health.
func (a *IdentityAdapter) Health(ctx context.Context) bool {
	return checkHealth(ctx, a.client, a.baseURL+"/iam/v1/health")
}

func (a *IdentityAdapter) postJSON(ctx context.Context, path string, body, out interface{}) error {
	return postJSON(ctx, a.client, a.baseURL+path, body, out, taxonomy.ErrActorUnavailable)
}

// postJSON is the shared POST-then-decode helper every adapter in this
// package uses; non-2xx responses are folded into fallbackErr with the
// (capped, secret-stripped) upstream error body attached.
func postJSON(ctx context.Context, client *ResilientClient, url string, body, out interface{}, fallbackErr error) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", fallbackErr, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", fallbackErr, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", fallbackErr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: upstream status %d: %s", fallbackErr, resp.StatusCode, readErrorBody(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", fallbackErr, err)
	}
	return nil
}

func checkHealth(ctx context.Context, client *ResilientClient, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
