package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// BudgetAdapter implements budget.Adapter over /budget/v1/* and
// /rate-limit/v1/*. 429 and 403 always map to
// budget_exceeded; other non-2xx responses map to budget_exceeded only
// when DenyByDefault is set, otherwise to a generic check failure so
// the guard's ProcessWALEntry can decide whether to keep a stale cache
// entry.
type BudgetAdapter struct {
	baseURL       string
	client        *ResilientClient
	DenyByDefault bool
}

// NewBudgetAdapter builds a budget adapter against baseURL.
func NewBudgetAdapter(baseURL string, cfg ClientConfig, denyByDefault bool) *BudgetAdapter {
	cfg.BreakerName = "budget"
	return &BudgetAdapter{baseURL: baseURL, client: NewResilientClient(cfg), DenyByDefault: denyByDefault}
}

// Close releases the adapter's HTTP client resources.
func (a *BudgetAdapter) Close() { a.client.Close() }

type checkRequest struct {
	ActionID string `json:"action_id"`
	Cost     int64  `json:"cost"`
}

type checkResponse struct {
	Remaining int64 `json:"remaining"`
}

// CheckAndReserve calls POST /budget/v1/check.
func (a *BudgetAdapter) CheckAndReserve(ctx context.Context, actionID string, cost int64) (int64, error) {
	raw, err := json.Marshal(checkRequest{ActionID: actionID, Cost: cost})
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", taxonomy.ErrBudgetExceeded, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/budget/v1/check", bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", taxonomy.ErrBudgetExceeded, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", taxonomy.ErrBudgetExceeded, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		return 0, fmt.Errorf("%w: upstream denied with status %d", taxonomy.ErrBudgetExceeded, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := readErrorBody(resp.Body)
		if a.DenyByDefault {
			return 0, fmt.Errorf("%w: upstream status %d: %s", taxonomy.ErrBudgetExceeded, resp.StatusCode, msg)
		}
		return 0, fmt.Errorf("adapters: budget check failed with status %d: %s", resp.StatusCode, msg)
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", taxonomy.ErrBudgetExceeded, err)
	}
	return out.Remaining, nil
}

// CheckRateLimit calls POST /rate-limit/v1/check as a secondary gate
// alongside the balance check; a non-2xx also maps to budget_exceeded.
func (a *BudgetAdapter) CheckRateLimit(ctx context.Context, actionID string) error {
	return postJSON(ctx, a.client, a.baseURL+"/rate-limit/v1/check", checkRequest{ActionID: actionID}, nil, taxonomy.ErrBudgetExceeded)
}

// Health calls GET /budget/v1/health.
func (a *BudgetAdapter) Health(ctx context.Context) bool {
	return checkHealth(ctx, a.client, a.baseURL+"/budget/v1/health")
}
