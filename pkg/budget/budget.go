// Package budget implements an in-memory budget cache and guard: a
// cache hit decrements under a monitor and fails closed when cost
// exceeds remaining; a cache miss defers to the WAL and fails closed
// with budget_exceeded until the refresh lands. PostgresStore backs
// the authoritative upstream balance for deployments that want
// persistence beyond the WAL's eventual replay.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// Adapter performs the authoritative budget-service round trip.
type Adapter interface {
	CheckAndReserve(ctx context.Context, actionID string, cost int64) (remaining int64, err error)
}

// Enqueuer defers network work to the WAL.
type Enqueuer interface {
	Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (sequence uint64, err error)
}

// OnBudgetExceeded is fired whenever a check fails closed, carrying
// enough context for the caller to emit the dedicated budget_exceeded
// receipt before the error propagates.
type OnBudgetExceeded func(actionID string, cost, remaining int64)

// Guard caches remaining budget by action_id.
type Guard struct {
	adapter  Adapter
	enqueuer Enqueuer

	// DefaultDenyOnUnavailable controls ProcessWALEntry's behavior on
	// adapter failure during drain: true evicts the cache entry so
	// subsequent requests fail closed until it's refreshed again.
	DefaultDenyOnUnavailable bool
	OnExceeded               OnBudgetExceeded

	mu    sync.Mutex
	cache map[string]int64
}

// NewGuard builds a guard backed by adapter.
func NewGuard(adapter Adapter, enqueuer Enqueuer, defaultDenyOnUnavailable bool) *Guard {
	return &Guard{
		adapter:                  adapter,
		enqueuer:                 enqueuer,
		DefaultDenyOnUnavailable: defaultDenyOnUnavailable,
		cache:                    make(map[string]int64),
	}
}

// CheckResult is the outcome of a CheckBudget call.
type CheckResult struct {
	Allowed   bool
	Reason    string
	Remaining int64
}

// Preload seeds the cache for actionID — used by bootstrap-time
// warm-up and by tests.
func (g *Guard) Preload(actionID string, remaining int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[actionID] = remaining
}

// CheckBudget consults the cache for actionID under a single critical
// section: on a hit with cost <= remaining it decrements and returns
// allowed=true, reason=budget_available_cached; on a hit that would go
// negative it fails closed; on a miss it enqueues a WAL-deferred
// refresh (so the cache is populated before the next call) and fails
// closed. Every failure path fires OnExceeded before returning
// budget_exceeded.
func (g *Guard) CheckBudget(actionID string, cost int64) (CheckResult, error) {
	g.mu.Lock()
	remaining, hit := g.cache[actionID]
	if hit && cost <= remaining {
		remaining -= cost
		g.cache[actionID] = remaining
		g.mu.Unlock()
		return CheckResult{Allowed: true, Reason: "budget_available_cached", Remaining: remaining}, nil
	}
	g.mu.Unlock()

	if !hit {
		g.enqueueRefresh(actionID, cost)
	}

	if g.OnExceeded != nil {
		g.OnExceeded(actionID, cost, remaining)
	}
	return CheckResult{}, fmt.Errorf("%w: action %q requested %d, remaining %d", taxonomy.ErrBudgetExceeded, actionID, cost, remaining)
}

func (g *Guard) enqueueRefresh(actionID string, cost int64) {
	if g.enqueuer == nil {
		return
	}
	payload := map[string]interface{}{"action_id": actionID, "cost": cost}
	_, _ = g.enqueuer.Enqueue(payload, contracts.WALEntryBudgetCall)
}

// ProcessWALEntry is the drain callback for budget_call entries: it
// reconstructs the original request and calls the adapter. On
// success, it populates the cache with the authoritative remaining
// balance. On failure, DefaultDenyOnUnavailable controls whether the
// (now-stale or absent) cache entry is evicted, forcing subsequent
// requests to fail closed until the next successful refresh.
func (g *Guard) ProcessWALEntry(ctx context.Context, payload map[string]interface{}) error {
	actionID, _ := payload["action_id"].(string)
	cost, _ := toInt64(payload["cost"])

	remaining, err := g.adapter.CheckAndReserve(ctx, actionID, cost)
	if err != nil {
		if g.DefaultDenyOnUnavailable {
			g.mu.Lock()
			delete(g.cache, actionID)
			g.mu.Unlock()
		}
		return err
	}

	g.mu.Lock()
	g.cache[actionID] = remaining
	g.mu.Unlock()
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// PostgresStore persists budget balances beyond the WAL's eventual
// replay, for deployments that want a durable authoritative store
// instead of (or in addition to) an external budget service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB. The budgets table is
// expected to carry (action_id text primary key, remaining bigint,
// updated_at timestamptz).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the stored remaining balance for actionID, or
// (0, false, nil) if no row exists yet.
func (s *PostgresStore) Get(ctx context.Context, actionID string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT remaining FROM budgets WHERE action_id = $1", actionID)
	var remaining int64
	err := row.Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("budget: get %q: %w", actionID, err)
	}
	return remaining, true, nil
}

// Set upserts the remaining balance for actionID.
func (s *PostgresStore) Set(ctx context.Context, actionID string, remaining int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (action_id, remaining, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (action_id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			updated_at = EXCLUDED.updated_at
	`, actionID, remaining)
	if err != nil {
		return fmt.Errorf("budget: set %q: %w", actionID, err)
	}
	return nil
}
