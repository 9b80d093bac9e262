package budget

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

type fakeAdapter struct {
	remaining int64
	err       error
	calls     int
}

func (f *fakeAdapter) CheckAndReserve(ctx context.Context, actionID string, cost int64) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.remaining, nil
}

type fakeEnqueuer struct {
	entries []map[string]interface{}
}

func (f *fakeEnqueuer) Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (uint64, error) {
	f.entries = append(f.entries, payload)
	return uint64(len(f.entries)), nil
}

func TestCheckBudget_CacheHitWithinBudget(t *testing.T) {
	g := NewGuard(&fakeAdapter{}, nil, false)
	g.Preload("ingest", 10)

	res, err := g.CheckBudget("ingest", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "budget_available_cached", res.Reason)
	assert.Equal(t, int64(7), res.Remaining)
}

func TestCheckBudget_CacheHitExceedsBudget(t *testing.T) {
	g := NewGuard(&fakeAdapter{}, nil, false)
	g.Preload("ingest", 1)

	var exceededCost, exceededRemaining int64
	g.OnExceeded = func(actionID string, cost, remaining int64) {
		exceededCost, exceededRemaining = cost, remaining
	}

	_, err := g.CheckBudget("ingest", 5)
	if !errors.Is(err, taxonomy.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	assert.Equal(t, int64(5), exceededCost)
	assert.Equal(t, int64(1), exceededRemaining)
}

func TestCheckBudget_CacheMissEnqueuesRefreshAndFailsClosed(t *testing.T) {
	enq := &fakeEnqueuer{}
	g := NewGuard(&fakeAdapter{}, enq, false)

	_, err := g.CheckBudget("unknown-action", 1)
	if !errors.Is(err, taxonomy.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	assert.Len(t, enq.entries, 1)
}

func TestProcessWALEntry_SuccessPopulatesCache(t *testing.T) {
	adapter := &fakeAdapter{remaining: 42}
	g := NewGuard(adapter, nil, false)

	err := g.ProcessWALEntry(context.Background(), map[string]interface{}{"action_id": "ingest", "cost": int64(1)})
	require.NoError(t, err)

	res, err := g.CheckBudget("ingest", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(41), res.Remaining)
}

func TestProcessWALEntry_DenyByDefaultEvictsCacheOnFailure(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("upstream down")}
	g := NewGuard(adapter, nil, true)
	g.Preload("ingest", 100)

	err := g.ProcessWALEntry(context.Background(), map[string]interface{}{"action_id": "ingest", "cost": int64(1)})
	assert.Error(t, err)

	_, err = g.CheckBudget("ingest", 1)
	if !errors.Is(err, taxonomy.ErrBudgetExceeded) {
		t.Fatalf("expected eviction to force fail-closed, got %v", err)
	}
}

func TestProcessWALEntry_FallbackKeepsStaleCacheOnFailure(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("upstream down")}
	g := NewGuard(adapter, nil, false)
	g.Preload("ingest", 100)

	err := g.ProcessWALEntry(context.Background(), map[string]interface{}{"action_id": "ingest", "cost": int64(1)})
	assert.Error(t, err)

	res, err := g.CheckBudget("ingest", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPostgresStore_GetAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"remaining"}).AddRow(int64(17))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT remaining FROM budgets WHERE action_id = $1")).
		WithArgs("ingest").
		WillReturnRows(rows)

	remaining, ok, err := store.Get(ctx, "ingest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(17), remaining)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budgets")).
		WithArgs("ingest", int64(16)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Set(ctx, "ingest", 16)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT remaining FROM budgets WHERE action_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}))

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
