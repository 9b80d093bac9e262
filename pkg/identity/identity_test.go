package identity

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

type fakeAdapter struct {
	block contracts.ActorBlock
	err   error
	calls int
}

func (f *fakeAdapter) VerifyAndResolve(ctx context.Context, actor contracts.ActorContext) (contracts.ActorBlock, error) {
	f.calls++
	if f.err != nil {
		return contracts.ActorBlock{}, f.err
	}
	return f.block, nil
}

type fakeEnqueuer struct {
	entries []map[string]interface{}
}

func (f *fakeEnqueuer) Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (uint64, error) {
	f.entries = append(f.entries, payload)
	return uint64(len(f.entries)), nil
}

func testActor() contracts.ActorContext {
	return contracts.ActorContext{
		TenantID:  "t1",
		DeviceID:  "d1",
		SessionID: "s1",
		UserID:    "u1",
		ActorType: "human",
		Timestamp: time.Now(),
	}
}

func TestResolve_CacheMissNoBypassEnqueuesAndFails(t *testing.T) {
	adapter := &fakeAdapter{}
	enq := &fakeEnqueuer{}
	r := NewResolver(adapter, enq, true)

	_, err := r.Resolve(context.Background(), testActor(), false)
	if !errors.Is(err, taxonomy.ErrActorUnavailable) {
		t.Fatalf("expected ErrActorUnavailable, got %v", err)
	}
	if len(enq.entries) != 1 {
		t.Fatalf("expected one enqueued refresh, got %d", len(enq.entries))
	}
	if adapter.calls != 0 {
		t.Fatal("expected no synchronous adapter call on a non-bypass miss")
	}
}

func TestResolve_CacheMissWithBypassCallsAdapterAndCaches(t *testing.T) {
	adapter := &fakeAdapter{block: contracts.ActorBlock{ActorID: "a1", SessionID: "s1"}}
	r := NewResolver(adapter, nil, true)

	block, err := r.Resolve(context.Background(), testActor(), true)
	if err != nil {
		t.Fatal(err)
	}
	if block.ActorID != "a1" {
		t.Fatalf("expected resolved actor_id a1, got %s", block.ActorID)
	}

	// Second call should hit cache, not the adapter again.
	if _, err := r.Resolve(context.Background(), testActor(), false); err != nil {
		t.Fatal(err)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected exactly one adapter call across both resolves, got %d", adapter.calls)
	}
}

func TestResolve_SessionMismatchQueuesRefreshButReturnsCached(t *testing.T) {
	adapter := &fakeAdapter{block: contracts.ActorBlock{ActorID: "a1", SessionID: "s1"}}
	enq := &fakeEnqueuer{}
	r := NewResolver(adapter, enq, true)

	if _, err := r.Resolve(context.Background(), testActor(), true); err != nil {
		t.Fatal(err)
	}

	newSessionActor := testActor()
	newSessionActor.SessionID = "s2"
	block, err := r.Resolve(context.Background(), newSessionActor, false)
	if err != nil {
		t.Fatal(err)
	}
	if block.SessionID != "s1" {
		t.Fatalf("expected stale cached block returned immediately, got session %s", block.SessionID)
	}
	if len(enq.entries) != 1 {
		t.Fatalf("expected a re-resolution to be queued, got %d entries", len(enq.entries))
	}
}

func TestResolve_InvalidActorContext(t *testing.T) {
	r := NewResolver(&fakeAdapter{}, nil, true)
	_, err := r.Resolve(context.Background(), contracts.ActorContext{}, true)
	if !errors.Is(err, taxonomy.ErrActorUnavailable) {
		t.Fatalf("expected ErrActorUnavailable for incomplete context, got %v", err)
	}
}

func TestProcessWALEntry_FallbackDropsOnFailure(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("adapter down")}
	r := NewResolver(adapter, nil, true)

	payload, err := actorToPayload(testActor())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ProcessWALEntry(context.Background(), payload); err != nil {
		t.Fatalf("expected fallback to drop the failure silently, got %v", err)
	}
}

func TestProcessWALEntry_NoFallbackPropagatesFailure(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("adapter down")}
	r := NewResolver(adapter, nil, false)

	payload, err := actorToPayload(testActor())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ProcessWALEntry(context.Background(), payload); err == nil {
		t.Fatal("expected failure to propagate when fallback is disabled")
	}
}

func TestProcessWALEntry_SuccessPopulatesCache(t *testing.T) {
	adapter := &fakeAdapter{block: contracts.ActorBlock{ActorID: "a1", SessionID: "s1"}}
	r := NewResolver(adapter, nil, true)

	payload, err := actorToPayload(testActor())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ProcessWALEntry(context.Background(), payload); err != nil {
		t.Fatal(err)
	}

	block, err := r.Resolve(context.Background(), testActor(), false)
	if err != nil {
		t.Fatal(err)
	}
	if block.ActorID != "a1" {
		t.Fatalf("expected cache to be populated by the drained entry, got %+v", block)
	}
}

func TestMemCache_GetSetRoundTrip(t *testing.T) {
	c := newMemCache()
	ctx := context.Background()

	if _, hit := c.Get(ctx, "missing"); hit {
		t.Fatal("expected miss on empty cache")
	}

	want := contracts.ActorBlock{ActorID: "a1", SessionID: "s1"}
	c.Set(ctx, "key", want)

	got, hit := c.Get(ctx, "key")
	if !hit {
		t.Fatal("expected hit after Set")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestNewResolverWithCache_UsesSuppliedCache(t *testing.T) {
	adapter := &fakeAdapter{block: contracts.ActorBlock{ActorID: "a1", SessionID: "s1"}}
	cache := newMemCache()
	cache.Set(context.Background(), testActor().CacheKey(), contracts.ActorBlock{ActorID: "preloaded", SessionID: "s1"})

	r := NewResolverWithCache(adapter, nil, true, cache)

	block, err := r.Resolve(context.Background(), testActor(), false)
	if err != nil {
		t.Fatal(err)
	}
	if block.ActorID != "preloaded" {
		t.Fatalf("expected resolver to read through the supplied cache, got %+v", block)
	}
}
