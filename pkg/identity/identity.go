// Package identity resolves an ActorContext into a cached, verified
// ActorBlock. The request path only ever consults the
// cache: a miss while the runtime is not yet "dependencies ready"
// enqueues a WAL-deferred refresh and fails closed with
// actor_unavailable; an explicit cache-bypass call performs the
// adapter round trip synchronously and populates the cache for next
// time.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// Adapter performs the actual identity-service round trip. Production
// wiring points this at the /iam/v1/verify and /iam/v1/decision
// endpoints (pkg/adapters); tests supply a fake.
type Adapter interface {
	VerifyAndResolve(ctx context.Context, actor contracts.ActorContext) (contracts.ActorBlock, error)
}

// Enqueuer defers network work to the WAL for the background drain
// worker to perform later. It is the identity/budget-call half of
// pkg/courier.Courier.Enqueue, narrowed to the one method this
// package needs.
type Enqueuer interface {
	Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (sequence uint64, err error)
}

// Cache stores resolved ActorBlocks keyed by
// contracts.ActorContext.CacheKey(). NewResolver's default is an
// in-process map, adequate for a single instance; NewResolverWithCache
// accepts NewRedisCache so a fleet of edge-node replicas shares one
// cache and keeps serving the same degraded-but-cached identities
// during an upstream outage no matter which replica a request lands
// on.
type Cache interface {
	Get(ctx context.Context, key string) (contracts.ActorBlock, bool)
	Set(ctx context.Context, key string, block contracts.ActorBlock)
}

// memCache is the default in-process Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]contracts.ActorBlock
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]contracts.ActorBlock)}
}

func (c *memCache) Get(_ context.Context, key string) (contracts.ActorBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.entries[key]
	return block, ok
}

func (c *memCache) Set(_ context.Context, key string, block contracts.ActorBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = block
}

// Resolver caches ActorBlocks by (tenant, user, device).
type Resolver struct {
	adapter  Adapter
	enqueuer Enqueuer
	cache    Cache

	// FallbackEnabled controls ProcessWALEntry's behavior on adapter
	// failure during drain: true drops the refresh silently, false
	// propagates the error so the WAL marks the entry dead_letter.
	FallbackEnabled bool
}

// NewResolver builds a resolver backed by adapter and an in-process
// cache. enqueuer may be nil only if the caller never calls Resolve
// with cacheBypass=false on a cache miss (i.e. always runs in
// dependency-healthy mode).
func NewResolver(adapter Adapter, enqueuer Enqueuer, fallbackEnabled bool) *Resolver {
	return NewResolverWithCache(adapter, enqueuer, fallbackEnabled, newMemCache())
}

// NewResolverWithCache builds a resolver over an explicit Cache
// implementation, e.g. NewRedisCache for a shared edge-node fleet.
func NewResolverWithCache(adapter Adapter, enqueuer Enqueuer, fallbackEnabled bool, cache Cache) *Resolver {
	return &Resolver{
		adapter:         adapter,
		enqueuer:        enqueuer,
		FallbackEnabled: fallbackEnabled,
		cache:           cache,
	}
}

// normalizeActor applies Unicode NFC normalization to the identity
// fields before they're used as a cache key or sent to the adapter, so
// two byte-distinct-but-canonically-equal representations of the same
// identifier always hit the same cache entry.
func normalizeActor(a contracts.ActorContext) contracts.ActorContext {
	a.TenantID = norm.NFC.String(a.TenantID)
	a.DeviceID = norm.NFC.String(a.DeviceID)
	a.SessionID = norm.NFC.String(a.SessionID)
	a.UserID = norm.NFC.String(a.UserID)
	return a
}

// Resolve looks up actorCtx in the cache. On a cache hit whose
// session id differs from actorCtx's, a re-resolution is queued
// without blocking the request (the stale cached block is still
// returned this call). On a cache miss: if cacheBypass is false (the
// runtime is not yet dependencies-ready), a refresh is enqueued and
// actor_unavailable is raised; if cacheBypass is true, the adapter is
// called synchronously and the result populates the cache.
func (r *Resolver) Resolve(ctx context.Context, actorCtx contracts.ActorContext, cacheBypass bool) (contracts.ActorBlock, error) {
	if err := actorCtx.Validate(); err != nil {
		return contracts.ActorBlock{}, fmt.Errorf("%w: %v", taxonomy.ErrActorUnavailable, err)
	}
	actorCtx = normalizeActor(actorCtx.DeepCopy())
	key := actorCtx.CacheKey()

	cached, hit := r.cache.Get(ctx, key)

	if hit {
		if cached.SessionID != actorCtx.SessionID {
			r.enqueueRefresh(actorCtx)
		}
		return cached.DeepCopy(), nil
	}

	if !cacheBypass {
		r.enqueueRefresh(actorCtx)
		return contracts.ActorBlock{}, fmt.Errorf("%w: no cached identity for %q", taxonomy.ErrActorUnavailable, key)
	}

	block, err := r.adapter.VerifyAndResolve(ctx, actorCtx)
	if err != nil {
		return contracts.ActorBlock{}, fmt.Errorf("%w: %v", taxonomy.ErrActorUnavailable, err)
	}

	r.cache.Set(ctx, key, block)

	return block.DeepCopy(), nil
}

func (r *Resolver) enqueueRefresh(actorCtx contracts.ActorContext) {
	if r.enqueuer == nil {
		return
	}
	payload, err := actorToPayload(actorCtx)
	if err != nil {
		return
	}
	_, _ = r.enqueuer.Enqueue(payload, contracts.WALEntryIdentityCall)
}

// ProcessWALEntry is the drain callback for identity_call entries: it
// reconstructs the original actor context and calls the adapter. On
// success it populates the cache. On failure it honors
// FallbackEnabled: true drops the refresh silently (returns nil so the
// WAL marks the entry acked rather than dead_letter); false propagates
// the error.
func (r *Resolver) ProcessWALEntry(ctx context.Context, payload map[string]interface{}) error {
	actorCtx, err := payloadToActor(payload)
	if err != nil {
		if r.FallbackEnabled {
			return nil
		}
		return err
	}

	block, err := r.adapter.VerifyAndResolve(ctx, actorCtx)
	if err != nil {
		if r.FallbackEnabled {
			return nil
		}
		return err
	}

	r.cache.Set(ctx, actorCtx.CacheKey(), block)
	return nil
}

func actorToPayload(a contracts.ActorContext) (map[string]interface{}, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func payloadToActor(payload map[string]interface{}) (contracts.ActorContext, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return contracts.ActorContext{}, err
	}
	var a contracts.ActorContext
	if err := json.Unmarshal(raw, &a); err != nil {
		return contracts.ActorContext{}, err
	}
	return a, nil
}
