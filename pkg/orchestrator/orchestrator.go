// Package orchestrator sequences the fixed six-stage request flow:
// resolve actor, merge config, evaluate policy, append a
// policy-snapshot audit record, check budget, open a span and write
// the receipt, apply redaction. It also owns the runtime's lifecycle —
// dependency-health bootstrap, mode-dependent degradation policy,
// version negotiation, and idempotent signal-driven shutdown —
// modeled on governance.Engine's stage sequencing and
// kernelruntime.Runtime's health-check/shutdown shape.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"weak"

	"github.com/cccs-substrate/cccs/pkg/budget"
	"github.com/cccs-substrate/cccs/pkg/config"
	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/courier"
	"github.com/cccs-substrate/cccs/pkg/identity"
	"github.com/cccs-substrate/cccs/pkg/observability"
	"github.com/cccs-substrate/cccs/pkg/policy"
	"github.com/cccs-substrate/cccs/pkg/receipt"
	"github.com/cccs-substrate/cccs/pkg/redaction"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
	"github.com/cccs-substrate/cccs/pkg/version"
	"github.com/cccs-substrate/cccs/pkg/wal"
)

// Mode selects the runtime's degradation policy at bootstrap.
type Mode string

const (
	ModeEdge    Mode = "edge"
	ModeBackend Mode = "backend"
)

func (m Mode) valid() bool {
	return m == ModeEdge || m == ModeBackend
}

// HealthChecker reports whether one upstream dependency is reachable.
// Production wiring points these at each adapter's Health method.
type HealthChecker func(ctx context.Context) bool

// Enqueuer bridges a pkg/courier.Courier to the narrower Enqueuer
// shape identity.Resolver and budget.Guard each declare — both want
// (sequence uint64, err error), while Courier.Enqueue returns the
// richer EnqueueResult (it also carries a courier batch id that
// neither caller needs).
type Enqueuer struct {
	c *courier.Courier
}

// NewEnqueuer wraps c so it satisfies identity.Enqueuer and
// budget.Enqueuer.
func NewEnqueuer(c *courier.Courier) Enqueuer {
	return Enqueuer{c: c}
}

func (e Enqueuer) Enqueue(payload map[string]interface{}, entryType contracts.WALEntryType) (uint64, error) {
	result, err := e.c.Enqueue(payload, entryType)
	return result.Sequence, err
}

// Config configures an Orchestrator's lifecycle policy.
type Config struct {
	Mode           Mode
	RuntimeVersion string

	// PollInterval and OverallTimeout govern Bootstrap's edge-mode
	// health-poll loop.
	PollInterval   time.Duration
	OverallTimeout time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for the drain
	// worker to join before giving up.
	ShutdownTimeout time.Duration

	// HealthCheckers is consulted by Bootstrap when no explicit health
	// map is supplied to Bootstrap.
	HealthCheckers map[string]HealthChecker
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 300 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Deps are the already-constructed subsystems an Orchestrator
// sequences. WAL is the shared journal Courier also wraps — the
// orchestrator appends policy/budget audit snapshots to it directly,
// alongside the receipt/identity/budget-call traffic Courier enqueues.
type Deps struct {
	Identity      *identity.Resolver
	ConfigMerger  *config.Merger
	Policy        *policy.Evaluator
	Budget        *budget.Guard
	ReceiptBuilder *receipt.Builder
	Redaction     *redaction.Service
	Observability *observability.Provider
	WAL           *wal.WAL
	Drain         *courier.DrainWorker

	// AdapterClosers release adapter HTTP client resources on
	// shutdown (e.g. (*adapters.IdentityAdapter).Close).
	AdapterClosers []func()
}

// Orchestrator sequences execute_flow and owns the runtime lifecycle.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu                sync.RWMutex
	dependenciesReady bool

	shutdownOnce sync.Once
	shutdownErr  error

	registryID uint64
}

// New validates cfg and builds an Orchestrator over deps. It
// registers itself in the process-wide weak-reference shutdown set and
// ensures the SIGINT/SIGTERM handler is installed.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if !cfg.Mode.valid() {
		return nil, fmt.Errorf("orchestrator: invalid mode %q: must be %q or %q", cfg.Mode, ModeEdge, ModeBackend)
	}
	o := &Orchestrator{cfg: cfg.withDefaults(), deps: deps}
	o.registryID = register(o)
	ensureSignalHandler()
	return o, nil
}

// DependenciesReady reports whether Bootstrap last observed every
// dependency healthy. The identity stage consults it to decide between
// cache-only and cache-bypass behavior; the budget stage is always
// cache-only.
func (o *Orchestrator) DependenciesReady() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dependenciesReady
}

func (o *Orchestrator) setDependenciesReady(ready bool) {
	o.mu.Lock()
	o.dependenciesReady = ready
	o.mu.Unlock()
}

// Bootstrap polls dependency health until healthy or a deadline,
// enforcing a mode-dependent policy: backend mode fails fast on the
// first unhealthy snapshot; edge mode retries on cfg.PollInterval
// until either everything is healthy or cfg.OverallTimeout elapses,
// after which it proceeds serving in a degraded state rather than
// erroring. healthMap, when non-nil, is used verbatim instead of
// running the configured HealthCheckers.
// requestedVersion, when non-empty, is negotiated against
// cfg.RuntimeVersion once the health decision is made.
func (o *Orchestrator) Bootstrap(ctx context.Context, healthMap map[string]bool, requestedVersion string) error {
	deadline := time.Now().Add(o.cfg.OverallTimeout)

	for {
		health := healthMap
		if health == nil {
			health = o.runHealthCheckers(ctx)
		}

		if allHealthy(health) {
			o.setDependenciesReady(true)
			return o.negotiateVersion(requestedVersion)
		}

		if o.cfg.Mode == ModeBackend {
			return fmt.Errorf("%w: %w: dependencies unhealthy: %s", taxonomy.ErrPolicyUnavailable, taxonomy.ErrBootstrapTimeout, unhealthyNames(health))
		}

		if time.Now().After(deadline) {
			o.setDependenciesReady(false)
			return o.negotiateVersion(requestedVersion)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

func (o *Orchestrator) negotiateVersion(requestedVersion string) error {
	if requestedVersion == "" || o.cfg.RuntimeVersion == "" {
		return nil
	}
	return version.Negotiate(o.cfg.RuntimeVersion, requestedVersion)
}

func (o *Orchestrator) runHealthCheckers(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(o.cfg.HealthCheckers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range o.cfg.HealthCheckers {
		wg.Add(1)
		go func(name string, check HealthChecker) {
			defer wg.Done()
			healthy := check(ctx)
			mu.Lock()
			out[name] = healthy
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return out
}

func allHealthy(health map[string]bool) bool {
	if len(health) == 0 {
		return false
	}
	for _, healthy := range health {
		if !healthy {
			return false
		}
	}
	return true
}

func unhealthyNames(health map[string]bool) []string {
	var names []string
	for name, healthy := range health {
		if !healthy {
			names = append(names, name)
		}
	}
	return names
}

// FlowInput is execute_flow's input tuple.
type FlowInput struct {
	ModuleID        string
	Inputs          map[string]interface{}
	ActionID        string
	Cost            int64
	ConfigKey       string
	ConfigScope     []string
	ConfigOverrides map[string]interface{}
	Payload         map[string]interface{}
	RedactionHint   string
	ActorContext    contracts.ActorContext
}

// FlowResult is execute_flow's output tuple: the six composed
// decisions.
type FlowResult struct {
	Actor     contracts.ActorBlock
	Config    contracts.ConfigResult
	Policy    contracts.PolicyEvalResult
	Budget    budget.CheckResult
	Receipt   receipt.BuildResult
	Redaction *redaction.Result
}

// ExecuteFlow runs the fixed stage sequence listed in the package doc.
// Every stage except identity either serves from cache or defers to
// the WAL for the background drain worker to handle. The identity
// stage calls Resolve with cacheBypass set to DependenciesReady(): once
// dependencies are ready, an identity cache miss makes a synchronous
// identity adapter call; before that, the miss is queued to the WAL
// and fails with actor_unavailable. No partial success leaks: a failure between the
// actor and budget stages aborts before any receipt is written; a
// budget-exhaustion failure emits a dedicated budget_exceeded receipt
// before the error propagates; a redaction failure after the receipt
// is already durable returns the error without retracting the receipt.
func (o *Orchestrator) ExecuteFlow(ctx context.Context, in FlowInput) (FlowResult, error) {
	var result FlowResult

	actor, err := o.deps.Identity.Resolve(ctx, in.ActorContext, o.DependenciesReady())
	if err != nil {
		return result, err
	}
	result.Actor = actor

	overrides := in.ConfigOverrides
	if overrides == nil {
		if v, ok := in.Inputs["config_overrides"].(map[string]interface{}); ok {
			overrides = v
		}
	}
	result.Config = o.deps.ConfigMerger.GetConfig(in.ConfigKey, in.ConfigScope, overrides)

	policyResult, err := o.deps.Policy.Evaluate(in.ModuleID, in.Inputs)
	if err != nil {
		return result, err
	}
	result.Policy = policyResult

	_, err = o.deps.WAL.AppendPolicySnapshot(map[string]interface{}{
		"module_id":           in.ModuleID,
		"snapshot_hash":       policyResult.SnapshotHash,
		"policy_version_ids":  policyResult.PolicyVersionIDs,
		"timestamp_utc":       time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return result, fmt.Errorf("%w: policy snapshot audit append failed: %v", taxonomy.ErrPolicyUnavailable, err)
	}

	budgetResult, err := o.deps.Budget.CheckBudget(in.ActionID, in.Cost)
	if err != nil {
		o.emitBudgetExceededReceipt(ctx, in, actor, policyResult)
		return result, err
	}
	result.Budget = budgetResult

	_, _ = o.deps.WAL.AppendBudgetSnapshot(map[string]interface{}{
		"action_id":   in.ActionID,
		"cost":        in.Cost,
		"remaining":   budgetResult.Remaining,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339Nano),
	})

	decision := contracts.DecisionBlock{
		Status:    contracts.CanonicalizeDecision(policyResult.Decision),
		Rationale: policyResult.Rationale,
		Badges:    []string{"cccs"},
	}

	degraded := !o.DependenciesReady()
	spanCtx, span := o.deps.Observability.StartSpan(ctx, fmt.Sprintf("cccs:%s", in.ActionID), nil)
	trace := span.TraceContext()
	buildResult, err := o.deps.ReceiptBuilder.Build(spanCtx, receipt.Input{
		GateID:           in.ActionID,
		PolicyVersionIDs: policyResult.PolicyVersionIDs,
		SnapshotHash:     policyResult.SnapshotHash,
		Inputs:           in.Inputs,
		Result:           policyResult,
		Decision:         decision,
		Actor:            actor,
		Degraded:         degraded,
		Trace:            trace,
	})
	span.End(err)
	if err != nil {
		return result, err
	}
	result.Receipt = buildResult

	redactionResult, err := o.deps.Redaction.ApplyRedaction(in.Payload, in.RedactionHint)
	if err != nil {
		return result, err
	}
	result.Redaction = redactionResult

	return result, nil
}

// emitBudgetExceededReceipt issues the dedicated receipt required
// before a budget_exceeded error propagates. Its own
// failure is logged-equivalent (swallowed) rather than raised — the
// caller's budget error is what matters; a secondary failure to record
// the budget_exceeded receipt must never mask it.
func (o *Orchestrator) emitBudgetExceededReceipt(ctx context.Context, in FlowInput, actor contracts.ActorBlock, policyResult contracts.PolicyEvalResult) {
	_, _ = o.deps.ReceiptBuilder.Build(ctx, receipt.Input{
		GateID:           in.ActionID,
		PolicyVersionIDs: policyResult.PolicyVersionIDs,
		SnapshotHash:     policyResult.SnapshotHash,
		Inputs:           in.Inputs,
		Decision: contracts.DecisionBlock{
			Status:    contracts.DecisionHardBlock,
			Rationale: "budget_exceeded",
			Badges:    []string{"cccs", "budget_exceeded"},
		},
		Actor:    actor,
		Degraded: !o.DependenciesReady(),
	})
}

// Shutdown is idempotent and safe to call multiple times (subsequent
// calls return the first call's result immediately). It stops the
// drain worker (bounded by cfg.ShutdownTimeout), closes every adapter
// HTTP client, and deregisters from the process-wide shutdown set.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdownLocked(ctx)
		deregister(o.registryID)
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdownLocked(ctx context.Context) error {
	if o.deps.Drain != nil {
		done := make(chan struct{})
		go func() {
			o.deps.Drain.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(o.cfg.ShutdownTimeout):
		case <-ctx.Done():
		}
	}

	for _, closeFn := range o.deps.AdapterClosers {
		closeFn()
	}

	return nil
}

// --- process-wide weak-reference shutdown registry ---
//
// The runtime "weakly" registers itself so a
// process-level SIGINT/SIGTERM can reach every live Orchestrator
// without holding a strong reference that would keep an abandoned one
// alive forever. weak.Pointer (Go 1.24) expresses this directly: the
// registry entry goes nil on its own once the Orchestrator is GC'd,
// and Shutdown additionally deregisters explicitly so a second
// Orchestrator started later never reuses a stale entry.

var (
	registryMu sync.Mutex
	registry   = map[uint64]weak.Pointer[Orchestrator]{}
	nextID     uint64

	signalOnce sync.Once
)

func register(o *Orchestrator) uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextID++
	id := nextID
	registry[id] = weak.Make(o)
	return id
}

func deregister(id uint64) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, id)
}

// ensureSignalHandler installs the process-wide SIGINT/SIGTERM handler
// exactly once. Go's signal.Notify fans out to every channel ever
// registered for a signal rather than replacing earlier registrations,
// so any handler the host process installed before or after this one
// keeps firing unchanged — chained shutdown behavior falls out of
// signal.Notify's normal semantics rather than needing bespoke
// chaining logic. Go has no native process-exit hook equivalent to
// atexit(3); the signal path is the shutdown trigger a library can
// portably install, so it doubles as the exit hook for the common
// graceful Ctrl-C / SIGTERM exit.
func ensureSignalHandler() {
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			for range ch {
				shutdownAll()
			}
		}()
	})
}

func shutdownAll() {
	registryMu.Lock()
	ids := make([]uint64, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	registryMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range ids {
		registryMu.Lock()
		wp, ok := registry[id]
		registryMu.Unlock()
		if !ok {
			continue
		}
		if o := wp.Value(); o != nil {
			_ = o.Shutdown(ctx)
		}
	}
}
