// Package policy implements an offline, signature-verified policy
// evaluator: snapshots are loaded once (at bootstrap or admin reload)
// from a payload/signature pair, verified
// against a set of HMAC trust anchors, indexed for fast lookup, and
// evaluated against per-call inputs with no network access — contract
// matching is compiled once with CEL and reused for every rule.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/cccs-substrate/cccs/pkg/canonicalize"
	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/signing"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// evalCacheLimit is the FIFO eviction threshold for the decision cache
//.
const evalCacheLimit = 1000

// noConditionsBucket is the inverted-index bucket for rules with no
// conditions, which match every input.
const noConditionsBucket = "__no_conditions__"

// matcherExprs are the five CEL expressions the evaluator compiles once
// at construction and reuses for every matcher of that kind — "actual"
// is the input value at a condition key, "expected" is the matcher's
// configured value.
var matcherExprs = map[string]string{
	"eq":     "actual == expected",
	"lte":    "actual <= expected",
	"gte":    "actual >= expected",
	"in":     "actual in expected",
	"not_in": "!(actual in expected)",
}

// Evaluator holds every loaded snapshot and the shared CEL programs
// used to test matchers against inputs.
type Evaluator struct {
	trustAnchors []string

	mu        sync.RWMutex
	snapshots map[string]*contracts.PolicySnapshot
	index     map[string]map[string][]*contracts.PolicyRule

	cacheMu    sync.Mutex
	cache      map[string]contracts.PolicyEvalResult
	cacheOrder []string

	env      *cel.Env
	programs map[string]cel.Program
}

// NewEvaluator builds an evaluator that will accept a snapshot only
// if its signature validates against one of trustAnchors.
func NewEvaluator(trustAnchors []string) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("actual", cel.DynType),
		cel.Variable("expected", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	programs := make(map[string]cel.Program, len(matcherExprs))
	for op, expr := range matcherExprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile %q: %w", op, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: program %q: %w", op, err)
		}
		programs[op] = prg
	}

	return &Evaluator{
		trustAnchors: append([]string(nil), trustAnchors...),
		snapshots:    make(map[string]*contracts.PolicySnapshot),
		index:        make(map[string]map[string][]*contracts.PolicyRule),
		cache:        make(map[string]contracts.PolicyEvalResult),
		env:          env,
		programs:     programs,
	}, nil
}

// SnapshotPayload is the signed, unwrapped shape a LoadSnapshot call
// receives — module_id, version and rules, with signature carried
// alongside rather than inside (the signature is computed over this
// exact shape's canonical JSON).
type SnapshotPayload struct {
	ModuleID string               `json:"module_id"`
	Version  string               `json:"version"`
	Rules    []contracts.PolicyRule `json:"rules"`
}

// LoadSnapshot verifies signature against the evaluator's trust
// anchors, validates every rule's priority is in [0, 10000], sorts
// rules by priority descending, builds the inverted condition index,
// and clears the evaluation cache for this module.
func (e *Evaluator) LoadSnapshot(payload SnapshotPayload, signature string) error {
	ok, err := signing.VerifySnapshotSignature(payload, signature, e.trustAnchors)
	if err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrPolicyUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature invalid (offline validation)", taxonomy.ErrPolicyUnavailable)
	}

	rules := make([]contracts.PolicyRule, len(payload.Rules))
	copy(rules, payload.Rules)
	for _, r := range rules {
		if r.Priority < 0 || r.Priority > 10000 {
			return fmt.Errorf("%w: rule %q has invalid priority %d", taxonomy.ErrPolicyUnavailable, r.RuleID, r.Priority)
		}
		if !contracts.ValidRuleDecision(r.Decision) {
			return fmt.Errorf("%w: rule %q has invalid decision %q", taxonomy.ErrPolicyUnavailable, r.RuleID, r.Decision)
		}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	hash, err := canonicalize.Hash(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrPolicyUnavailable, err)
	}

	snapshot := &contracts.PolicySnapshot{
		ModuleID:     payload.ModuleID,
		Version:      payload.Version,
		Rules:        rules,
		Signature:    signature,
		SnapshotHash: hash,
	}

	idx := make(map[string][]*contracts.PolicyRule)
	ruleRefs := make([]*contracts.PolicyRule, len(rules))
	for i := range rules {
		ruleRefs[i] = &rules[i]
	}
	for _, r := range ruleRefs {
		if len(r.Conditions) == 0 {
			idx[noConditionsBucket] = append(idx[noConditionsBucket], r)
			continue
		}
		for key := range r.Conditions {
			idx[key] = append(idx[key], r)
		}
	}

	e.mu.Lock()
	e.snapshots[payload.ModuleID] = snapshot
	e.index[payload.ModuleID] = idx
	e.mu.Unlock()

	e.cacheMu.Lock()
	for k := range e.cache {
		if hasPrefix(k, payload.ModuleID+":") {
			delete(e.cache, k)
		}
	}
	e.cacheMu.Unlock()

	return nil
}

// Evaluate matches inputs against the loaded snapshot for moduleID,
// returning the first (highest-priority) matching rule's decision, or
// deny/no_rule_matched when nothing matches.
// Evaluate is a pure function of the loaded snapshot and inputs: the
// same (moduleID, inputs) pair always produces the same result, and a
// cache hit skips rule matching entirely.
func (e *Evaluator) Evaluate(moduleID string, inputs map[string]interface{}) (contracts.PolicyEvalResult, error) {
	e.mu.RLock()
	snapshot, ok := e.snapshots[moduleID]
	idx := e.index[moduleID]
	e.mu.RUnlock()
	if !ok {
		return contracts.PolicyEvalResult{}, fmt.Errorf("%w: no snapshot loaded for module %q", taxonomy.ErrPolicyUnavailable, moduleID)
	}

	cacheKey, err := e.cacheKey(moduleID, inputs)
	if err == nil {
		if cached, hit := e.cacheGet(cacheKey); hit {
			return cached, nil
		}
	}

	candidates := e.candidateRules(idx, inputs)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	var result contracts.PolicyEvalResult
	matched := false
	for _, r := range candidates {
		if e.ruleMatches(r, inputs) {
			result = contracts.PolicyEvalResult{
				Decision:         r.Decision,
				Rationale:        r.Rationale,
				RuleID:           r.RuleID,
				PolicyVersionIDs: []string{snapshot.Version},
				SnapshotHash:     snapshot.SnapshotHash,
			}
			matched = true
			break
		}
	}
	if !matched {
		result = contracts.PolicyEvalResult{
			Decision:         contracts.DecisionDeny,
			Rationale:        "no_rule_matched",
			PolicyVersionIDs: []string{snapshot.Version},
			SnapshotHash:     snapshot.SnapshotHash,
		}
	}

	if err == nil {
		e.cachePut(cacheKey, result)
	}
	return result, nil
}

// candidateRules collects every rule that could possibly match: rules
// with no conditions always apply, plus rules indexed under any
// condition key present in inputs. This does not itself confirm a
// match — ruleMatches re-checks every condition — but avoids scanning
// rules that reference keys absent from inputs entirely.
func (e *Evaluator) candidateRules(idx map[string][]*contracts.PolicyRule, inputs map[string]interface{}) []contracts.PolicyRule {
	seen := make(map[string]bool)
	var out []contracts.PolicyRule

	add := func(rules []*contracts.PolicyRule) {
		for _, r := range rules {
			if seen[r.RuleID] {
				continue
			}
			seen[r.RuleID] = true
			out = append(out, *r)
		}
	}

	add(idx[noConditionsBucket])
	for key := range inputs {
		add(idx[key])
	}
	return out
}

func (e *Evaluator) ruleMatches(r contracts.PolicyRule, inputs map[string]interface{}) bool {
	for key, matcher := range r.Conditions {
		actual, present := inputs[key]
		if !present {
			return false
		}
		op := matcher.Op
		if op == "" {
			op = "eq"
		}
		prg, ok := e.programs[op]
		if !ok {
			return false
		}
		out, _, err := prg.Eval(map[string]interface{}{"actual": actual, "expected": matcher.Value})
		if err != nil {
			return false
		}
		if b, ok := out.Value().(bool); !ok || !b {
			return false
		}
	}
	return true
}

func (e *Evaluator) cacheKey(moduleID string, inputs map[string]interface{}) (string, error) {
	hash, err := canonicalize.Hash(inputs)
	if err != nil {
		return "", err
	}
	return moduleID + ":" + hash, nil
}

func (e *Evaluator) cacheGet(key string) (contracts.PolicyEvalResult, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	v, ok := e.cache[key]
	return v, ok
}

func (e *Evaluator) cachePut(key string, result contracts.PolicyEvalResult) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if _, exists := e.cache[key]; exists {
		e.cache[key] = result
		return
	}
	if len(e.cacheOrder) >= evalCacheLimit {
		oldest := e.cacheOrder[0]
		e.cacheOrder = e.cacheOrder[1:]
		delete(e.cache, oldest)
	}
	e.cache[key] = result
	e.cacheOrder = append(e.cacheOrder, key)
}

// Health always reports healthy: evaluation is entirely offline once a
// snapshot is loaded.
func (e *Evaluator) Health() bool {
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
