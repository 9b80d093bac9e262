package contracts

import "encoding/json"

// Decision is the outcome a policy rule (or the evaluator's fallback)
// assigns to a request. Snapshot-load-time validation rejects any
// value outside this set, so an unknown decision never reaches
// evaluation time.
type Decision string

const (
	DecisionPass       Decision = "pass"
	DecisionWarn       Decision = "warn"
	DecisionSoftBlock  Decision = "soft_block"
	DecisionHardBlock  Decision = "hard_block"
	DecisionAllow      Decision = "allow"
	DecisionDeny       Decision = "deny"
)

// ValidRuleDecision reports whether d is one of the decisions a policy
// rule may carry (the orchestrator additionally canonicalizes allow/deny
// to pass/hard_block when building the receipt).
func ValidRuleDecision(d Decision) bool {
	switch d {
	case DecisionPass, DecisionWarn, DecisionSoftBlock, DecisionHardBlock, DecisionAllow, DecisionDeny:
		return true
	default:
		return false
	}
}

// CanonicalizeDecision maps a rule decision to a receipt decision
// status: allow -> pass, deny -> hard_block, pass/warn/soft_block/
// hard_block pass through unchanged, and any other value maps to
// hard_block.
func CanonicalizeDecision(d Decision) Decision {
	switch d {
	case DecisionAllow:
		return DecisionPass
	case DecisionDeny:
		return DecisionHardBlock
	case DecisionPass, DecisionWarn, DecisionSoftBlock, DecisionHardBlock:
		return d
	default:
		return DecisionHardBlock
	}
}

// Matcher describes how a single policy condition is tested against
// an input value. A bare literal (Op == "") means "eq".
//
// On the wire a matcher is either a bare scalar/array/object literal
// (shorthand for {"op":"eq","value":<literal>}) or the explicit
// {"op":...,"value":...} object form for every other operator.
// UnmarshalJSON accepts both shapes; MarshalJSON emits the bare literal
// for Op "" and "eq" and the object form otherwise, so a bare literal
// round-trips unchanged while an explicit {"op":"eq",...} object is
// re-emitted as a bare literal.
type Matcher struct {
	Op    string      `json:"op,omitempty"` // eq, lte, gte, in, not_in
	Value interface{} `json:"value"`
}

// matcherObjectShape mirrors Matcher's field layout and is used as
// the decoding/encoding target for the non-bare-literal form, to
// avoid infinite recursion through Matcher's own (Un)MarshalJSON.
type matcherObjectShape struct {
	Op    string      `json:"op,omitempty"`
	Value interface{} `json:"value"`
}

// isMatcherObject reports whether raw looks like {"op":...,"value":...}
// rather than a bare literal — i.e. it decodes as a JSON object that
// has a "value" key and no keys other than "op" and "value".
func isMatcherObject(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	if _, hasValue := probe["value"]; !hasValue {
		return false
	}
	for k := range probe {
		if k != "op" && k != "value" {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts either the {"op":...,"value":...} object form
// or a bare literal, which is taken as an implicit Op:"eq" match
// against that literal value.
func (m *Matcher) UnmarshalJSON(data []byte) error {
	if isMatcherObject(data) {
		var shape matcherObjectShape
		if err := json.Unmarshal(data, &shape); err != nil {
			return err
		}
		m.Op = shape.Op
		m.Value = shape.Value
		return nil
	}

	var literal interface{}
	if err := json.Unmarshal(data, &literal); err != nil {
		return err
	}
	m.Op = ""
	m.Value = literal
	return nil
}

// MarshalJSON re-emits a bare literal when Op is "" or "eq" — the
// shorthand form a snapshot's original signer would have hashed over
// — and the explicit object form for every other operator.
func (m Matcher) MarshalJSON() ([]byte, error) {
	if m.Op == "" || m.Op == "eq" {
		return json.Marshal(m.Value)
	}
	return json.Marshal(matcherObjectShape{Op: m.Op, Value: m.Value})
}

// PolicyRule is one entry of a loaded snapshot.
type PolicyRule struct {
	RuleID     string             `json:"rule_id"`
	Priority   int                `json:"priority"` // [0, 10000]
	Conditions map[string]Matcher `json:"conditions,omitempty"`
	Decision   Decision           `json:"decision"`
	Rationale  string             `json:"rationale"`
}

// PolicySnapshot is an immutable, signed bundle of rules for one module.
type PolicySnapshot struct {
	ModuleID     string       `json:"module_id"`
	Version      string       `json:"version"`
	Rules        []PolicyRule `json:"rules"`
	Signature    string       `json:"signature"`
	SnapshotHash string       `json:"snapshot_hash"`
}

// PolicyEvalResult is the decision produced by evaluating inputs
// against a loaded snapshot.
type PolicyEvalResult struct {
	Decision         Decision `json:"decision"`
	Rationale        string   `json:"rationale"`
	RuleID           string   `json:"rule_id,omitempty"`
	PolicyVersionIDs []string `json:"policy_version_ids"`
	SnapshotHash     string   `json:"policy_snapshot_hash"`
}
