package policy

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/cccs-substrate/cccs/pkg/canonicalize"
	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/signing"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

func signedSnapshot(t *testing.T, secret string, payload SnapshotPayload) (SnapshotPayload, string) {
	t.Helper()
	sig, err := signing.SignSnapshotHMAC(payload, secret)
	if err != nil {
		t.Fatal(err)
	}
	return payload, sig
}

func TestLoadSnapshot_AcceptsValidSignature(t *testing.T) {
	e, err := NewEvaluator([]string{"secret-a", "secret-b"})
	if err != nil {
		t.Fatal(err)
	}

	payload, sig := signedSnapshot(t, "secret-b", SnapshotPayload{
		ModuleID: "m01",
		Version:  "1.0.0",
		Rules: []contracts.PolicyRule{
			{RuleID: "allow", Priority: 1, Conditions: map[string]contracts.Matcher{"feature_flag": {Value: true}}, Decision: contracts.DecisionAllow, Rationale: "feature_enabled"},
		},
	})

	if err := e.LoadSnapshot(payload, sig); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSnapshot_RejectsUnknownSecret(t *testing.T) {
	e, err := NewEvaluator([]string{"secret-a"})
	if err != nil {
		t.Fatal(err)
	}
	payload, sig := signedSnapshot(t, "wrong-secret", SnapshotPayload{ModuleID: "m01", Version: "1.0.0"})

	err = e.LoadSnapshot(payload, sig)
	if !errors.Is(err, taxonomy.ErrPolicyUnavailable) {
		t.Fatalf("expected ErrPolicyUnavailable, got %v", err)
	}
}

func TestLoadSnapshot_RejectsInvalidPriority(t *testing.T) {
	e, err := NewEvaluator([]string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	payload, sig := signedSnapshot(t, "s", SnapshotPayload{
		ModuleID: "m01",
		Version:  "1.0.0",
		Rules:    []contracts.PolicyRule{{RuleID: "bad", Priority: 20000, Decision: contracts.DecisionAllow}},
	})
	err = e.LoadSnapshot(payload, sig)
	if !errors.Is(err, taxonomy.ErrPolicyUnavailable) {
		t.Fatalf("expected ErrPolicyUnavailable for out-of-range priority, got %v", err)
	}
}

func TestEvaluate_NoSnapshotLoaded(t *testing.T) {
	e, err := NewEvaluator([]string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Evaluate("missing-module", map[string]interface{}{})
	if !errors.Is(err, taxonomy.ErrPolicyUnavailable) {
		t.Fatalf("expected ErrPolicyUnavailable, got %v", err)
	}
}

func setupEvaluator(t *testing.T, rules []contracts.PolicyRule) *Evaluator {
	t.Helper()
	e, err := NewEvaluator([]string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	payload, sig := signedSnapshot(t, "s", SnapshotPayload{ModuleID: "m01", Version: "1.0.0", Rules: rules})
	if err := e.LoadSnapshot(payload, sig); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEvaluate_HighestPriorityWins(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "low", Priority: 1, Decision: contracts.DecisionWarn, Rationale: "low"},
		{RuleID: "high", Priority: 10, Decision: contracts.DecisionAllow, Rationale: "high"},
	})

	res, err := e.Evaluate("m01", map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "high" || res.Decision != contracts.DecisionAllow {
		t.Fatalf("expected the highest-priority unconditional rule to win, got %+v", res)
	}
}

func TestEvaluate_NoMatchDeniesWithRationale(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "r1", Priority: 1, Conditions: map[string]contracts.Matcher{"x": {Value: "only-this"}}, Decision: contracts.DecisionAllow},
	})

	res, err := e.Evaluate("m01", map[string]interface{}{"x": "something-else"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != contracts.DecisionDeny || res.Rationale != "no_rule_matched" {
		t.Fatalf("expected deny/no_rule_matched, got %+v", res)
	}
}

func TestEvaluate_EqOperatorBareLiteral(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "gold", Priority: 1, Conditions: map[string]contracts.Matcher{"tier": {Value: "gold"}}, Decision: contracts.DecisionAllow, Rationale: "gold_tier"},
	})

	res, err := e.Evaluate("m01", map[string]interface{}{"tier": "gold"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "gold" {
		t.Fatalf("expected bare-literal matcher to behave as eq, got %+v", res)
	}
}

func TestEvaluate_LteAndGteOperators(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "minor", Priority: 10, Conditions: map[string]contracts.Matcher{"age": {Op: "lte", Value: int64(17)}}, Decision: contracts.DecisionSoftBlock, Rationale: "minor"},
		{RuleID: "adult", Priority: 5, Conditions: map[string]contracts.Matcher{"age": {Op: "gte", Value: int64(18)}}, Decision: contracts.DecisionPass, Rationale: "adult"},
	})

	res, err := e.Evaluate("m01", map[string]interface{}{"age": int64(16)})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "minor" {
		t.Fatalf("expected lte rule to match age 16, got %+v", res)
	}

	res, err = e.Evaluate("m01", map[string]interface{}{"age": int64(21)})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "adult" {
		t.Fatalf("expected gte rule to match age 21, got %+v", res)
	}
}

func TestEvaluate_InAndNotInOperators(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "allowed-region", Priority: 10, Conditions: map[string]contracts.Matcher{"region": {Op: "in", Value: []interface{}{"us", "eu"}}}, Decision: contracts.DecisionAllow, Rationale: "allowed_region"},
		{RuleID: "blocked-region", Priority: 5, Conditions: map[string]contracts.Matcher{"region": {Op: "not_in", Value: []interface{}{"us", "eu"}}}, Decision: contracts.DecisionHardBlock, Rationale: "blocked_region"},
	})

	res, err := e.Evaluate("m01", map[string]interface{}{"region": "us"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "allowed-region" {
		t.Fatalf("expected in-operator rule to match region us, got %+v", res)
	}

	res, err = e.Evaluate("m01", map[string]interface{}{"region": "cn"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "blocked-region" {
		t.Fatalf("expected not_in-operator rule to match region cn, got %+v", res)
	}
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "allow", Priority: 1, Conditions: map[string]contracts.Matcher{"feature_flag": {Value: true}}, Decision: contracts.DecisionAllow, Rationale: "feature_enabled"},
	})

	inputs := map[string]interface{}{"feature_flag": true}
	first, err := e.Evaluate("m01", inputs)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Evaluate("m01", inputs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected repeated evaluation to be identical, got %+v vs %+v", first, second)
	}
}

func TestLoadSnapshot_ClearsCacheOnReload(t *testing.T) {
	e := setupEvaluator(t, []contracts.PolicyRule{
		{RuleID: "allow", Priority: 1, Decision: contracts.DecisionAllow, Rationale: "v1"},
	})
	if _, err := e.Evaluate("m01", map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}

	payload, sig := signedSnapshot(t, "s", SnapshotPayload{
		ModuleID: "m01",
		Version:  "2.0.0",
		Rules:    []contracts.PolicyRule{{RuleID: "allow-v2", Priority: 1, Decision: contracts.DecisionAllow, Rationale: "v2"}},
	})
	if err := e.LoadSnapshot(payload, sig); err != nil {
		t.Fatal(err)
	}

	res, err := e.Evaluate("m01", map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleID != "allow-v2" {
		t.Fatalf("expected reload to replace the cached decision, got %+v", res)
	}
}

// TestMatcher_BareLiteralRoundTripsThroughWireJSON verifies a snapshot
// built from real wire JSON — conditions written as bare literals
// rather than {"op":...,"value":...} objects — unmarshals cleanly and
// re-marshals to the identical literal shape, so canonicalize.JSON
// (and therefore signing.VerifySnapshotSignature) hashes the same
// bytes an external signer would have hashed over the original
// payload.
func TestMatcher_BareLiteralRoundTripsThroughWireJSON(t *testing.T) {
	wire := []byte(`{
		"module_id": "m01",
		"version": "1.0.0",
		"rules": [
			{
				"rule_id": "allow",
				"priority": 1,
				"conditions": {"feature_flag": true, "region": "us-east"},
				"decision": "allow",
				"rationale": "feature_enabled"
			}
		]
	}`)

	var payload SnapshotPayload
	if err := json.Unmarshal(wire, &payload); err != nil {
		t.Fatalf("expected bare-literal conditions to unmarshal, got %v", err)
	}

	flag := payload.Rules[0].Conditions["feature_flag"]
	if flag.Op != "" || flag.Value != true {
		t.Fatalf("expected Op:\"\" Value:true for a bare literal, got %+v", flag)
	}

	remarshaled, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var roundTripped map[string]interface{}
	if err := json.Unmarshal(remarshaled, &roundTripped); err != nil {
		t.Fatal(err)
	}
	conditions := roundTripped["rules"].([]interface{})[0].(map[string]interface{})["conditions"].(map[string]interface{})
	if conditions["feature_flag"] != true {
		t.Fatalf("expected re-marshaled condition to stay a bare literal, got %+v", conditions["feature_flag"])
	}
	if conditions["region"] != "us-east" {
		t.Fatalf("expected re-marshaled string condition to stay a bare literal, got %+v", conditions["region"])
	}

	canonA, err := canonicalize.JSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	var reparsed SnapshotPayload
	if err := json.Unmarshal(wire, &reparsed); err != nil {
		t.Fatal(err)
	}
	canonB, err := canonicalize.JSON(reparsed)
	if err != nil {
		t.Fatal(err)
	}
	if string(canonA) != string(canonB) {
		t.Fatalf("expected canonical bytes to be stable across unmarshal/marshal/unmarshal, got %s vs %s", canonA, canonB)
	}

	e, err := NewEvaluator([]string{"wire-secret"})
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signing.SignSnapshotHMAC(reparsed, "wire-secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadSnapshot(reparsed, sig); err != nil {
		t.Fatalf("expected a signature computed over the literal-shaped wire payload to verify, got %v", err)
	}
}
