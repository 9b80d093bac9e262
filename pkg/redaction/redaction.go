// Package redaction strips or masks sensitive fields from a payload
// before it is attached to a receipt. The source payload is never
// mutated: every apply walks a deep copy.
package redaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// Strategy is what happens to a matched leaf.
type Strategy string

const (
	StrategyRemove Strategy = "remove"
	StrategyMask   Strategy = "mask"
)

// Rule is one field-path redaction directive.
type Rule struct {
	FieldPath   string   `json:"field_path"`
	Strategy    Strategy `json:"strategy"`
	MaskValue   string   `json:"mask_value,omitempty"`
	RuleVersion string   `json:"rule_version"`
}

// Service applies a configured rule set to payloads.
type Service struct {
	rules       []Rule
	strictMatch bool
}

// DefaultRuleVersion is used when a call supplies no redaction hint.
const DefaultRuleVersion = "v1"

// NewService builds a redaction service from a static rule set. When
// strictMatch is true, ApplyRedaction fails closed with
// ErrRedactionBlocked if no rule in the set carries the negotiated
// version.
func NewService(rules []Rule, strictMatch bool) *Service {
	return &Service{rules: append([]Rule(nil), rules...), strictMatch: strictMatch}
}

// Result is the outcome of one ApplyRedaction call.
type Result struct {
	RedactedPayload map[string]interface{}
	RemovedFields   []string
	RuleVersion     string
}

// ApplyRedaction negotiates a rule version from hint (falling back to
// DefaultRuleVersion), deep-copies payload, and applies every rule
// whose RuleVersion matches the negotiated version. payload is never
// mutated; the returned RedactedPayload is an independent copy.
func (s *Service) ApplyRedaction(payload map[string]interface{}, hint string) (*Result, error) {
	version := hint
	if version == "" {
		version = DefaultRuleVersion
	}

	matched := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.RuleVersion == version {
			matched = append(matched, r)
		}
	}

	if s.strictMatch && len(matched) == 0 {
		return nil, fmt.Errorf("redaction: no rule carries version %q: %w", version, taxonomy.ErrRedactionBlocked)
	}

	redacted := deepCopyMap(payload)
	var removed []string

	for _, r := range matched {
		path := splitPath(r.FieldPath)
		if touched := applyRule(redacted, path, r); touched {
			removed = append(removed, r.FieldPath)
		}
	}

	return &Result{
		RedactedPayload: redacted,
		RemovedFields:   removed,
		RuleVersion:     version,
	}, nil
}

func splitPath(p string) []string {
	return strings.Split(p, ".")
}

// applyRule walks path on node, and on reaching the leaf container
// removes or masks the final segment. Returns whether the leaf was
// present and touched.
func applyRule(node map[string]interface{}, path []string, r Rule) bool {
	if len(path) == 0 {
		return false
	}
	if len(path) == 1 {
		if _, ok := node[path[0]]; !ok {
			return false
		}
		switch r.Strategy {
		case StrategyRemove:
			delete(node, path[0])
		case StrategyMask:
			node[path[0]] = r.MaskValue
		}
		return true
	}

	head, rest := path[0], path[1:]
	next, ok := node[head]
	if !ok {
		return false
	}

	switch child := next.(type) {
	case map[string]interface{}:
		return applyRule(child, rest, r)
	case []interface{}:
		return applyRuleToSlice(child, rest, r)
	default:
		return false
	}
}

// applyRuleToSlice supports a numeric index as the next path segment
// (e.g. "items.0.secret") by walking into the addressed element.
func applyRuleToSlice(items []interface{}, path []string, r Rule) bool {
	if len(path) == 0 {
		return false
	}
	idx, err := strconv.Atoi(path[0])
	if err != nil || idx < 0 || idx >= len(items) {
		return false
	}
	if len(path) == 1 {
		return false
	}
	if child, ok := items[idx].(map[string]interface{}); ok {
		return applyRule(child, path[1:], r)
	}
	return false
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, item := range t {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
