package contracts

import "time"

// DecisionBlock is the receipt's embedded decision summary.
type DecisionBlock struct {
	Status    Decision `json:"status"`
	Rationale string   `json:"rationale"`
	Badges    []string `json:"badges,omitempty"`
}

// Receipt is the canonical, signed envelope issued for every gated
// action. All user-visible data inside it must already be
// deep-copied by the time it reaches the builder's Assemble step.
type Receipt struct {
	ReceiptID             string                 `json:"receipt_id"`
	GateID                string                 `json:"gate_id"`
	PolicyVersionIDs      []string               `json:"policy_version_ids"`
	SnapshotHash          string                 `json:"snapshot_hash"`
	TimestampUTC          time.Time              `json:"timestamp_utc"`
	TimestampMonotonicMs  int64                  `json:"timestamp_monotonic_ms"`
	Inputs                map[string]interface{} `json:"inputs"`
	Decision               DecisionBlock          `json:"decision"`
	Result                 interface{}            `json:"result,omitempty"`
	Actor                  ActorBlock             `json:"actor"`
	Degraded               bool                   `json:"degraded"`
	Signature              string                 `json:"signature"`
	Annotations            map[string]interface{} `json:"annotations,omitempty"`
	Trace                  *TraceContext          `json:"trace,omitempty"`
}

// RequiredFieldsPresent is the minimal structural check the receipt
// builder's schema validation step performs beyond the JSON Schema
// document.
func (r *Receipt) RequiredFieldsPresent() bool {
	if r.ReceiptID == "" || r.GateID == "" || r.SnapshotHash == "" {
		return false
	}
	if r.Inputs == nil {
		return false
	}
	switch r.Decision.Status {
	case DecisionPass, DecisionWarn, DecisionSoftBlock, DecisionHardBlock:
	default:
		return false
	}
	return true
}
