// Package contracts holds the canonical data model shared by every CCCS
// component: actor context/block, policy rules and snapshots, config
// layers, the receipt envelope, WAL entries, trace context and the
// canonical error shape. Types here are pure data — no behavior beyond
// deep-copy and validation helpers — so every component can agree on
// their wire shape without importing each other.
package contracts

import "time"

// ActorContext is the immutable, caller-supplied snapshot of who is
// making a gated call. It must be deep-copied on entry to the runtime
// and never mutated afterwards.
type ActorContext struct {
	TenantID  string                 `json:"tenant_id"`
	DeviceID  string                 `json:"device_id"`
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id"`
	ActorType string                 `json:"actor_type"`
	Timestamp time.Time              `json:"timestamp"`
	Extras    map[string]interface{} `json:"extras,omitempty"`
}

// Validate checks the four required identity fields are non-empty.
func (a ActorContext) Validate() error {
	if a.TenantID == "" || a.DeviceID == "" || a.SessionID == "" || a.UserID == "" {
		return ErrActorContextIncomplete
	}
	return nil
}

// DeepCopy returns an independent copy so the runtime never observes
// caller-side mutation after the call returns.
func (a ActorContext) DeepCopy() ActorContext {
	cp := a
	if a.Extras != nil {
		cp.Extras = make(map[string]interface{}, len(a.Extras))
		for k, v := range a.Extras {
			cp.Extras[k] = deepCopyValue(v)
		}
	}
	return cp
}

// CacheKey identifies the identity cache slot for this context.
func (a ActorContext) CacheKey() string {
	return a.TenantID + "|" + a.UserID + "|" + a.DeviceID
}

// ActorBlock is the resolved, provenance-stamped identity produced by
// the identity resolver and consumed by the receipt builder.
type ActorBlock struct {
	ActorID               string   `json:"actor_id"`
	ProvenanceSignature    string   `json:"provenance_signature"`
	NormalizationVersion  string   `json:"normalization_version"`
	Warnings               []string `json:"warnings,omitempty"`
	SaltVersion            string   `json:"salt_version"`
	MonotonicCounter        uint64   `json:"monotonic_counter"`
	SessionID               string   `json:"session_id"`
}

func (a ActorBlock) DeepCopy() ActorBlock {
	cp := a
	if a.Warnings != nil {
		cp.Warnings = append([]string(nil), a.Warnings...)
	}
	return cp
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(t))
		for k, val := range t {
			cp[k] = deepCopyValue(val)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, val := range t {
			cp[i] = deepCopyValue(val)
		}
		return cp
	default:
		return v
	}
}
