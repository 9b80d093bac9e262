package contracts

import "errors"

// Sentinel errors for the data-model-level validation rules. Subsystem
// errors (actor_unavailable, policy_unavailable, ...) live in
// pkg/taxonomy; these are the narrower "this value is malformed"
// errors that taxonomy wraps.
var (
	ErrActorContextIncomplete = errors.New("contracts: actor context missing a required id field")
	ErrPayloadTooLarge        = errors.New("contracts: payload exceeds 10 MiB limit")
	ErrNotJSONSerializable    = errors.New("contracts: value is not JSON-serializable")
)

// MaxPayloadBytes is the maximum serialized size accepted for a
// receipt envelope or WAL entry payload.
const MaxPayloadBytes = 10 * 1024 * 1024
