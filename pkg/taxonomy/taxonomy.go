// Package taxonomy normalizes every exception surfaced inside the
// substrate into a single canonical shape so callers never have to
// switch on a subsystem-specific error type.
package taxonomy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cccs-substrate/cccs/pkg/contracts"
)

// Subsystem errors. Each has a registered taxonomy entry below; other
// packages return these (or wrap them with %w) rather than ad-hoc
// errors.New calls, so NormalizeError can match their failures; an
// error that wraps none of them normalizes to unknown_error.
var (
	ErrActorUnavailable    = errors.New("taxonomy: actor unavailable")
	ErrPolicyUnavailable   = errors.New("taxonomy: policy unavailable")
	ErrRedactionBlocked    = errors.New("taxonomy: redaction blocked")
	ErrVersionMismatch     = errors.New("taxonomy: version mismatch")
	ErrBudgetExceeded      = errors.New("taxonomy: budget exceeded")
	ErrReceiptSchemaError  = errors.New("taxonomy: receipt schema error")
	ErrBootstrapTimeout    = errors.New("taxonomy: bootstrap timeout")
)

type entry struct {
	code        string
	severity    contracts.Severity
	retryable   bool
	userMessage string
}

// registry is the ordered exception-class -> canonical entry map.
// Order matters: normalize_error picks the FIRST matching entry, so a
// more specific sentinel must be registered before one it would also
// match via errors.Is on a wrapped chain.
var registry = []struct {
	sentinel error
	entry    entry
}{
	{ErrActorUnavailable, entry{"actor_unavailable", contracts.SeverityHigh, false, "We couldn't verify your identity right now. Please try again."}},
	{ErrPolicyUnavailable, entry{"policy_unavailable", contracts.SeverityHigh, false, "Policy evaluation is temporarily unavailable."}},
	{ErrRedactionBlocked, entry{"redaction_blocked", contracts.SeverityHigh, false, "This response could not be safely redacted and was withheld."}},
	{ErrVersionMismatch, entry{"version_mismatch", contracts.SeverityHigh, false, "This client version is no longer supported."}},
	{ErrBudgetExceeded, entry{"budget_exceeded", contracts.SeverityHigh, false, "You have exceeded the allowed usage for this action."}},
	{ErrReceiptSchemaError, entry{"receipt_schema_error", contracts.SeverityCritical, false, "An internal error prevented this action from being recorded."}},
	{ErrBootstrapTimeout, entry{"bootstrap_timeout", contracts.SeverityCritical, false, "The service failed to start in time."}},
}

var unknownEntry = entry{"unknown_error", contracts.SeverityCritical, false, "An unknown error occurred."}

// NormalizeError maps err to a CanonicalError. It walks the registry
// in order and returns the first entry whose sentinel matches err via
// errors.Is, so a wrapped %w chain still resolves correctly. No match
// falls back to unknown_error. A fresh debug_id is attached on every
// call — the same err normalized twice yields two different ids,
// matching how each occurrence gets its own correlatable log line.
func NormalizeError(err error) *contracts.CanonicalError {
	e := unknownEntry
	for _, r := range registry {
		if errors.Is(err, r.sentinel) {
			e = r.entry
			break
		}
	}

	ce := &contracts.CanonicalError{
		CanonicalCode: e.code,
		Severity:      e.severity,
		Retryable:     e.retryable,
		UserMessage:   e.userMessage,
		DebugID:       uuid.NewString(),
	}

	level := slog.LevelError
	switch e.severity {
	case contracts.SeverityInfo:
		level = slog.LevelInfo
	case contracts.SeverityWarning:
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "normalized error",
		"canonical_code", ce.CanonicalCode,
		"debug_id", ce.DebugID,
		"retryable", ce.Retryable,
		"cause", err,
	)

	return ce
}
