package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
// Sentinel values for the failure kinds the facade distinguishes. Callers
// classify with errors.Is; wrapping preserves the kind through the stack.

var (
	// ErrInputInvalid covers malformed arguments, empty queries, and unknown
	// tool names. Never retried.
	ErrInputInvalid = errors.New("invalid input")

	// ErrPermissionDenied is returned when the permission gate rejects a
	// request. Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrParentMissing signals a referential integrity violation on write:
	// the parent conversation (or project) row does not exist.
	ErrParentMissing = errors.New("parent record missing")

	// ErrProviderTransient covers network errors, 5xx responses, and
	// timeouts from model providers. The gateway retries these itself.
	ErrProviderTransient = errors.New("transient provider failure")

	// ErrProviderFatal covers auth/quota rejections, dimension mismatches,
	// and malformed provider responses. Not retried; the provider is marked
	// degraded in the router.
	ErrProviderFatal = errors.New("fatal provider failure")

	// ErrStorePartial means the relational write committed but vector
	// indexing failed. The row is deactivated and a repair task queued.
	ErrStorePartial = errors.New("partial store failure")

	// ErrNotFound is returned by read paths when the requested record does
	// not exist or is tombstoned.
	ErrNotFound = errors.New("not found")
)

// Invalidf wraps ErrInputInvalid with a formatted detail message.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInputInvalid}, args...)...)
}

// Transient reports whether err should be retried by the gateway.
func Transient(err error) bool {
	return errors.Is(err, ErrProviderTransient)
}
