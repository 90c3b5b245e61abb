package shared

import "errors"

var (
	// ErrValidation classifies input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrConflict classifies requests that collide with existing state.
	ErrConflict = errors.New("conflict")
	// ErrResource classifies requests the current stock or balances cannot satisfy.
	ErrResource = errors.New("insufficient resource")
	// ErrConcurrency classifies lost updates; callers may retry with the same idempotency key.
	ErrConcurrency = errors.New("concurrent modification")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrTenantRequired indicates an operation issued without a tenant.
	ErrTenantRequired = Classify(ErrValidation, "tenant id required")
)

// classified is a sentinel error that also matches its taxonomy kind.
type classified struct {
	kind error
	msg  string
}

func (e *classified) Error() string { return e.msg }

func (e *classified) Is(target error) bool { return target == e.kind }

// Classify builds a sentinel error matched by errors.Is against both itself and kind.
func Classify(kind error, msg string) error {
	return &classified{kind: kind, msg: msg}
}

// IsRetryable reports whether err is a lost update the caller may safely replay.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
