package cache

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrSharedUnavailable marks any failure talking to the shared tier:
	// connectivity, timeouts, protocol errors or an open circuit breaker.
	ErrSharedUnavailable = errors.New("cache: shared store unavailable")

	// ErrSerialization marks a value that could not be encoded for, or decoded
	// from, the shared tier's wire form.
	ErrSerialization = errors.New("cache: serialization failed")

	// ErrInvalidPattern is returned by InvalidatePattern for an empty pattern,
	// which would otherwise match every key.
	ErrInvalidPattern = errors.New("cache: invalid pattern")

	// ErrInvalidConfig is returned by New when an option is out of range.
	ErrInvalidConfig = errors.New("cache: invalid config")
)

// markedError carries a cause and matches mark with errors.Is. Unlike
// errors.Mark, the match also works for the standard library's errors.Is.
type markedError struct {
	cause error
	mark  error
}

func (e *markedError) Error() string { return e.cause.Error() }

func (e *markedError) Unwrap() error { return e.cause }

func (e *markedError) Is(target error) bool { return target == e.mark }

// sharedError wraps err as a shared-tier failure while keeping the original
// cause reachable through errors.Is.
func sharedError(err error, op string) error {
	if err == nil {
		return nil
	}
	return &markedError{cause: errors.Wrapf(err, "shared %s", op), mark: ErrSharedUnavailable}
}

func serializationError(err error, op string) error {
	return &markedError{cause: errors.Wrapf(err, "%s", op), mark: ErrSerialization}
}
