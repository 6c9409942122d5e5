package operation

import (
	"time"

	"github.com/pkg/errors"
)

// ErrWriteConflict is the storage engine's signal that an operation raced
// with a concurrent writer and should restart from a fresh snapshot. Wrap
// it with context via errors.Wrap; WriteConflictRetry unwraps with
// errors.Is.
var ErrWriteConflict = errors.New("write conflict")

// NewWriteConflictError returns a write conflict annotated with the failing
// operation and namespace.
func NewWriteConflictError(op, ns string) error {
	return errors.Wrapf(ErrWriteConflict, "%s on %s", op, ns)
}

// IsWriteConflict reports whether err is (or wraps) a write conflict.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

const (
	writeConflictBaseBackoff = 100 * time.Microsecond
	writeConflictMaxBackoff  = 10 * time.Millisecond
)

// writeConflictBackoff sleeps before the next retry attempt. The delay
// doubles every few attempts and is capped.
func writeConflictBackoff(attempt int) {
	factor := min(attempt/4, 6)
	delay := min(writeConflictBaseBackoff*time.Duration(1<<uint(factor)), writeConflictMaxBackoff)
	time.Sleep(delay)
}

// WriteConflictRetry invokes fn, retrying it with backoff for as long as it
// returns a write conflict. opStr and ns tag the operation for diagnostics.
//
// If the operation is already inside a write unit of work the conflict is
// not retryable here — only the unit of work's own retry loop can restart
// from a consistent state — so the error is returned to the caller
// unchanged. Every other error also propagates unchanged.
func WriteConflictRetry[T any](ctx *Context, opStr, ns string, fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !IsWriteConflict(err) || ctx.Locker().InAWriteUnitOfWork() {
			return out, err
		}
		ctx.Debug().recordWriteConflict()
		writeConflictBackoff(attempt)
	}
}
