// Package sync implements the two-way task/calendar sync engine: token
// upkeep, change tracking, conflict resolution, the per-user pass
// orchestrator and the scheduler that drives it.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
)

// Pass failure classes. Every error returned by RunPass wraps exactly one
// of these; the scheduler's retry policy keys off them.
var (
	ErrTransient         = errors.New("sync: transient failure")
	ErrAuthExpired       = errors.New("sync: authorization expired")
	ErrCursorExpired     = errors.New("sync: remote cursor expired")
	ErrVersionConflict   = errors.New("sync: remote version conflict")
	ErrStoreUnavailable  = errors.New("sync: state store unavailable")
	ErrPermanentConflict = errors.New("sync: permanent conflict")
	ErrSyncDegraded      = errors.New("sync: retries exhausted")
)

// ErrorClass is the retry-relevant category of a pass failure.
type ErrorClass int

// Error classes, in classification priority order.
const (
	ClassNone ErrorClass = iota
	ClassCanceled
	ClassAuthExpired
	ClassVersionConflict
	ClassStoreUnavailable
	ClassPermanentConflict
	ClassCursorExpired
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassCanceled:
		return "canceled"
	case ClassAuthExpired:
		return "auth_expired"
	case ClassVersionConflict:
		return "version_conflict"
	case ClassStoreUnavailable:
		return "store_unavailable"
	case ClassPermanentConflict:
		return "permanent_conflict"
	case ClassCursorExpired:
		return "cursor_expired"
	case ClassTransient:
		return "transient"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// Retryable reports whether the scheduler retries the class automatically.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassStoreUnavailable, ClassCursorExpired, ClassVersionConflict:
		return true
	default:
		return false
	}
}

// ClassifyError maps an error returned by RunPass (or anything below it)
// to its class. Unknown errors are transient.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrAuthExpired):
		return ClassAuthExpired
	case errors.Is(err, ErrVersionConflict):
		return ClassVersionConflict
	case errors.Is(err, ErrStoreUnavailable):
		return ClassStoreUnavailable
	case errors.Is(err, ErrPermanentConflict):
		return ClassPermanentConflict
	case errors.Is(err, ErrCursorExpired):
		return ClassCursorExpired
	default:
		return ClassTransient
	}
}

// classify wraps a raw store or calendar error in the matching pass
// failure sentinel, keeping the original in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var sentinel error

	switch {
	case errors.Is(err, ErrTransient), errors.Is(err, ErrAuthExpired), errors.Is(err, ErrCursorExpired),
		errors.Is(err, ErrVersionConflict), errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrPermanentConflict):
		return fmt.Errorf("sync: %s: %w", op, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("sync: %s: %w", op, err)
	case errors.Is(err, calendar.ErrRevoked), errors.Is(err, calendar.ErrForbidden),
		errors.Is(err, calendar.ErrCalendarNotFound):
		sentinel = ErrAuthExpired
	case errors.Is(err, calendar.ErrVersionConflict), errors.Is(err, store.ErrCommitConflict):
		sentinel = ErrVersionConflict
	case errors.Is(err, store.ErrUnavailable):
		sentinel = ErrStoreUnavailable
	default:
		sentinel = ErrTransient
	}

	return fmt.Errorf("sync: %s: %w: %w", op, sentinel, err)
}
