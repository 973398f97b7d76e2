package jobstore

import (
	"github.com/cockroachdb/errors"
	"github.com/go-tick/jobstore/internal/lock"
)

var (
	ErrConfiguration       = errors.New("invalid job store configuration")
	ErrPersistence         = errors.New("job store persistence failure")
	ErrObjectAlreadyExists = errors.New("object already exists")
	ErrJobNotFound         = errors.New("job not found")
	ErrCalendarInUse       = errors.New("calendar is referenced by triggers")
	ErrNotSupported        = errors.New("operation not supported")
	ErrInvalidJob          = errors.New("invalid job")
	ErrInvalidTrigger      = errors.New("invalid trigger")
	ErrCannotParseSchedule = errors.New("cannot parse schedule")
	ErrUnknownScheduleType = errors.New("unknown schedule type")
	ErrUnknownCalendarType = errors.New("unknown calendar type")

	ErrLockAlreadyDisposed = lock.ErrLockAlreadyDisposed
)

// ErrorListener receives failures from background work that has no caller to
// return them to.
type ErrorListener interface {
	OnError(err error)
}

// persistenceError wraps err for the public boundary. Everything except a
// conflict or a rejected argument is marked ErrPersistence; the original
// sentinel stays in the chain.
func persistenceError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	wrapped := errors.Wrapf(err, format, args...)
	if errors.IsAny(err, ErrObjectAlreadyExists, ErrPersistence, ErrInvalidJob, ErrInvalidTrigger, ErrConfiguration) {
		return wrapped
	}

	return errors.Mark(wrapped, ErrPersistence)
}

func alreadyExists(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrObjectAlreadyExists)
}
