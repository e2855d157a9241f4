// Package errs holds the error kinds shared across the trainer.
// Callers match them with errors.Is; producers wrap them with context.
package errs

import "github.com/pkg/errors"

var (
	// ErrConfiguration marks a model or executor set up with inconsistent sizes.
	ErrConfiguration = errors.New("configuration error")

	// ErrResourceUnavailable marks pretrained weights or encoders that could not be obtained.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrCorruptCheckpoint marks a checkpoint that is missing entries or does not fit the live model.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrIO marks a checkpoint destination that cannot be created or written.
	ErrIO = errors.New("io error")
)

// Configuration wraps ErrConfiguration with a formatted message.
func Configuration(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Corrupt wraps ErrCorruptCheckpoint with a formatted message.
func Corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptCheckpoint, format, args...)
}

// Unavailable attaches ErrResourceUnavailable to a cause.
func Unavailable(cause error, format string, args ...interface{}) error {
	return &kindError{kind: ErrResourceUnavailable, cause: errors.Wrapf(cause, format, args...)}
}

// IO attaches ErrIO to a cause.
func IO(cause error, format string, args ...interface{}) error {
	return &kindError{kind: ErrIO, cause: errors.Wrapf(cause, format, args...)}
}

// kindError keeps both the original cause and the error kind reachable by errors.Is.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Is(target error) bool { return target == e.kind }
