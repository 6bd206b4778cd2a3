package flatpack

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Error is the interface for all errors returned by this module. Every error
// descends from one of the root errors below, so callers can classify a failure
// with [errors.Is] no matter how many messages were layered on top of it.
type Error interface {
	error
	WithMessage(message string) Error
	Wrap(err error) Error
}

type baseError string

const rootError = baseError("")

// Parameter errors: detected on entry, before any work is done.
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrNameTooLong = rootError.WithMessage("File name too long")
var ErrInsecurePath = rootError.WithMessage("Insecure file path")

// Resource errors.
var ErrResourceExhausted = rootError.WithMessage("Cannot allocate memory")

// Data integrity errors. Decoding stops where these are detected.
var ErrCorruptData = rootError.WithMessage("Corrupt compressed data")

// ErrChecksumMismatch is returned when a member was decoded completely but its
// trailer doesn't match what was decoded. It's non-fatal: the extracted output
// is kept and callers should surface the error as a warning.
var ErrChecksumMismatch = rootError.WithMessage("Checksum mismatch")

// I/O errors.
var ErrIOFailed = rootError.WithMessage("Input/output error")

// Archive errors.
var ErrNotFound = rootError.WithMessage("No such archive member")
var ErrExists = rootError.WithMessage("File exists")
var ErrNotSupported = rootError.WithMessage("Operation not supported")

func (e baseError) Error() string {
	return string(e)
}

func (e baseError) WithMessage(message string) Error {
	return customError{
		message:       message,
		originalError: e,
	}
}

func (e baseError) Wrap(err error) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customError) Error() string {
	return e.message
}

func (e customError) WithMessage(message string) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customError) Wrap(err error) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customError) Unwrap() error {
	return e.originalError
}

// WithCleanupError attaches an error encountered while cleaning up after a
// failed operation to the error that caused the failure. If cleanupErr is nil,
// the primary error is returned unchanged.
func WithCleanupError(primary error, cleanupErr error) error {
	if cleanupErr == nil {
		return primary
	}
	if primary == nil {
		return cleanupErr
	}
	return multierror.Append(primary, cleanupErr)
}
