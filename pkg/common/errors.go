package common

import (
	"errors"
	"fmt"
)

// Error taxonomy of the linking pipeline. Concrete failures wrap one of these
// sentinels and are matched with errors.Is.
var (
	ErrConfig              = errors.New("invalid configuration")
	ErrInvalidWindowConfig = fmt.Errorf("%w: window", ErrConfig)

	ErrIndex             = errors.New("candidate index error")
	ErrIndexEmpty        = fmt.Errorf("%w: index is empty", ErrIndex)
	ErrDimensionMismatch = fmt.Errorf("%w: dimension mismatch", ErrIndex)
	ErrIndexUnavailable  = fmt.Errorf("%w: unavailable", ErrIndex)

	ErrEncoding     = errors.New("encoding error")
	ErrScoring      = errors.New("scoring error")
	ErrTimeout      = errors.New("timeout")
	ErrResolution   = errors.New("resolution invariant violated")
	ErrNoCandidates = errors.New("no candidates")
	ErrCanceled     = errors.New("linking canceled")
)

// AttemptError is returned when a call failed after at least one retry.
type AttemptError struct {
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// DimensionError builds an ErrDimensionMismatch with both dimensions.
func DimensionError(got, want int) error {
	return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, got, want)
}

// WrapModelError tags a failed model call of op with class, ErrEncoding or
// ErrScoring. Timeouts keep their own class and are not tagged.
func WrapModelError(class error, op string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", class, op, err)
}

// IsWindowRecoverable reports whether err only affects a single window and
// the document can continue with the remaining windows.
func IsWindowRecoverable(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, ErrResolution), errors.Is(err, ErrConfig), errors.Is(err, ErrIndexEmpty):
		return false
	case errors.Is(err, ErrIndexUnavailable),
		errors.Is(err, ErrDimensionMismatch),
		errors.Is(err, ErrEncoding),
		errors.Is(err, ErrScoring),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNoCandidates):
		return true
	default:
		return false
	}
}
