package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCheckpointCorrupt = errors.New("checkpoint state corrupt")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
	ErrInvalidHeader     = errors.New("invalid file header")
	ErrCycleInProgress   = errors.New("ingestion cycle already in progress")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrPermanent         = errors.New("permanent failure")
)

// BatchError is the terminal outcome of a batch write: the retry budget ran
// out, or a non-transient error made retrying pointless.
type BatchError struct {
	Err      error
	Attempts int
	Files    []string
	Cause    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s) [files: %s]: %v",
		e.Err.Error(), e.Attempts, strings.Join(e.Files, ","), e.Cause)
}

func (e *BatchError) Unwrap() []error {
	return []error{e.Err, e.Cause}
}

func NewBatchError(sentinel error, attempts int, files []string, cause error) *BatchError {
	return &BatchError{
		Err:      sentinel,
		Attempts: attempts,
		Files:    files,
		Cause:    cause,
	}
}

// Invalidf returns an ErrInvalidConfig wrapping a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Corruptf returns an ErrCheckpointCorrupt wrapping a formatted message.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCheckpointCorrupt, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err must stop the process rather than a single
// cycle.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCheckpointCorrupt) || errors.Is(err, ErrInvalidConfig)
}
