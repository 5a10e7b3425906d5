package common

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors - use errors.Is() to check
var (
	// Generic errors
	ErrInternal     = errors.New("internal error")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")

	// Resource-specific errors
	ErrJobNotFound = fmt.Errorf("job %w", ErrNotFound)

	// Validation errors
	ErrValidation = errors.New("validation error")

	// Orchestration errors
	ErrStage          = errors.New("stage error")
	ErrTimeout        = errors.New("timeout")
	ErrQueueStopped   = errors.New("queue stopped")
	ErrRetryExhausted = errors.New("retry limit exhausted")
)

// ConflictError reports an illegal job state transition. It names both the
// attempted and the current state so callers never have to guess.
type ConflictError struct {
	JobID   string
	From    string
	To      string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("job %s: %s (status %s)", e.JobID, e.Message, e.From)
	}
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// Is implements errors.Is for ConflictError
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StageError wraps a pipeline stage failure. Terminal for the job,
// recoverable via retry.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for StageError
func (e *StageError) Is(target error) bool {
	return target == ErrStage
}

// TimeoutError reports a job exceeding its wall-clock budget.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job exceeded timeout of %s", e.Limit)
}

// Is implements errors.Is for TimeoutError
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is implements errors.Is for ValidationError
func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msg := ""
	for i, err := range e {
		if i > 0 {
			msg += "; "
		}
		msg += err.Error()
	}
	return msg
}

// Is implements errors.Is for ValidationErrors
func (e ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if error is a conflict error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation checks if error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
