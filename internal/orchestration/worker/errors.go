package worker

import (
	"errors"
	"fmt"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// StageError is a processor failure. Retryable is advisory: the orchestrator
// does not retry, but the value travels in the error message payload so the
// sender can decide.
type StageError struct {
	Stage     message.StageID
	Reason    string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// ValidationError reports a payload missing a field the stage requires.
type ValidationError struct {
	Stage message.StageID
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s: missing required field %q", e.Stage, e.Field)
}

// NewStageError builds a StageError wrapping err.
func NewStageError(stage message.StageID, reason string, retryable bool, err error) *StageError {
	return &StageError{Stage: stage, Reason: reason, Retryable: retryable, Err: err}
}

// Require returns a ValidationError for the first of fields absent from msg.
func Require(stage message.StageID, msg message.Message, fields ...string) error {
	for _, f := range fields {
		if !msg.Has(f) {
			return &ValidationError{Stage: stage, Field: f}
		}
	}
	return nil
}

// IsRetryable reports whether err is a StageError marked retryable.
func IsRetryable(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Retryable
}

// ErrorType names the class of err for error message payloads and run records.
func ErrorType(err error) string {
	var (
		se *StageError
		ve *ValidationError
		te interface{ ErrorType() string }
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &se):
		return "stage"
	case errors.As(err, &te):
		return te.ErrorType()
	default:
		return "unknown"
	}
}
