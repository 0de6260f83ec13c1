package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

type typedErr struct{}

func (typedErr) Error() string     { return "typed" }
func (typedErr) ErrorType() string { return "routing" }

func TestErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &ValidationError{Stage: "w", Field: "f"}, "validation"},
		{"stage", NewStageError("w", "bad", false, nil), "stage"},
		{"wrapped stage", fmt.Errorf("ctx: %w", NewStageError("w", "bad", true, nil)), "stage"},
		{"self-describing", typedErr{}, "routing"},
		{"plain", errors.New("x"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ErrorType(tt.err))
		})
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("timeout")
	err := NewStageError(message.StageWriter, "llm call failed", true, cause)
	require.ErrorIs(t, err, cause)
	require.True(t, IsRetryable(fmt.Errorf("wrap: %w", err)))
	require.False(t, IsRetryable(cause))
	require.Equal(t, "stage writer: llm call failed: timeout", err.Error())
	require.Equal(t, "stage writer: no output", (&StageError{Stage: message.StageWriter, Reason: "no output"}).Error())
}

func TestRequire(t *testing.T) {
	msg := message.NewTask("run", message.None, message.StageEditor, message.Payload{"draft_article": "x"})
	require.NoError(t, Require(message.StageEditor, msg, "draft_article"))

	err := Require(message.StageEditor, msg, "draft_article", "metadata")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "metadata", ve.Field)
}
