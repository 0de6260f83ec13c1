package pipeline

import (
	"context"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// RunRecord is what a RunStore persists for a terminal run.
type RunRecord struct {
	Status RunStatus
	Seed   message.Payload
	// Output is the payload produced by the last completed stage, if any.
	Output message.Payload
}

// RunStore persists terminal runs. Implementations must be safe for
// concurrent use; SaveRun is called from a background goroutine.
type RunStore interface {
	SaveRun(ctx context.Context, rec RunRecord) error
}
