package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

var (
	// ErrNotFound is matched by errors.Is for unknown run ids.
	ErrNotFound = errors.New("run not found")

	// ErrNoStartStage is returned by StartRun when the workflow has no start stage.
	ErrNoStartStage = errors.New("workflow has no start stage")

	// ErrShuttingDown is returned by StartRun after Shutdown, and recorded on
	// runs that were still in flight when the orchestrator stopped.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// NotFoundError names the unknown run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("run %s: not found", e.RunID) }

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RoutingError means a message had no registered receiver or could not be
// placed in its receiver's mailbox.
type RoutingError struct {
	From   message.StageID
	To     message.StageID
	Reason string
	Err    error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing %s -> %s: %s: %v", e.From, e.To, e.Reason, e.Err)
	}
	return fmt.Sprintf("routing %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *RoutingError) Unwrap() error     { return e.Err }
func (e *RoutingError) ErrorType() string { return "routing" }

// BackpressureError means the receiver's mailbox stayed full for the whole
// bounded enqueue wait.
type BackpressureError struct {
	Stage    message.StageID
	Depth    int
	Capacity int
	Waited   time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("mailbox %s full (%d/%d) after %s", e.Stage, e.Depth, e.Capacity, e.Waited)
}

func (e *BackpressureError) ErrorType() string { return "backpressure" }

// WatchdogTimeoutError means a running run made no progress for too long.
type WatchdogTimeoutError struct {
	Stage message.StageID
	Idle  time.Duration
}

func (e *WatchdogTimeoutError) Error() string {
	return fmt.Sprintf("no progress for %s (last stage %s)", e.Idle.Round(time.Millisecond), e.Stage)
}

func (e *WatchdogTimeoutError) ErrorType() string { return "watchdog_timeout" }

// CancelledError is recorded when a run is cancelled on request.
type CancelledError struct {
	RunID string
	Stage message.StageID
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled at stage %s", e.RunID, e.Stage)
}

func (e *CancelledError) ErrorType() string { return "cancelled" }

// shutdownError ties a failed run to ErrShuttingDown.
type shutdownError struct{}

func (shutdownError) Error() string     { return ErrShuttingDown.Error() }
func (shutdownError) Is(t error) bool   { return t == ErrShuttingDown }
func (shutdownError) ErrorType() string { return "shutdown" }
