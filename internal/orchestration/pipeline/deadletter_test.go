package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
)

func letter(run string, i int) DeadLetter {
	return DeadLetter{
		Message: message.NewTask(run, message.None, message.StageWriter, message.Payload{"i": i}),
		Reason:  "test",
		At:      time.Now(),
	}
}

func TestDeadLetterBuffer_KeepsNewest(t *testing.T) {
	b := NewDeadLetterBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(letter("run", i))
	}

	require.Equal(t, 3, b.Len())
	require.Equal(t, uint64(5), b.Total())

	all := b.All()
	var got []any
	for _, d := range all {
		v, _ := d.Message.Value("i")
		got = append(got, v)
	}
	require.Equal(t, []any{2, 3, 4}, got, "oldest first")
}

func TestDeadLetterBuffer_ForRun(t *testing.T) {
	b := NewDeadLetterBuffer(10)
	b.Add(letter("a", 1))
	b.Add(letter("b", 2))
	b.Add(letter("a", 3))

	require.Len(t, b.ForRun("a"), 2)
	require.Len(t, b.ForRun("b"), 1)
	require.Empty(t, b.ForRun("c"))
}

func TestDeadLetterBuffer_MinimumCapacity(t *testing.T) {
	b := NewDeadLetterBuffer(0)
	b.Add(letter("a", 1))
	b.Add(letter("a", 2))
	require.Equal(t, 1, b.Len())
}

func TestDeadLetterBuffer_Concurrent(t *testing.T) {
	b := NewDeadLetterBuffer(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add(letter(fmt.Sprintf("run-%d", g), i))
				_ = b.All()
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 50, b.Len())
	require.Equal(t, uint64(800), b.Total())
}

func TestErrors_Types(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"routing", &RoutingError{From: "a", To: "b", Reason: "receiver not registered"}, "routing"},
		{"backpressure", &BackpressureError{Stage: "b", Depth: 1, Capacity: 1}, "backpressure"},
		{"watchdog", &WatchdogTimeoutError{Stage: "b", Idle: time.Minute}, "watchdog_timeout"},
		{"cancelled", &CancelledError{RunID: "r", Stage: "b"}, "cancelled"},
		{"shutdown", shutdownError{}, "shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, worker.ErrorType(tt.err))
			require.NotEmpty(t, tt.err.Error())
		})
	}

	require.ErrorIs(t, shutdownError{}, ErrShuttingDown)

	cause := errors.New("closed")
	require.ErrorIs(t, &RoutingError{From: "a", To: "b", Reason: "enqueue failed", Err: cause}, cause)
}

func TestStatus_Transitions(t *testing.T) {
	require.True(t, StatusPending.canTransition(StatusRunning))
	require.True(t, StatusRunning.canTransition(StatusCompleted))
	require.True(t, StatusRunning.canTransition(StatusFailed))
	require.False(t, StatusCompleted.canTransition(StatusFailed))
	require.False(t, StatusFailed.canTransition(StatusRunning))
	require.False(t, StatusRunning.canTransition(StatusPending))
	require.True(t, StatusFailed.IsTerminal())
	require.False(t, StatusRunning.IsTerminal())
}
