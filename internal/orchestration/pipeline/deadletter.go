package pipeline

import (
	"sync"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// DefaultDeadLetterCapacity is the number of undeliverable messages retained.
const DefaultDeadLetterCapacity = 256

// DeadLetter is a message that could not be delivered.
type DeadLetter struct {
	Message message.Message `json:"message"`
	Reason  string          `json:"reason"`
	At      time.Time       `json:"at"`
}

// DeadLetterBuffer is a thread-safe ring of recent dead letters. When full,
// the oldest entry is overwritten.
type DeadLetterBuffer struct {
	entries  []DeadLetter
	capacity int
	start    int // index of oldest entry
	count    int
	total    uint64
	mu       sync.RWMutex
}

// NewDeadLetterBuffer creates a buffer holding at most capacity entries.
func NewDeadLetterBuffer(capacity int) *DeadLetterBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &DeadLetterBuffer{
		entries:  make([]DeadLetter, capacity),
		capacity: capacity,
	}
}

// Add appends a dead letter.
func (b *DeadLetterBuffer) Add(d DeadLetter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	if b.count < b.capacity {
		b.entries[(b.start+b.count)%b.capacity] = d
		b.count++
		return
	}
	b.entries[b.start] = d
	b.start = (b.start + 1) % b.capacity
}

// All returns the retained entries, oldest first.
func (b *DeadLetterBuffer) All() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeadLetter, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.start+i)%b.capacity]
	}
	return out
}

// ForRun returns the retained entries belonging to runID, oldest first.
func (b *DeadLetterBuffer) ForRun(runID string) []DeadLetter {
	var out []DeadLetter
	for _, d := range b.All() {
		if d.Message.RunID() == runID {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (b *DeadLetterBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Total returns the number of entries ever added, including overwritten ones.
func (b *DeadLetterBuffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
