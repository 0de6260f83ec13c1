// Package mailbox provides the bounded FIFO inbound queue owned by each stage worker.
package mailbox

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// DefaultCapacity is the default maximum number of messages a mailbox can hold.
const DefaultCapacity = 64

// DefaultHighWater is the default fill fraction at which the slow-consumer hook fires.
const DefaultHighWater = 0.8

var (
	// ErrMailboxFull is returned when enqueueing to a mailbox at capacity.
	ErrMailboxFull = errors.New("mailbox is full")

	// ErrMailboxClosed is returned by Enqueue and Receive after Close.
	ErrMailboxClosed = errors.New("mailbox is closed")
)

// HighWaterFunc is called when the mailbox depth crosses the high-water mark.
// It runs on the enqueueing goroutine after the mailbox lock is released and
// must not block.
type HighWaterFunc func(stage message.StageID, depth, capacity int)

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithHighWater sets the fill fraction (0,1] at which fn fires. The hook is
// edge-triggered: it fires once when depth reaches the mark and re-arms after
// depth falls below it.
func WithHighWater(fraction float64, fn HighWaterFunc) Option {
	return func(m *Mailbox) {
		if fraction <= 0 || fraction > 1 {
			fraction = DefaultHighWater
		}
		m.highWater = int(math.Ceil(float64(m.capacity) * fraction))
		if m.highWater < 1 {
			m.highWater = 1
		}
		m.onHighWater = fn
	}
}

// Mailbox is a thread-safe bounded FIFO queue of messages for one stage.
type Mailbox struct {
	stage       message.StageID
	entries     []message.Message
	capacity    int
	highWater   int
	aboveMark   bool
	onHighWater HighWaterFunc
	closed      bool

	// ready has capacity 1 and is signalled whenever a message is added.
	ready chan struct{}
	// space has capacity 1 and is signalled whenever a message is removed.
	space chan struct{}
	done  chan struct{}
	mu    sync.Mutex
}

// New creates a Mailbox for stage with the given capacity.
// If capacity is <= 0, DefaultCapacity is used.
func New(stage message.StageID, capacity int, opts ...Option) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Mailbox{
		stage:    stage,
		entries:  make([]message.Message, 0),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stage returns the stage this mailbox belongs to.
func (m *Mailbox) Stage() message.StageID {
	return m.stage
}

// Enqueue adds a message to the back of the mailbox without blocking.
// Returns ErrMailboxFull at capacity and ErrMailboxClosed after Close.
func (m *Mailbox) Enqueue(msg message.Message) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	if len(m.entries) >= m.capacity {
		m.mu.Unlock()
		return ErrMailboxFull
	}

	m.entries = append(m.entries, msg)
	depth := len(m.entries)
	fire := false
	if m.onHighWater != nil && !m.aboveMark && depth >= m.highWater {
		m.aboveMark = true
		fire = true
	}
	m.mu.Unlock()

	signal(m.ready)
	if fire {
		m.onHighWater(m.stage, depth, m.capacity)
	}
	return nil
}

// Offer enqueues msg, waiting at most wait for space when the mailbox is full.
// A wait of zero behaves like Enqueue.
func (m *Mailbox) Offer(ctx context.Context, msg message.Message, wait time.Duration) error {
	err := m.Enqueue(msg)
	if !errors.Is(err, ErrMailboxFull) || wait <= 0 {
		return err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-m.space:
		case <-m.done:
			return ErrMailboxClosed
		case <-timer.C:
			return ErrMailboxFull
		case <-ctx.Done():
			return ctx.Err()
		}
		err = m.Enqueue(msg)
		if !errors.Is(err, ErrMailboxFull) {
			return err
		}
	}
}

// Receive removes and returns the message at the front of the mailbox,
// blocking until one is available, the mailbox is closed, or ctx is done.
// After Close, messages still queued are no longer delivered.
func (m *Mailbox) Receive(ctx context.Context) (message.Message, error) {
	for {
		if msg, ok := m.tryDequeue(); ok {
			return msg, nil
		}
		if m.isClosed() {
			return message.Message{}, ErrMailboxClosed
		}

		select {
		case <-m.ready:
		case <-m.done:
			return message.Message{}, ErrMailboxClosed
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

// TryReceive removes and returns the front message without blocking.
func (m *Mailbox) TryReceive() (message.Message, bool) {
	return m.tryDequeue()
}

func (m *Mailbox) tryDequeue() (message.Message, bool) {
	m.mu.Lock()
	if m.closed || len(m.entries) == 0 {
		m.mu.Unlock()
		return message.Message{}, false
	}

	msg := m.entries[0]
	m.entries[0] = message.Message{}
	m.entries = m.entries[1:]
	if m.aboveMark && len(m.entries) < m.highWater {
		m.aboveMark = false
	}
	remaining := len(m.entries)
	m.mu.Unlock()

	signal(m.space)
	if remaining > 0 {
		// Keep the ready signal armed for the next Receive.
		signal(m.ready)
	}
	return msg, true
}

// Len returns the current number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// Capacity returns the maximum number of messages the mailbox can hold.
func (m *Mailbox) Capacity() int {
	return m.capacity
}

// Drain removes and returns all queued messages, leaving the mailbox empty.
// Drain works after Close so undelivered messages can be dead-lettered.
func (m *Mailbox) Drain() []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return []message.Message{}
	}

	result := m.entries
	m.entries = make([]message.Message, 0)
	m.aboveMark = false
	return result
}

// Close stops the mailbox. Pending and future Receive calls return
// ErrMailboxClosed. Safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// signal performs a non-blocking send on a capacity-1 notification channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
