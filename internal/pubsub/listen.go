package pubsub

import "context"

// Next waits for the next event on ch. It returns false when ctx is done or
// the channel has been closed.
func Next[T any](ctx context.Context, ch <-chan Event[T]) (Event[T], bool) {
	select {
	case <-ctx.Done():
		return Event[T]{}, false
	case event, ok := <-ch:
		return event, ok
	}
}

// Listener wraps a broker subscription for pull-style consumers such as the
// CLI progress printer.
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to broker. The subscription ends when ctx is cancelled.
func NewListener[T any](ctx context.Context, broker Subscriber[T], buffer int) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.SubscribeWithBuffer(ctx, buffer),
	}
}

// Next blocks for the next event.
func (l *Listener[T]) Next() (Event[T], bool) {
	return Next(l.ctx, l.ch)
}

// Each calls fn for every event until ctx is done, the broker closes, or fn
// returns false.
func (l *Listener[T]) Each(fn func(Event[T]) bool) {
	for {
		event, ok := l.Next()
		if !ok || !fn(event) {
			return
		}
	}
}
