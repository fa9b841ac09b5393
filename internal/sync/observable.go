package sync

import (
	"context"
	stdsync "sync"
)

// observable broadcasts the latest value of T to any number of subscribers.
// Each subscriber channel has a buffer of one that always holds the newest
// unread value, so a slow reader skips intermediate values instead of
// building a backlog. New subscribers receive the current value at once.
type observable[T any] struct {
	mu     stdsync.Mutex
	latest T
	subs   map[chan T]struct{}
	closed bool
	done   chan struct{}
	clone  func(T) T
}

func newObservable[T any](initial T, clone func(T) T) *observable[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}

	return &observable[T]{
		latest: initial,
		subs:   make(map[chan T]struct{}),
		done:   make(chan struct{}),
		clone:  clone,
	}
}

// subscribe returns a channel that receives the current value and every
// later one (conflated). It is closed when ctx is done or the observable is
// closed.
func (o *observable[T]) subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)

		return ch
	}

	ch <- o.clone(o.latest)
	o.subs[ch] = struct{}{}
	o.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			o.unsubscribe(ch)
		case <-o.done:
		}
	}()

	return ch
}

// publish replaces the latest value and offers it to every subscriber,
// discarding any value they have not read yet.
func (o *observable[T]) publish(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.latest = v

	for ch := range o.subs {
		select {
		case <-ch:
		default:
		}

		// Only publish sends, and it holds mu, so the slot is free.
		ch <- o.clone(v)
	}
}

// current returns a copy of the latest value.
func (o *observable[T]) current() T {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.clone(o.latest)
}

func (o *observable[T]) unsubscribe(ch chan T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.subs[ch]; ok {
		delete(o.subs, ch)
		close(ch)
	}
}

// close ends every subscription. Later subscribers get a closed channel.
func (o *observable[T]) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.closed = true
	for ch := range o.subs {
		close(ch)
	}

	clear(o.subs)
	close(o.done)
}
