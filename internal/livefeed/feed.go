// Package livefeed fans snapshots out to subscribers the way a document
// store's live query does: every subscriber gets the latest value in order on
// its own goroutine, and a slow subscriber only ever sees the newest pending
// value instead of blocking the writer.
package livefeed

import (
	"context"
	"sync"
)

type Feed[T any] struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber[T]
	next uint64
}

type subscriber[T any] struct {
	pending chan T
}

func New[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe registers fn until ctx is done. initial is always delivered
// first; values published after it may be coalesced to the newest.
func (f *Feed[T]) Subscribe(ctx context.Context, initial T, fn func(T)) {
	s := &subscriber[T]{pending: make(chan T, 1)}

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = s
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		}()
		if ctx.Err() != nil {
			return
		}
		fn(initial)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-s.pending:
				if ctx.Err() != nil {
					return
				}
				fn(v)
			}
		}
	}()
}

// Publish hands v to every subscriber, replacing any published value not yet
// consumed. A subscriber's initial value is never replaced.
// Callers must produce values in order; Publish itself never blocks on a
// subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		select {
		case <-s.pending:
		default:
		}
		s.pending <- v
	}
}

// Len reports the number of live subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
