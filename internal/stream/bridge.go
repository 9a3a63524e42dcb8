// Package stream bridges a producer that owns some external stream (a
// worker's event feed, a database cursor) to a consumer on another
// goroutine.
//
// The bridge is bounded: a producer that runs ahead of its consumer blocks
// in Emit. Cancellation is cooperative: closing the bridge or cancelling
// its context makes the next Emit fail, and the producer is expected to
// return. The first error the producer returns is handed to the consumer
// after the items emitted before it.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Emit once the consumer closed the bridge.
var ErrClosed = errors.New("stream closed")

// Producer fills a bridge. It must return once emit fails.
type Producer[T any] func(ctx context.Context, emit func(T) error) error

// Bridge is a bounded, cancellable channel between one producer goroutine
// and one consumer.
type Bridge[T any] struct {
	items  chan T
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// New starts produce on its own goroutine. capacity bounds the number of
// items buffered ahead of the consumer; values below one mean one.
func New[T any](ctx context.Context, capacity int, produce Producer[T]) *Bridge[T] {
	if capacity < 1 {
		capacity = 1
	}
	bctx, cancel := context.WithCancelCause(ctx)
	b := &Bridge[T]{
		items:  make(chan T, capacity),
		ctx:    bctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.run(produce)
	return b
}

func (b *Bridge[T]) run(produce Producer[T]) {
	defer close(b.done)
	defer close(b.items)
	err := produce(b.ctx, b.emit)
	if err != nil && !errors.Is(err, ErrClosed) {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}
}

func (b *Bridge[T]) emit(item T) error {
	select {
	case <-b.ctx.Done():
		return context.Cause(b.ctx)
	default:
	}
	select {
	case b.items <- item:
		return nil
	case <-b.ctx.Done():
		return context.Cause(b.ctx)
	}
}

// Next returns the next item. ok is false once the producer finished and
// every buffered item was consumed; err is then the producer's error, if
// any. A cancelled ctx returns its error without closing the bridge.
func (b *Bridge[T]) Next(ctx context.Context) (item T, ok bool, err error) {
	select {
	case item, ok = <-b.items:
		if ok {
			return item, true, nil
		}
		<-b.done
		return item, false, b.Err()
	case <-ctx.Done():
		return item, false, ctx.Err()
	}
}

// Err returns the producer's error once it finished.
func (b *Bridge[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close cancels the producer and waits for it to return. Items not yet
// consumed are discarded.
func (b *Bridge[T]) Close() error {
	b.cancel(ErrClosed)
	for range b.items {
	}
	<-b.done
	return b.Err()
}

// Collect consumes the bridge to the end.
func Collect[T any](ctx context.Context, b *Bridge[T]) ([]T, error) {
	var out []T
	for {
		item, ok, err := b.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
