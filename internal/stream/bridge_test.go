package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(n int) Producer[int] {
	return func(ctx context.Context, emit func(int) error) error {
		for i := 0; i < n; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestCollectReturnsItemsInOrder(t *testing.T) {
	got, err := Collect(context.Background(), New(context.Background(), 2, counter(5)))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestProducerErrorFollowsEmittedItems(t *testing.T) {
	boom := errors.New("cursor lost")
	b := New(context.Background(), 4, func(ctx context.Context, emit func(string) error) error {
		if err := emit("a"); err != nil {
			return err
		}
		return boom
	})
	got, err := Collect(context.Background(), b)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, got)
}

func TestProducerBlocksWhenConsumerLags(t *testing.T) {
	var emitted atomic.Int32
	b := New(context.Background(), 1, func(ctx context.Context, emit func(int) error) error {
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err
			}
			emitted.Add(1)
		}
	})

	require.Eventually(t, func() bool { return emitted.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, emitted.Load(), int32(2), "producer may only run one item ahead plus the one in flight")

	item, ok, err := b.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, item)
	require.NoError(t, b.Close(), "closing is not an error")
}

func TestCloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	b := New(context.Background(), 1, func(ctx context.Context, emit func(int) error) error {
		defer close(stopped)
		<-ctx.Done()
		return emit(1)
	})
	require.NoError(t, b.Close())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer still running after Close")
	}
	_, ok, err := b.Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestParentCancellationReachesConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New(ctx, 1, func(ctx context.Context, emit func(int) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	_, err := Collect(context.Background(), b)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextHonoursConsumerContext(t *testing.T) {
	b := New(context.Background(), 1, func(ctx context.Context, emit func(int) error) error {
		<-ctx.Done()
		return nil
	})
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
