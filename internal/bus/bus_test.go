package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := New[int](10)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	n := b.Publish(7)
	assert.Equal(t, 2, n)

	ctx := context.Background()
	for _, s := range []*Subscription[int]{s1, s2} {
		v, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New[string](4)
	assert.Equal(t, 0, b.Publish("nobody"))
}

func TestSubscriberDoesNotSeeEarlierValues(t *testing.T) {
	b := New[int](4)
	b.Publish(1)
	s := b.Subscribe()
	b.Publish(2)

	v, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestLaggedSubscriberDropsOldest(t *testing.T) {
	b := New[int](3)
	s := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	ctx := context.Background()
	_, err := s.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(2), lagged.Skipped)

	var got []int
	for i := 0; i < 3; i++ {
		v, err := s.Recv(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestLagIsPerSubscriber(t *testing.T) {
	b := New[int](2)
	slow := b.Subscribe()
	fast := b.Subscribe()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Publish(i)
		v, err := fast.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	_, err := slow.Recv(ctx)
	var lagged *LaggedError
	assert.ErrorAs(t, err, &lagged)
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	b := New[int](4)
	s := b.Subscribe()
	b.Publish(1)
	b.Close()

	ctx := context.Background()
	v, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.Recv(ctx)
	assert.True(t, errors.Is(err, ErrClosed))

	// Publishing after close is a no-op
	assert.Equal(t, 0, b.Publish(2))
	b.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New[int](4)
	b.Close()

	s := b.Subscribe()
	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriptionClose(t *testing.T) {
	b := New[int](4)
	s := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers())

	_, err := s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecvHonoursContext(t *testing.T) {
	b := New[int](4)
	s := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentPublishers(t *testing.T) {
	b := New[int](10000)
	s := b.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Publish(i)
			}
		}()
	}
	wg.Wait()
	b.Close()

	count := 0
	for range s.C() {
		count++
	}
	assert.Equal(t, 2000, count)
}

func TestDefaultCapacity(t *testing.T) {
	b := New[int](0)
	assert.Equal(t, DefaultCapacity, b.capacity)
}
