package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

func collect(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("review.completed", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("review.completed", "test", map[string]interface{}{"user_id": "u1"})
	require.NoError(t, b.Publish(context.Background(), "review.completed", ev))

	got := collect(t, received)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "u1", got.Data["user_id"])
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	star := make(chan *Event, 1)
	arrow := make(chan *Event, 1)
	_, err := b.Subscribe("repo.*", func(ctx context.Context, ev *Event) error {
		star <- ev
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("repo.>", func(ctx context.Context, ev *Event) error {
		arrow <- ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("repo.status_changed", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "repo.status_changed", ev))
	collect(t, star)
	collect(t, arrow)

	// A two-token tail matches > but not *.
	deep := NewEvent("repo.analysis.done", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "repo.analysis.done", deep))
	collect(t, arrow)
	select {
	case <-star:
		t.Fatal("single-token wildcard matched a multi-token subject")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("review.completed", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "review.completed", NewEvent("review.completed", "test", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler received an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	done := make(chan struct{}, 10)
	handler := func(name string) EventHandler {
		return func(ctx context.Context, ev *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			done <- struct{}{}
			return nil
		}
	}

	_, err := b.QueueSubscribe("review.completed", "workers", handler("a"))
	require.NoError(t, err)
	_, err = b.QueueSubscribe("review.completed", "workers", handler("b"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "review.completed", NewEvent("review.completed", "test", nil)))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queue delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, counts["a"]+counts["b"])
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "review.completed", NewEvent("review.completed", "test", nil))
	assert.Error(t, err)
}
