package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitReachesTypedSubscriber(t *testing.T) {
	s := NewSubject()
	defer Complete(s)

	var mu sync.Mutex
	var got []string
	Subscribe(s, "topic.a", func(ctx context.Context, v string) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})

	require.NoError(t, Emit(s, "topic.a", "hello"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberOnlySeesItsTopic(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	count := 0
	Subscribe(s, "topic.a", func(ctx context.Context, v int) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	require.NoError(t, Emit(s, "topic.b", 1))
	require.NoError(t, Emit(s, "topic.a", 2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	count := 0
	sub := Subscribe(s, "topic.a", func(ctx context.Context, v int) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	require.NoError(t, Emit(s, "topic.a", 1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, Emit(s, "topic.a", 2))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := NewSubject()
	Complete(s)
	Complete(s)
	Complete(nil)
}
