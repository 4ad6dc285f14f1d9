package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askcs/eve/pkg/state/filestate"
)

func TestTriggerDeliversToMatchingSubscribers(t *testing.T) {
	var mu sync.Mutex
	var got []string

	bus := New("pub://a", func(ctx context.Context, subscriberURL, callback string, payload json.RawMessage) error {
		mu.Lock()
		got = append(got, subscriberURL)
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Subscribe(context.Background(), "sub://1", "ping", "onPing"))
	require.NoError(t, bus.Subscribe(context.Background(), "sub://2", "pong", "onPong"))

	bus.Trigger(context.Background(), "ping", json.RawMessage(`{}`))

	require.Equal(t, []string{"sub://1"}, got)
}

func TestTriggerMatchesWildcardSubscription(t *testing.T) {
	var mu sync.Mutex
	var got []string

	bus := New("pub://a", func(ctx context.Context, subscriberURL, callback string, payload json.RawMessage) error {
		mu.Lock()
		got = append(got, callback)
		mu.Unlock()
		return nil
	})
	require.NoError(t, bus.Subscribe(context.Background(), "sub://1", "*", "onAny"))

	bus.Trigger(context.Background(), "anything", json.RawMessage(`{}`))
	bus.Trigger(context.Background(), "something-else", json.RawMessage(`{}`))

	require.Equal(t, []string{"onAny", "onAny"}, got)
}

func TestDuplicateSubscribeCollapses(t *testing.T) {
	bus := New("pub://a", func(context.Context, string, string, json.RawMessage) error { return nil })
	require.NoError(t, bus.Subscribe(context.Background(), "sub://1", "ping", "onPing"))
	require.NoError(t, bus.Subscribe(context.Background(), "sub://1", "ping", "onPing"))

	require.Len(t, bus.Subscriptions(), 1)
}

func TestUnsubscribeIsIdempotentAndDoesNotDelegateToSubscribe(t *testing.T) {
	bus := New("pub://a", func(context.Context, string, string, json.RawMessage) error { return nil })
	require.NoError(t, bus.Subscribe(context.Background(), "sub://1", "ping", "onPing"))

	require.NoError(t, bus.Unsubscribe(context.Background(), "sub://1", "ping", "onPing"))
	require.NoError(t, bus.Unsubscribe(context.Background(), "sub://1", "ping", "onPing")) // must not panic or re-add

	require.Empty(t, bus.Subscriptions())
}

func TestPersistentBusWritesSubscriptionsUnderPublisherState(t *testing.T) {
	ctx := context.Background()
	store, err := filestate.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	bus, err := NewPersistent(ctx, "pub://a", store, func(context.Context, string, string, json.RawMessage) error { return nil })
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx, "sub://1", "ping", "onPing"))

	c, err := store.Get(ctx, "pub://a")
	require.NoError(t, err)
	var rec subscriptionRecord
	require.NoError(t, c.Get(ctx, subscriptionsKey, &rec))
	require.Equal(t, []Subscription{{URL: "sub://1", Event: "ping", Callback: "onPing"}}, rec.Subscriptions)

	require.NoError(t, bus.Unsubscribe(ctx, "sub://1", "ping", "onPing"))
	require.NoError(t, c.Get(ctx, subscriptionsKey, &rec))
	require.Empty(t, rec.Subscriptions)
}

func TestPersistentBusReloadsSubscriptionsOnConstruction(t *testing.T) {
	ctx := context.Background()
	store, err := filestate.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	first, err := NewPersistent(ctx, "pub://a", store, func(context.Context, string, string, json.RawMessage) error { return nil })
	require.NoError(t, err)
	require.NoError(t, first.Subscribe(ctx, "sub://1", "ping", "onPing"))

	second, err := NewPersistent(ctx, "pub://a", store, func(context.Context, string, string, json.RawMessage) error { return nil })
	require.NoError(t, err)
	require.Len(t, second.Subscriptions(), 1)
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	var mu sync.Mutex
	var order []string

	bus := New("pub://a", func(ctx context.Context, subscriberURL, callback string, payload json.RawMessage) error {
		if subscriberURL == "sub://slow" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, subscriberURL)
		mu.Unlock()
		return nil
	})
	require.NoError(t, bus.Subscribe(context.Background(), "sub://slow", "e", "cb"))
	require.NoError(t, bus.Subscribe(context.Background(), "sub://fast", "e", "cb"))

	start := time.Now()
	bus.Trigger(context.Background(), "e", json.RawMessage(`{}`))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"sub://slow", "sub://fast"}, order)
	require.Equal(t, "sub://fast", order[0])
}

func TestFailingSubscriberIsSkippedNotRemoved(t *testing.T) {
	bus := New("pub://a", func(ctx context.Context, subscriberURL, callback string, payload json.RawMessage) error {
		return errors.New("delivery failed")
	})
	require.NoError(t, bus.Subscribe(context.Background(), "sub://1", "e", "cb"))

	bus.Trigger(context.Background(), "e", json.RawMessage(`{}`))

	require.Len(t, bus.Subscriptions(), 1)
}
