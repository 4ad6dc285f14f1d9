// Package pubsub implements the Event Bus: per-publisher subscription
// tables and concurrent, failure-isolated fan-out on trigger.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/askcs/eve/pkg/state"
)

// wildcard is the literal event name that matches every triggered event on
// a publisher.
const wildcard = "*"

// subscriptionsKey is the well-known state key a publisher's subscription
// table is persisted under.
const subscriptionsKey = "subscriptions"

// subscription is one (subscriber, event, callback) triple.
type subscription struct {
	subscriberURL string
	event         string
	callbackName  string
}

func (s subscription) key() string {
	return s.subscriberURL + "\x00" + s.event + "\x00" + s.callbackName
}

// Deliver invokes callbackMethod on subscriberURL with the trigger payload,
// the Go shape of the bus's outbound send. Errors are logged and the
// subscriber is skipped for this trigger; the subscription itself is never
// removed automatically.
type Deliver func(ctx context.Context, subscriberURL, callbackMethod string, payload json.RawMessage) error

// Bus is one publisher's subscription table. A Host holds one Bus per
// agent that publishes events. store is nil for a Bus built with New,
// which holds its table in memory only; NewPersistent wires store so
// Subscribe/Unsubscribe keep the publisher's state in sync.
type Bus struct {
	publisherURL string
	deliver      Deliver
	store        state.Store

	mu   sync.RWMutex
	subs map[string]subscription // keyed by subscription.key()
}

// New creates an in-memory-only Bus for a publisher, using deliver to
// invoke subscriber callbacks on Trigger.
func New(publisherURL string, deliver Deliver) *Bus {
	return &Bus{publisherURL: publisherURL, deliver: deliver, subs: make(map[string]subscription)}
}

// NewPersistent creates a Bus backed by store: its subscription table is
// loaded from the publisher's state under subscriptionsKey, and every
// Subscribe/Unsubscribe call writes the table back.
func NewPersistent(ctx context.Context, publisherURL string, store state.Store, deliver Deliver) (*Bus, error) {
	b := &Bus{publisherURL: publisherURL, deliver: deliver, store: store, subs: make(map[string]subscription)}
	if err := b.load(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Subscribe adds the (subscriber, event, callback) triple. Duplicates
// collapse: subscribing the same triple twice is a no-op. If this Bus is
// persistent, the updated table is written back to the publisher's state
// before Subscribe returns.
func (b *Bus) Subscribe(ctx context.Context, subscriberURL, event, callbackMethod string) error {
	sub := subscription{subscriberURL: subscriberURL, event: event, callbackName: callbackMethod}
	b.mu.Lock()
	b.subs[sub.key()] = sub
	b.mu.Unlock()
	return b.persist(ctx)
}

// Unsubscribe removes the triple. Idempotent. This is never implemented by
// delegating to Subscribe with an empty callback — that was the original's
// unregisterPingEvent bug, not reproduced here.
func (b *Bus) Unsubscribe(ctx context.Context, subscriberURL, event, callbackMethod string) error {
	sub := subscription{subscriberURL: subscriberURL, event: event, callbackName: callbackMethod}
	b.mu.Lock()
	delete(b.subs, sub.key())
	b.mu.Unlock()
	return b.persist(ctx)
}

// load populates the table from the publisher's persisted state. A no-op
// for an in-memory Bus.
func (b *Bus) load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	c, err := b.store.Get(ctx, b.publisherURL)
	if err != nil {
		return err
	}
	var rec subscriptionRecord
	if err := c.Get(ctx, subscriptionsKey, &rec); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}

	b.mu.Lock()
	for _, s := range rec.Subscriptions {
		sub := subscription{subscriberURL: s.URL, event: s.Event, callbackName: s.Callback}
		b.subs[sub.key()] = sub
	}
	b.mu.Unlock()
	return nil
}

// persist writes the current table to the publisher's state. A no-op for
// an in-memory Bus.
func (b *Bus) persist(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	c, err := b.store.Get(ctx, b.publisherURL)
	if err != nil {
		return err
	}
	return c.Put(ctx, subscriptionsKey, subscriptionRecord{Subscriptions: b.Subscriptions()})
}

// Trigger fires event with params to every matching subscription
// concurrently. A slow or failing subscriber never delays or blocks
// delivery to the others.
func (b *Bus) Trigger(ctx context.Context, event string, params json.RawMessage) {
	b.mu.RLock()
	matches := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.event == event || sub.event == wildcard {
			matches = append(matches, sub)
		}
	}
	b.mu.RUnlock()

	if len(matches) == 0 {
		return
	}

	payload, err := json.Marshal(triggerEnvelope{Agent: b.publisherURL, Event: event, Params: params})
	if err != nil {
		log.Printf("[EventBus] marshal trigger payload for %s: %v", event, err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range matches {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.deliver(ctx, sub.subscriberURL, sub.callbackName, payload); err != nil {
				log.Printf("[EventBus] deliver %s to %s: %v", event, sub.subscriberURL, err)
			}
		}()
	}
	wg.Wait()
}

// Subscriptions returns a snapshot of the current subscription table, for
// diagnostics and persistence.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, Subscription{URL: s.subscriberURL, Event: s.event, Callback: s.callbackName})
	}
	return out
}

// Subscription is the exported, persistable shape of a subscription triple.
type Subscription struct {
	URL      string `json:"url"`
	Event    string `json:"event"`
	Callback string `json:"callback"`
}

// subscriptionRecord is the persisted shape of a publisher's subscription
// table: { "subscriptions": [ { "url": …, "event": …, "callback": … } ] }.
type subscriptionRecord struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

type triggerEnvelope struct {
	Agent  string          `json:"agent"`
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
}
