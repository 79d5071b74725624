// Package feed fans out change events to in-process subscribers for stores
// that have no native notification channel.
package feed

import (
	"context"
	"sync"

	"safetypatrol/internal/ports"
)

// Buffer is the per-subscription event buffer. A full buffer drops further
// events: the buffered ones already guarantee the subscriber will reload.
const Buffer = 16

type Broker struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscription]struct{})}
}

// Subscribe opens a subscription for c filtered by mask. The subscription
// ends when ctx is done, Unsubscribe is called, or the broker drops it.
func (b *Broker) Subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) ports.Subscription {
	s := &subscription{
		broker:     b,
		collection: c,
		mask:       mask,
		events:     make(chan ports.ChangeEvent, Buffer),
		stop:       make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			s.end(nil)
		case <-s.stop:
		}
	}()
	return s
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Broker) Publish(ev ports.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.collection != ev.Collection || s.mask&ev.Op == 0 {
			continue
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

// Drop ends every open subscription with ports.ErrSubscriptionLost.
func (b *Broker) Drop() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.end(ports.ErrSubscriptionLost)
	}
}

// Close ends every open subscription cleanly.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.end(nil)
	}
}

// Len reports the number of open subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type subscription struct {
	broker     *Broker
	collection ports.Collection
	mask       ports.EventMask
	events     chan ports.ChangeEvent
	stop       chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *subscription) Events() <-chan ports.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() { s.end(nil) }

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		// Removing under the broker lock guarantees Publish never sends on a
		// closed channel.
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.events)
		s.broker.mu.Unlock()
		close(s.stop)
	})
}
