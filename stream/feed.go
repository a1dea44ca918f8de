package stream

import (
	"context"
	"errors"
	"sync"
)

type (
	// Feed fans canonical events out to registered subscribers in-process.
	// The feed is thread-safe and supports concurrent Publish, Register, and
	// subscription Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error. This fail-fast behavior
	// lets critical subscribers (persistence, forwarding sinks) halt delivery
	// when they hit unrecoverable errors instead of silently losing events.
	Feed interface {
		// Publish delivers the event to every currently registered subscriber
		// in registration order, stopping at the first error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published canonical events. Implementations must
	// be thread-safe if registered with multiple feeds.
	//
	// HandleEvent should return an error only when processing fails in a way
	// that should halt delivery; non-critical failures should be logged and
	// swallowed so other subscribers keep receiving events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Feed. Close removes
	// the subscriber; it is idempotent and thread-safe.
	Subscription interface {
		// Close removes the subscriber from the feed. After Close returns the
		// subscriber receives no new events, though an event in flight during
		// Close may still be delivered. Always returns nil.
		Close() error
	}

	feed struct {
		mu sync.RWMutex
		// subscribers maps subscription handles to their implementations; the
		// handle pointer doubles as the removal key.
		subscribers map[*subscription]Subscriber
		// order preserves registration order for deterministic delivery.
		order []*subscription
	}

	subscription struct {
		feed *feed
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewFeed constructs an in-memory event feed. The returned feed is
// thread-safe and ready for immediate use.
//
// Typical usage:
//
//	feed := stream.NewFeed()
//	sub, _ := feed.Register(stream.SubscriberFunc(func(ctx context.Context, evt stream.Event) error {
//	    render(evt)
//	    return nil
//	}))
//	defer sub.Close()
func NewFeed() Feed {
	return &feed{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to every registered subscriber in registration
// order. The snapshot of subscribers is captured before iteration begins, so
// registrations and removals during Publish do not affect the current
// delivery.
func (f *feed) Publish(ctx context.Context, event Event) error {
	f.mu.RLock()
	subs := make([]Subscriber, 0, len(f.order))
	for _, handle := range f.order {
		if sub, ok := f.subscribers[handle]; ok {
			subs = append(subs, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the feed.
func (f *feed) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	handle := &subscription{feed: f}
	f.mu.Lock()
	f.subscribers[handle] = sub
	f.order = append(f.order, handle)
	f.mu.Unlock()
	return handle, nil
}

// Close removes the subscriber from the feed. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subscribers, s)
		for i, handle := range s.feed.order {
			if handle == s {
				s.feed.order = append(s.feed.order[:i], s.feed.order[i+1:]...)
				break
			}
		}
		s.feed.mu.Unlock()
	})
	return nil
}
