package session

import (
	"sync"

	"goa.design/agentwire/connection"
)

// notificationFeed fans lifecycle notifications out to registered callbacks.
// Publish runs on the lifecycle actor goroutine; registration may happen from
// anywhere.
type notificationFeed struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(connection.Notification)
}

func newNotificationFeed() *notificationFeed {
	return &notificationFeed{subs: make(map[int]func(connection.Notification))}
}

func (f *notificationFeed) register(fn func(connection.Notification)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *notificationFeed) publish(n connection.Notification) {
	f.mu.RLock()
	fns := make([]func(connection.Notification), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
