// Package events carries session side-channel signals from the HTTP client to
// whoever presents them (CLI output, the session manager).
package events

import (
	"context"
	"sync"
	"time"
)

// Kind identifies a signal.
type Kind string

const (
	// TokenExpired: a request was blocked because the access token expired.
	TokenExpired Kind = "token_expired"
	// AuthExpired: the session cannot be recovered without signing in again.
	AuthExpired Kind = "auth_expired"
	// AccessDenied: the backend answered 403.
	AccessDenied Kind = "access_denied"
	// TokensRefreshed: a refresh succeeded and new tokens were persisted.
	TokensRefreshed Kind = "tokens_refreshed"
)

// Event is a single signal.
type Event struct {
	Kind        Kind
	Path        string
	AccessToken string
	At          time.Time
}

// Handler reacts to an event synchronously.
type Handler func(Event)

// Bus fans events out to channel subscribers and synchronous handlers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]chan Event
	handlers map[int]handlerEntry
	next     int
}

type handlerEntry struct {
	kind Kind
	fn   Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:     make(map[int]chan Event),
		handlers: make(map[int]handlerEntry),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive
// every event, plus a function that unsubscribes. The channel is closed on
// whichever comes first: ctx ending or the returned function being called.
// Callers holding a context that never ends must call it.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	stop := make(chan struct{})

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()

	return ch, unsubscribe
}

// Handle runs fn for every event of kind, on the publisher's goroutine.
// The returned function removes the handler.
func (b *Bus) Handle(kind Kind, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handlerEntry{kind: kind, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt. Handlers run before channel delivery.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	var fns []Handler
	for _, h := range b.handlers {
		if h.kind == evt.Kind {
			fns = append(fns, h.fn)
		}
	}
	b.mu.RUnlock()

	// Handlers may publish or unsubscribe, so they run without the lock.
	for _, fn := range fns {
		fn(evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
