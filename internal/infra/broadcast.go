package infra

import (
	"sync"

	"github.com/routined/routined/internal/domain"
)

// SessionBus is the in-process pub/sub for session-state changes. UI
// observers subscribe to refresh without polling. Delivery is
// synchronous and best-effort; it is not required for enforcement
// correctness.
type SessionBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func([]domain.Session)
}

// NewSessionBus creates an empty bus.
func NewSessionBus() *SessionBus {
	return &SessionBus{subs: make(map[int]func([]domain.Session))}
}

// SessionsChanged publishes the new active-session list to all
// subscribers.
func (b *SessionBus) SessionsChanged(sessions []domain.Session) {
	b.mu.Lock()
	fns := make([]func([]domain.Session), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(sessions)
	}
}

// Subscribe registers an observer; the returned func unsubscribes.
func (b *SessionBus) Subscribe(fn func([]domain.Session)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

var _ domain.Broadcaster = (*SessionBus)(nil)
