package session

import (
	"context"
	"sync"
)

// Registry hands out the single live session per user. The stored transcript
// is loaded on first use, preferring the redis copy over the database, and a
// load failure degrades to an empty transcript rather than blocking chat.
type Registry struct {
	store HistoryStore
	gw    Gateway
	cache *TranscriptCache

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewRegistry(store HistoryStore, gw Gateway, cache *TranscriptCache) *Registry {
	return &Registry{
		store:    store,
		gw:       gw,
		cache:    cache,
		sessions: make(map[int64]*Session),
	}
}

// Session returns the user's session, creating and hydrating it if needed.
// Hydration is gated inside the session itself, so concurrent callers racing
// for a fresh session all wait for the one stored-transcript load before any
// of them can observe or use it.
func (r *Registry) Session(ctx context.Context, userID int64) *Session {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		s = New(userID, r.store, r.gw, r.cache)
		r.sessions[userID] = s
	}
	r.mu.Unlock()

	s.hydrate(ctx)
	return s
}

// Evict drops the in-memory session, typically on logout or account
// deletion. The stored history is untouched.
func (r *Registry) Evict(userID int64) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}
