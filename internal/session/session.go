package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mindforge/internal/gateway"
	"mindforge/internal/models"
	"mindforge/internal/prompt"
)

// Sentinel errors for send cycles that never start.
var (
	// ErrBusy is returned while a previous send cycle is still in flight.
	ErrBusy = errors.New("a response is already being generated")
	// ErrEmptyMessage is returned for input that is empty after trimming.
	ErrEmptyMessage = errors.New("message text is empty")
)

// Gateway streams a model response for a composed prompt and transcript.
type Gateway interface {
	StreamChat(ctx context.Context, systemPrompt string, msgs []gateway.ChatMessage, onDelta func(delta string) error) (string, error)
}

// HistoryStore persists transcript rows keyed by user.
type HistoryStore interface {
	LoadHistory(ctx context.Context, userID int64) ([]*models.Message, error)
	SaveMessage(ctx context.Context, userID int64, role models.Role, content string) (int64, error)
	ClearHistory(ctx context.Context, userID int64) error
}

// Callbacks receives the stages of a send cycle as they happen. Either field
// may be nil. An error from a callback aborts the cycle.
type Callbacks struct {
	// UserAccepted fires once, right after the user message has been
	// appended to the transcript and before the gateway request starts.
	UserAccepted func(msg models.Message) error
	// Delta fires for every response fragment in arrival order.
	Delta func(delta string) error
}

// Result describes a finished send cycle.
type Result struct {
	UserMessage models.Message
	// AssistantMessage is nil when the stream completed without text.
	AssistantMessage *models.Message
}

// Session owns one user's transcript and serializes its send cycles: at most
// one response is generated at a time, guarded by a busy flag rather than a
// queue.
type Session struct {
	userID int64
	store  HistoryStore
	gw     Gateway
	cache  *TranscriptCache

	loadOnce sync.Once

	mu         sync.Mutex
	busy       bool
	transcript []*models.Message
	inflight   *models.Message
}

// New builds an empty session. cache may be nil.
func New(userID int64, store HistoryStore, gw Gateway, cache *TranscriptCache) *Session {
	return &Session{userID: userID, store: store, gw: gw, cache: cache}
}

// hydrate performs the one-time stored-transcript load. Every path that
// hands the session out goes through here first, so no send or clear can
// observe the transcript before it holds the stored rows.
func (s *Session) hydrate(ctx context.Context) {
	s.loadOnce.Do(func() {
		if msgs, ok := s.cache.Load(ctx, s.userID); ok {
			s.seed(msgs)
			return
		}
		if err := s.LoadHistory(ctx); err != nil {
			log.Printf("session user=%d: load history: %v", s.userID, err)
			return
		}
		s.refreshCache(ctx)
	})
}

// LoadHistory replaces the transcript with the stored one. A load failure
// leaves the session usable with an empty transcript; the caller decides
// whether to surface the error. Loaded rows get fresh client ids so display
// keys stay stable for the rest of the session.
func (s *Session) LoadHistory(ctx context.Context) error {
	msgs, err := s.store.LoadHistory(ctx, s.userID)
	if err != nil {
		s.seed(nil)
		return err
	}
	for _, m := range msgs {
		if m.ClientTempID == "" {
			m.ClientTempID = uuid.NewString()
		}
	}
	s.seed(msgs)
	return nil
}

func (s *Session) seed(msgs []*models.Message) {
	s.mu.Lock()
	s.transcript = msgs
	s.mu.Unlock()
}

// Transcript returns a snapshot of the conversation in order. The messages
// are copied so a stream appending to the in-flight entry cannot race the
// caller.
func (s *Session) Transcript() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.transcript))
	for i, m := range s.transcript {
		out[i] = *m
	}
	return out
}

// Busy reports whether a send cycle is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Send runs one full cycle: append the user message, request a completion
// with the profile-derived system prompt and the transcript so far, stream
// deltas into a growing assistant message, and persist both sides.
//
// The user message is written to the store concurrently with the gateway
// request; its row id is reconciled onto the transcript entry before Send
// returns. On a mid-stream failure the partial assistant text stays visible
// in the transcript but is never persisted.
func (s *Session) Send(ctx context.Context, text string, profile *models.Profile, cb Callbacks) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	userMsg := &models.Message{
		ClientTempID: uuid.NewString(),
		UserID:       s.userID,
		Role:         models.RoleUser,
		Content:      text,
		CreatedAt:    time.Now().UTC(),
	}
	s.transcript = append(s.transcript, userMsg)
	outgoing := make([]gateway.ChatMessage, 0, len(s.transcript))
	for _, m := range s.transcript {
		outgoing = append(outgoing, gateway.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	s.mu.Unlock()

	// The write races the gateway request on purpose; Send still waits for
	// it so the returned user message carries its final id.
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		id, err := s.store.SaveMessage(ctx, s.userID, models.RoleUser, text)
		if err != nil {
			log.Printf("session user=%d: persist user message: %v", s.userID, err)
			return
		}
		s.mu.Lock()
		userMsg.ID = id
		s.mu.Unlock()
	}()

	defer func() {
		<-persisted
		s.mu.Lock()
		s.busy = false
		s.inflight = nil
		s.mu.Unlock()
	}()

	if cb.UserAccepted != nil {
		if err := cb.UserAccepted(*userMsg); err != nil {
			return nil, err
		}
	}

	full, err := s.gw.StreamChat(ctx, prompt.Compose(profile), outgoing, func(delta string) error {
		s.appendDelta(delta)
		if cb.Delta != nil {
			return cb.Delta(delta)
		}
		return nil
	})
	if err != nil {
		s.cache.Invalidate(ctx, s.userID)
		return nil, err
	}

	// The user row must land before the assistant row is written, otherwise
	// the reply can sort ahead of its question when the history is reloaded.
	<-persisted

	result := &Result{}
	if full != "" {
		assistant := s.takeInflight()
		if id, saveErr := s.store.SaveMessage(ctx, s.userID, models.RoleAssistant, full); saveErr != nil {
			log.Printf("session user=%d: persist assistant message: %v", s.userID, saveErr)
		} else {
			s.mu.Lock()
			assistant.ID = id
			s.mu.Unlock()
		}
		copied := *assistant
		result.AssistantMessage = &copied
	}

	s.mu.Lock()
	result.UserMessage = *userMsg
	s.mu.Unlock()

	s.refreshCache(ctx)
	return result, nil
}

// appendDelta grows the in-flight assistant message, creating it on the
// first fragment so an empty stream never leaves a blank entry behind.
func (s *Session) appendDelta(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = &models.Message{
			ClientTempID: uuid.NewString(),
			UserID:       s.userID,
			Role:         models.RoleAssistant,
			CreatedAt:    time.Now().UTC(),
		}
		s.transcript = append(s.transcript, s.inflight)
	}
	s.inflight.Content += delta
}

func (s *Session) takeInflight() *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.inflight
	s.inflight = nil
	return m
}

// Clear wipes the stored history and then the in-memory transcript. It
// refuses while a send cycle is active, and leaves both sides untouched when
// the store delete fails.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	if err := s.store.ClearHistory(ctx, s.userID); err != nil {
		return err
	}
	s.mu.Lock()
	s.transcript = nil
	s.inflight = nil
	s.mu.Unlock()
	s.cache.Invalidate(ctx, s.userID)
	return nil
}

func (s *Session) refreshCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	persisted := make([]*models.Message, 0, len(s.transcript))
	for _, m := range s.transcript {
		if m.Persisted() {
			copied := *m
			persisted = append(persisted, &copied)
		}
	}
	s.mu.Unlock()
	s.cache.Store(ctx, s.userID, persisted)
}
