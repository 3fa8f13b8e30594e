package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mindforge/internal/gateway"
	"mindforge/internal/models"
)

type storedRow struct {
	id      int64
	role    models.Role
	content string
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64][]storedRow
	loadErr   error
	clearErr  error
	loadGate  chan struct{}
	saveErr   map[models.Role]error
	saveDelay map[models.Role]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:      make(map[int64][]storedRow),
		saveErr:   make(map[models.Role]error),
		saveDelay: make(map[models.Role]time.Duration),
	}
}

func (f *fakeStore) LoadHistory(_ context.Context, userID int64) ([]*models.Message, error) {
	f.mu.Lock()
	gate := f.loadGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var out []*models.Message
	for _, r := range f.rows[userID] {
		out = append(out, &models.Message{ID: r.id, UserID: userID, Role: r.role, Content: r.content})
	}
	return out, nil
}

func (f *fakeStore) SaveMessage(_ context.Context, userID int64, role models.Role, content string) (int64, error) {
	f.mu.Lock()
	delay := f.saveDelay[role]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.saveErr[role]; err != nil {
		return 0, err
	}
	f.nextID++
	f.rows[userID] = append(f.rows[userID], storedRow{id: f.nextID, role: role, content: content})
	return f.nextID, nil
}

func (f *fakeStore) ClearHistory(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	delete(f.rows, userID)
	return nil
}

func (f *fakeStore) stored(userID int64) []storedRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storedRow(nil), f.rows[userID]...)
}

type gatewayCall struct {
	system string
	msgs   []gateway.ChatMessage
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []gatewayCall
	deltas []string
	err    error
	gate   chan struct{}
}

func (f *fakeGateway) StreamChat(_ context.Context, system string, msgs []gateway.ChatMessage, onDelta func(string) error) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, gatewayCall{system: system, msgs: append([]gateway.ChatMessage(nil), msgs...)})
	deltas, err, gate := f.deltas, f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	var full strings.Builder
	for _, d := range deltas {
		if cbErr := onDelta(d); cbErr != nil {
			return full.String(), cbErr
		}
		full.WriteString(d)
	}
	return full.String(), err
}

func (f *fakeGateway) lastCall(t *testing.T) gatewayCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("gateway was never called")
	}
	return f.calls[len(f.calls)-1]
}

func TestSendFullCycle(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{deltas: []string{"Hel", "lo ", "there."}}
	sess := New(7, store, gw, nil)

	var accepted []models.Message
	var streamed []string
	profile := &models.Profile{PrimaryPurpose: models.PurposeStudying, KnowledgeLevel: models.LevelBeginner}
	res, err := sess.Send(context.Background(), "  explain photosynthesis  ", profile, Callbacks{
		UserAccepted: func(m models.Message) error { accepted = append(accepted, m); return nil },
		Delta:        func(d string) error { streamed = append(streamed, d); return nil },
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if len(accepted) != 1 || accepted[0].Content != "explain photosynthesis" || accepted[0].ClientTempID == "" {
		t.Fatalf("user acceptance mismatch: %#v", accepted)
	}
	if got := strings.Join(streamed, ""); got != "Hello there." {
		t.Fatalf("streamed %q", got)
	}
	if res.UserMessage.ID <= 0 {
		t.Fatalf("user message id not reconciled: %#v", res.UserMessage)
	}
	if res.AssistantMessage == nil || res.AssistantMessage.Content != "Hello there." || !res.AssistantMessage.Persisted() {
		t.Fatalf("assistant message mismatch: %#v", res.AssistantMessage)
	}

	call := gw.lastCall(t)
	if !strings.Contains(call.system, "beginner") {
		t.Fatalf("system prompt missing profile clause: %q", call.system)
	}
	if len(call.msgs) != 1 || call.msgs[0].Role != "user" || call.msgs[0].Content != "explain photosynthesis" {
		t.Fatalf("outgoing transcript mismatch: %#v", call.msgs)
	}

	rows := store.stored(7)
	if len(rows) != 2 || rows[0].role != models.RoleUser || rows[1].role != models.RoleAssistant {
		t.Fatalf("stored rows mismatch: %#v", rows)
	}

	tr := sess.Transcript()
	if len(tr) != 2 || tr[0].Role != models.RoleUser || tr[1].Role != models.RoleAssistant {
		t.Fatalf("transcript mismatch: %#v", tr)
	}
}

func TestSendRejectsEmptyInput(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	sess := New(1, store, gw, nil)

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := sess.Send(context.Background(), input, nil, Callbacks{}); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("input %q: got %v, want ErrEmptyMessage", input, err)
		}
	}
	if len(sess.Transcript()) != 0 {
		t.Fatalf("rejected input reached the transcript")
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 0 {
		t.Fatalf("rejected input reached the gateway")
	}
}

func TestSendSerializesCycles(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})
	gw := &fakeGateway{deltas: []string{"ok"}, gate: gate}
	sess := New(1, store, gw, nil)

	firstDone := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		_, err := sess.Send(context.Background(), "first", nil, Callbacks{
			UserAccepted: func(models.Message) error { close(started); return nil },
		})
		firstDone <- err
	}()

	<-started
	if _, err := sess.Send(context.Background(), "second", nil, Callbacks{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent send: got %v, want ErrBusy", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if sess.Busy() {
		t.Fatalf("busy flag not released after completion")
	}
	if _, err := sess.Send(context.Background(), "third", nil, Callbacks{}); err != nil {
		t.Fatalf("send after release failed: %v", err)
	}
}

func TestSendRateLimitedKeepsUserMessage(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{err: gateway.ErrRateLimited}
	sess := New(1, store, gw, nil)

	_, err := sess.Send(context.Background(), "hello", nil, Callbacks{})
	if !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	tr := sess.Transcript()
	if len(tr) != 1 || tr[0].Role != models.RoleUser || tr[0].Content != "hello" {
		t.Fatalf("transcript after rate limit: %#v", tr)
	}
	rows := store.stored(1)
	if len(rows) != 1 || rows[0].role != models.RoleUser {
		t.Fatalf("stored rows after rate limit: %#v", rows)
	}
	if _, err := sess.Send(context.Background(), "retry", nil, Callbacks{}); errors.Is(err, ErrBusy) {
		t.Fatalf("busy flag not released after failure")
	}
}

func TestSendPartialFailureKeepsTextUnpersisted(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{deltas: []string{"par", "tial"}, err: errors.New("connection reset")}
	sess := New(1, store, gw, nil)

	_, err := sess.Send(context.Background(), "hello", nil, Callbacks{})
	if err == nil {
		t.Fatalf("expected stream failure")
	}

	tr := sess.Transcript()
	if len(tr) != 2 || tr[1].Role != models.RoleAssistant || tr[1].Content != "partial" {
		t.Fatalf("partial text missing from transcript: %#v", tr)
	}
	if tr[1].Persisted() {
		t.Fatalf("partial text must not be persisted")
	}
	for _, r := range store.stored(1) {
		if r.role == models.RoleAssistant {
			t.Fatalf("partial assistant row reached the store: %#v", r)
		}
	}
}

func TestSendToleratesUserPersistFailure(t *testing.T) {
	store := newFakeStore()
	store.saveErr[models.RoleUser] = errors.New("disk full")
	gw := &fakeGateway{deltas: []string{"hi"}}
	sess := New(1, store, gw, nil)

	res, err := sess.Send(context.Background(), "hello", nil, Callbacks{})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.UserMessage.ID != 0 {
		t.Fatalf("unsaved user message should keep id 0: %#v", res.UserMessage)
	}
	if res.UserMessage.ClientTempID == "" {
		t.Fatalf("user message lost its client id")
	}
	tr := sess.Transcript()
	if len(tr) != 2 || tr[0].Content != "hello" {
		t.Fatalf("user message missing from transcript: %#v", tr)
	}
}

func TestSendEmptyStreamLeavesNoAssistantEntry(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	sess := New(1, store, gw, nil)

	res, err := sess.Send(context.Background(), "hello", nil, Callbacks{})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.AssistantMessage != nil {
		t.Fatalf("empty stream produced an assistant message: %#v", res.AssistantMessage)
	}
	if tr := sess.Transcript(); len(tr) != 1 {
		t.Fatalf("transcript: %#v", tr)
	}
}

func TestTranscriptOrderAcrossCycles(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{deltas: []string{"answer"}}
	sess := New(1, store, gw, nil)

	for _, q := range []string{"one", "two", "three"} {
		if _, err := sess.Send(context.Background(), q, nil, Callbacks{}); err != nil {
			t.Fatalf("send %q: %v", q, err)
		}
	}

	tr := sess.Transcript()
	if len(tr) != 6 {
		t.Fatalf("transcript length %d", len(tr))
	}
	for i, m := range tr {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("position %d: role %s, want %s", i, m.Role, want)
		}
	}

	// The second request must carry the first exchange.
	gw.mu.Lock()
	second := gw.calls[1]
	gw.mu.Unlock()
	if len(second.msgs) != 3 || second.msgs[1].Role != "assistant" {
		t.Fatalf("second request transcript: %#v", second.msgs)
	}
}

func TestLoadHistoryDegradesToEmpty(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("db down")
	gw := &fakeGateway{deltas: []string{"ok"}}
	sess := New(1, store, gw, nil)

	if err := sess.LoadHistory(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
	if len(sess.Transcript()) != 0 {
		t.Fatalf("transcript should be empty after failed load")
	}

	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()
	if _, err := sess.Send(context.Background(), "still works", nil, Callbacks{}); err != nil {
		t.Fatalf("session unusable after degraded load: %v", err)
	}
}

func TestLoadHistoryAssignsClientIDs(t *testing.T) {
	store := newFakeStore()
	if _, err := store.SaveMessage(context.Background(), 1, models.RoleUser, "old question"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sess := New(1, store, &fakeGateway{}, nil)
	if err := sess.LoadHistory(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	tr := sess.Transcript()
	if len(tr) != 1 || tr[0].ClientTempID == "" || !tr[0].Persisted() {
		t.Fatalf("loaded message mismatch: %#v", tr)
	}
}

func TestClearRefusesWhileBusy(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})
	gw := &fakeGateway{deltas: []string{"ok"}, gate: gate}
	sess := New(1, store, gw, nil)

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		_, err := sess.Send(context.Background(), "hi", nil, Callbacks{
			UserAccepted: func(models.Message) error { close(started); return nil },
		})
		done <- err
	}()
	<-started
	if err := sess.Clear(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("clear during send: got %v, want ErrBusy", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestClearIsAllOrNothing(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{deltas: []string{"answer"}}
	sess := New(1, store, gw, nil)
	if _, err := sess.Send(context.Background(), "hi", nil, Callbacks{}); err != nil {
		t.Fatalf("seed send: %v", err)
	}

	store.mu.Lock()
	store.clearErr = errors.New("db down")
	store.mu.Unlock()
	if err := sess.Clear(context.Background()); err == nil {
		t.Fatalf("expected clear failure")
	}
	if len(sess.Transcript()) != 2 {
		t.Fatalf("failed clear must leave the transcript intact")
	}

	store.mu.Lock()
	store.clearErr = nil
	store.mu.Unlock()
	if err := sess.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(sess.Transcript()) != 0 {
		t.Fatalf("transcript not emptied")
	}
	if rows := store.stored(1); len(rows) != 0 {
		t.Fatalf("stored rows not removed: %#v", rows)
	}
}

func TestAssistantRowSavedAfterUserRow(t *testing.T) {
	store := newFakeStore()
	store.saveDelay[models.RoleUser] = 50 * time.Millisecond
	gw := &fakeGateway{deltas: []string{"answer"}}
	sess := New(1, store, gw, nil)

	res, err := sess.Send(context.Background(), "question", nil, Callbacks{})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	rows := store.stored(1)
	if len(rows) != 2 || rows[0].role != models.RoleUser || rows[1].role != models.RoleAssistant {
		t.Fatalf("stored row order: %#v", rows)
	}
	if res.AssistantMessage.ID <= res.UserMessage.ID {
		t.Fatalf("assistant id %d not after user id %d", res.AssistantMessage.ID, res.UserMessage.ID)
	}
}

func TestRegistryHydratesBeforeFirstSend(t *testing.T) {
	store := newFakeStore()
	if _, err := store.SaveMessage(context.Background(), 5, models.RoleUser, "old question"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gate := make(chan struct{})
	store.loadGate = gate
	gw := &fakeGateway{deltas: []string{"an answer"}}
	reg := NewRegistry(store, gw, nil)

	done := make(chan error, 1)
	go func() {
		sess := reg.Session(context.Background(), 5)
		_, err := sess.Send(context.Background(), "new question", nil, Callbacks{})
		done <- err
	}()

	// The registry must not hand the session out while the load is pending.
	select {
	case err := <-done:
		t.Fatalf("send finished before the stored transcript loaded: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	tr := reg.Session(context.Background(), 5).Transcript()
	if len(tr) != 3 {
		t.Fatalf("transcript: %#v", tr)
	}
	if tr[0].Content != "old question" || tr[1].Content != "new question" {
		t.Fatalf("stored history not ahead of the new question: %#v", tr)
	}
	if tr[2].Role != models.RoleAssistant || tr[2].Content != "an answer" {
		t.Fatalf("assistant reply missing from transcript: %#v", tr)
	}
}

func TestRegistryReusesSessions(t *testing.T) {
	store := newFakeStore()
	if _, err := store.SaveMessage(context.Background(), 5, models.RoleUser, "hello"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg := NewRegistry(store, &fakeGateway{}, nil)

	ctx := context.Background()
	first := reg.Session(ctx, 5)
	if len(first.Transcript()) != 1 {
		t.Fatalf("history not hydrated: %#v", first.Transcript())
	}
	if reg.Session(ctx, 5) != first {
		t.Fatalf("registry handed out a second session for the same user")
	}

	reg.Evict(5)
	if reg.Session(ctx, 5) == first {
		t.Fatalf("evicted session was reused")
	}
	if rows := store.stored(5); len(rows) != 1 {
		t.Fatalf("evict must not touch stored history: %#v", rows)
	}
}
