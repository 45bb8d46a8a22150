package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ktb/chatapp/internal/banned"
	"github.com/ktb/chatapp/internal/message"
	"github.com/ktb/chatapp/internal/metrics"
	"github.com/ktb/chatapp/internal/protocol"
	"github.com/ktb/chatapp/internal/ratelimit"
	"github.com/ktb/chatapp/internal/rooms"
	"github.com/ktb/chatapp/internal/session"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the distributed collaborators.
// ---------------------------------------------------------------------------

type fakeSessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*session.Session
	refreshN int
}

func newFakeSessions(ttl time.Duration) *fakeSessions {
	return &fakeSessions{ttl: ttl, sessions: make(map[string]*session.Session)}
}

func (f *fakeSessions) put(sess *session.Session) {
	f.mu.Lock()
	f.sessions[sess.UserID] = sess
	f.mu.Unlock()
}

func (f *fakeSessions) Find(ctx context.Context, userID string) *session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[userID]
	if !ok || sess.Expired(f.ttl) {
		return nil
	}
	copied := *sess
	return &copied
}

func (f *fakeSessions) Refresh(ctx context.Context, sess *session.Session) error {
	f.mu.Lock()
	f.refreshN++
	f.mu.Unlock()
	return nil
}

// memLimiter implements the same fixed-window semantics as the Redis
// limiter, in memory, for single-node tests.
type memLimiter struct {
	mu    sync.Mutex
	count map[string]int
	start map[string]time.Time
}

func newMemLimiter() *memLimiter {
	return &memLimiter{count: make(map[string]int), start: make(map[string]time.Time)}
}

func (l *memLimiter) CheckAndConsume(ctx context.Context, userID string, budget ratelimit.Budget) ratelimit.Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if start, ok := l.start[userID]; !ok || now.Sub(start) >= budget.Window {
		l.start[userID] = now
		l.count[userID] = 0
	}
	l.count[userID]++
	if l.count[userID] <= budget.Limit {
		return ratelimit.Result{Allowed: true}
	}

	remaining := budget.Window - now.Sub(l.start[userID])
	retry := int(remaining.Seconds())
	if retry < 1 {
		retry = 1
	}
	return ratelimit.Result{Allowed: false, RetryAfter: retry}
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []*message.Message
	files   map[string]*message.File
	saveErr error
	panicOn bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string]*message.File)}
}

func (s *fakeStore) Save(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if s.panicOn {
		panic("store exploded")
	}
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *msg
	saved.ID = fmt.Sprintf("m-%d", len(s.saved)+1)
	saved.Timestamp = time.Now().UTC()
	s.saved = append(s.saved, &saved)
	return &saved, nil
}

func (s *fakeStore) FindFileByID(ctx context.Context, id string) (*message.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id], nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeFabric struct {
	mu     sync.Mutex
	events []broadcastEvent
}

type broadcastEvent struct {
	roomID string
	data   []byte
}

func (f *fakeFabric) Broadcast(roomID string, data []byte) error {
	f.mu.Lock()
	f.events = append(f.events, broadcastEvent{roomID: roomID, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeFabric) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeMentions struct {
	ch chan MentionEvent
}

func (f *fakeMentions) Notify(event MentionEvent) error {
	f.ch <- event
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	sessions *fakeSessions
	limiter  *memLimiter
	index    *rooms.Index
	store    *fakeStore
	fabric   *fakeFabric
	mentions *fakeMentions
	pipe     *Pipeline
}

func newHarness(t *testing.T, cfg Config, words []string) *harness {
	t.Helper()

	checker, err := banned.NewChecker(words)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}

	h := &harness{
		sessions: newFakeSessions(time.Hour),
		limiter:  newMemLimiter(),
		index:    rooms.NewIndex(),
		store:    newFakeStore(),
		fabric:   &fakeFabric{},
		mentions: &fakeMentions{ch: make(chan MentionEvent, 4)},
	}
	h.pipe = New(cfg, h.sessions, h.limiter, h.index, checker, h.store, h.fabric, h.mentions)
	return h
}

func defaultTestConfig() Config {
	return Config{
		Budget:     ratelimit.Budget{Limit: 100, Window: time.Hour},
		CallBudget: time.Second,
	}
}

// loginAndJoin seeds a fresh session and a room membership.
func (h *harness) loginAndJoin(userID, roomID string) {
	now := time.Now().UnixMilli()
	h.sessions.put(&session.Session{
		UserID:       userID,
		SessionID:    "sess-" + userID,
		CreatedAt:    now,
		LastActivity: now,
		Username:     "user " + userID,
		Email:        userID + "@example.com",
	})
	h.index.Join(userID, roomID)
}

func textRequest(userID, roomID, content string) Request {
	return Request{
		ConnID: "conn-" + userID,
		UserID: userID,
		Data:   &ChatInput{Room: roomID, MessageType: message.TypeText, Content: content},
	}
}

// ---------------------------------------------------------------------------
// Rejection stages
// ---------------------------------------------------------------------------

func TestHandle_NullData(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})

	out := h.pipe.Handle(context.Background(), Request{ConnID: "c1", UserID: "u1"})

	if !out.Rejected() || out.Code != protocol.CodeMessageError {
		t.Fatalf("outcome = %+v, want MESSAGE_ERROR rejection", out)
	}
	if out.ErrorType != "null_data" {
		t.Errorf("ErrorType = %q, want null_data", out.ErrorType)
	}
}

func TestHandle_NoIdentity(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})

	out := h.pipe.Handle(context.Background(), Request{
		ConnID: "c1",
		Data:   &ChatInput{Room: "r1", MessageType: "text", Content: "hi"},
	})

	if out.Code != protocol.CodeSessionExpired {
		t.Fatalf("Code = %q, want SESSION_EXPIRED", out.Code)
	}
	if out.ErrorType != "session_null" {
		t.Errorf("ErrorType = %q, want session_null", out.ErrorType)
	}
}

func TestHandle_SessionMissing(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})

	out := h.pipe.Handle(context.Background(), textRequest("ghost", "r1", "hi"))

	if out.Code != protocol.CodeSessionExpired || out.ErrorType != "session_expired" {
		t.Fatalf("outcome = %+v, want session_expired SESSION_EXPIRED", out)
	}
	if h.store.savedCount() != 0 || h.fabric.count() != 0 {
		t.Error("message persisted or broadcast despite missing session")
	}
}

func TestHandle_SessionExpired(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})

	// Stale lastActivity, huge access count: still expired.
	h.sessions.put(&session.Session{
		UserID:       "u1",
		LastActivity: time.Now().Add(-2 * time.Hour).UnixMilli(),
		AccessCount:  99999,
	})
	h.index.Join("u1", "r1")

	out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "hello"))

	if out.Code != protocol.CodeSessionExpired || out.ErrorType != "session_expired" {
		t.Fatalf("outcome = %+v, want session_expired SESSION_EXPIRED", out)
	}
	if h.fabric.count() != 0 {
		t.Error("expired session's message was broadcast")
	}
}

func TestHandle_RateLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Budget = ratelimit.Budget{Limit: 3, Window: time.Hour}
	h := newHarness(t, cfg, []string{"spam"})
	h.loginAndJoin("u1", "r1")

	// Exactly limit requests succeed.
	for i := 0; i < 3; i++ {
		out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "hello"))
		if out.Rejected() {
			t.Fatalf("request %d rejected: %+v", i+1, out)
		}
	}

	// The limit+1-th fails with a positive retry hint.
	out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "hello"))
	if out.Code != protocol.CodeRateLimitExceeded {
		t.Fatalf("Code = %q, want RATE_LIMIT_EXCEEDED", out.Code)
	}
	if out.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want > 0", out.RetryAfter)
	}
	if got := out.ErrorMessage(); got == nil || got.RetryAfter != out.RetryAfter {
		t.Errorf("ErrorMessage() = %+v, want retryAfter carried", got)
	}
	if h.store.savedCount() != 3 {
		t.Errorf("saved %d messages, want 3", h.store.savedCount())
	}
}

func TestHandle_RateLimitWindowReset(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Budget = ratelimit.Budget{Limit: 1, Window: 50 * time.Millisecond}
	h := newHarness(t, cfg, []string{"spam"})
	h.loginAndJoin("u1", "r1")

	if out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "a")); out.Rejected() {
		t.Fatalf("first request rejected: %+v", out)
	}
	if out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "b")); !out.Rejected() {
		t.Fatal("second request in window not rejected")
	}

	time.Sleep(60 * time.Millisecond)

	if out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "c")); out.Rejected() {
		t.Fatalf("request after window elapsed rejected: %+v", out)
	}
}

func TestHandle_RoomAccessDenied(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")

	// Any content, joined room or not, same rejection; never persisted.
	for _, content := range []string{"hello", "spam", "", "@wayneAI hi"} {
		out := h.pipe.Handle(context.Background(), textRequest("u1", "other-room", content))
		if out.Code != protocol.CodeMessageError || out.ErrorType != "room_access_denied" {
			t.Fatalf("content %q: outcome = %+v, want room_access_denied", content, out)
		}
	}
	if h.store.savedCount() != 0 || h.fabric.count() != 0 {
		t.Error("unauthorized message persisted or broadcast")
	}
}

func TestHandle_BannedWord(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam", "scam"})
	h.loginAndJoin("u1", "r1")

	tests := []string{
		"this is spam",
		"SPAM",
		"a ScAm indeed",
		"not spa" + "m here", // match spans the concatenation
	}
	for _, content := range tests {
		out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", content))
		if out.Code != protocol.CodeMessageRejected || out.ErrorType != "banned_word" {
			t.Fatalf("content %q: outcome = %+v, want banned_word MESSAGE_REJECTED", content, out)
		}
	}
	if h.store.savedCount() != 0 || h.fabric.count() != 0 {
		t.Error("banned message persisted or broadcast")
	}
}

// ---------------------------------------------------------------------------
// Ignored and success paths
// ---------------------------------------------------------------------------

func TestHandle_EmptyTextIgnored(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")

	for _, content := range []string{"", "   ", "\t\n  "} {
		out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", content))
		if out.Status != metrics.StatusIgnored {
			t.Fatalf("content %q: Status = %q, want ignored", content, out.Status)
		}
		if out.Rejected() || out.ErrorMessage() != nil {
			t.Errorf("content %q: empty message reported as error", content)
		}
	}
	if h.store.savedCount() != 0 || h.fabric.count() != 0 {
		t.Error("empty message persisted or broadcast")
	}
}

func TestHandle_TextSuccess(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")

	out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "  hello  "))

	if out.Status != metrics.StatusSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Saved == nil || out.Saved.ID == "" {
		t.Fatal("success outcome carries no persisted message id")
	}
	if out.Saved.Content != "hello" {
		t.Errorf("Content = %q, want trimmed %q", out.Saved.Content, "hello")
	}
	if h.store.savedCount() != 1 {
		t.Fatalf("saved %d messages, want exactly 1", h.store.savedCount())
	}
	if h.fabric.count() != 1 {
		t.Fatalf("broadcast %d events, want exactly 1", h.fabric.count())
	}

	// Broadcast payload mirrors the persisted message plus sender summary.
	var payload protocol.MessageMsg
	if err := json.Unmarshal(h.fabric.events[0].data, &payload); err != nil {
		t.Fatalf("broadcast payload not valid JSON: %v", err)
	}
	if payload.Type != protocol.TypeMessage || payload.ID != out.Saved.ID {
		t.Errorf("payload = %+v, want type message id %s", payload, out.Saved.ID)
	}
	if payload.Sender.ID != "u1" || payload.Sender.Email != "u1@example.com" {
		t.Errorf("sender = %+v, want resolved u1", payload.Sender)
	}
	if payload.Timestamp == 0 {
		t.Error("payload timestamp not assigned")
	}
}

func TestHandle_FileSuccess(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")
	h.store.files["f1"] = &message.File{
		ID: "f1", UserID: "u1", Mimetype: "image/png", Size: 2048, OriginalName: "cat.png",
	}

	out := h.pipe.Handle(context.Background(), Request{
		ConnID: "c1",
		UserID: "u1",
		Data:   &ChatInput{Room: "r1", MessageType: message.TypeFile, Content: "look", FileID: "f1"},
	})

	if out.Status != metrics.StatusSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Saved.FileID != "f1" {
		t.Errorf("FileID = %q, want f1", out.Saved.FileID)
	}
	if out.Saved.Metadata["originalName"] != "cat.png" || out.Saved.Metadata["fileSize"] != "2048" {
		t.Errorf("metadata = %v, want file attributes", out.Saved.Metadata)
	}

	var payload protocol.MessageMsg
	if err := json.Unmarshal(h.fabric.events[0].data, &payload); err != nil {
		t.Fatalf("broadcast payload not valid JSON: %v", err)
	}
	if payload.File == nil || payload.File.ID != "f1" {
		t.Errorf("payload file = %+v, want f1 summary", payload.File)
	}
}

func TestHandle_FileRejections(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")
	h.store.files["owned-by-other"] = &message.File{ID: "owned-by-other", UserID: "u2"}

	tests := []struct {
		name   string
		fileID string
	}{
		{"missing file id", ""},
		{"unknown file", "no-such-file"},
		{"not owned by sender", "owned-by-other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.pipe.Handle(context.Background(), Request{
				ConnID: "c1",
				UserID: "u1",
				Data:   &ChatInput{Room: "r1", MessageType: message.TypeFile, FileID: tt.fileID},
			})
			if out.Code != protocol.CodeMessageError || out.ErrorType != "exception" {
				t.Fatalf("outcome = %+v, want exception MESSAGE_ERROR", out)
			}
		})
	}
	if h.store.savedCount() != 0 {
		t.Error("invalid file message was persisted")
	}
}

func TestHandle_UnsupportedType(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")

	out := h.pipe.Handle(context.Background(), Request{
		ConnID: "c1",
		UserID: "u1",
		Data:   &ChatInput{Room: "r1", MessageType: "carrier-pigeon", Content: "hi"},
	})

	if out.Code != protocol.CodeMessageError || out.ErrorType != "exception" {
		t.Fatalf("outcome = %+v, want exception MESSAGE_ERROR", out)
	}
}

// ---------------------------------------------------------------------------
// Failure containment
// ---------------------------------------------------------------------------

func TestHandle_SaveFailureSurfacedNotRetried(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")
	h.store.saveErr = fmt.Errorf("postgres down")

	out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "hello"))

	if out.Code != protocol.CodeMessageError || out.ErrorType != "exception" {
		t.Fatalf("outcome = %+v, want exception MESSAGE_ERROR", out)
	}
	if h.fabric.count() != 0 {
		t.Error("unsaved message was broadcast")
	}
}

func TestHandle_PanicRecovered(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")
	h.store.panicOn = true

	out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "hello"))

	if out.Code != protocol.CodeMessageError || out.ErrorType != "exception" {
		t.Fatalf("outcome = %+v, want exception MESSAGE_ERROR after panic", out)
	}
}

// ---------------------------------------------------------------------------
// Side effects and concurrency
// ---------------------------------------------------------------------------

func TestHandle_MentionDispatch(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")

	out := h.pipe.Handle(context.Background(), textRequest("u1", "r1", "hey @wayneAI what is up"))
	if out.Status != metrics.StatusSuccess {
		t.Fatalf("outcome = %+v, want success", out)
	}

	select {
	case event := <-h.mentions.ch:
		if len(event.Mentions) != 1 || event.Mentions[0] != "wayneAI" {
			t.Errorf("mentions = %v, want [wayneAI]", event.Mentions)
		}
		if event.MessageID != out.Saved.ID || event.RoomID != "r1" {
			t.Errorf("event = %+v, want saved message context", event)
		}
	case <-time.After(time.Second):
		t.Fatal("mention event never dispatched")
	}
}

func TestHandle_NoMentionNoDispatch(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	h.loginAndJoin("u1", "r1")

	h.pipe.Handle(context.Background(), textRequest("u1", "r1", "plain text"))

	select {
	case event := <-h.mentions.ch:
		t.Fatalf("unexpected mention event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandle_ConcurrentRuns(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), []string{"spam"})
	for i := 0; i < 4; i++ {
		h.loginAndJoin(fmt.Sprintf("u%d", i), "r1")
	}

	const perUser = 20
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", i)
			for j := 0; j < perUser; j++ {
				out := h.pipe.Handle(context.Background(), textRequest(userID, "r1", "hello"))
				if out.Status != metrics.StatusSuccess {
					t.Errorf("user %s run %d: %+v", userID, j, out)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if h.store.savedCount() != 4*perUser {
		t.Errorf("saved %d messages, want %d", h.store.savedCount(), 4*perUser)
	}
	if h.fabric.count() != 4*perUser {
		t.Errorf("broadcast %d events, want %d", h.fabric.count(), 4*perUser)
	}
}
