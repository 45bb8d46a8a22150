package pipeline

import (
	"context"
	"time"

	"github.com/ktb/chatapp/internal/message"
	"github.com/ktb/chatapp/internal/ratelimit"
	"github.com/ktb/chatapp/internal/session"
)

// SessionStore reads and refreshes login sessions. session.Store implements
// it; tests use an in-memory fake.
type SessionStore interface {
	// Find returns nil for missing, expired, or unreadable sessions.
	Find(ctx context.Context, userID string) *session.Session
	// Refresh touches the session and resets its TTL.
	Refresh(ctx context.Context, sess *session.Session) error
}

// RateLimiter consumes one slot of a user's message budget.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, userID string, budget ratelimit.Budget) ratelimit.Result
}

// Membership answers room-access checks. rooms.Index implements it.
type Membership interface {
	IsMember(userID, roomID string) bool
}

// MessageStore is the durable store collaborator.
type MessageStore interface {
	Save(ctx context.Context, msg *message.Message) (*message.Message, error)
	FindFileByID(ctx context.Context, id string) (*message.File, error)
}

// Broadcaster fans a payload out to every room subscriber cluster-wide.
// broadcast.Fabric implements it.
type Broadcaster interface {
	Broadcast(roomID string, data []byte) error
}

// MentionEvent describes an AI mention found in a persisted message.
type MentionEvent struct {
	RoomID    string   `json:"roomId"`
	MessageID string   `json:"messageId"`
	SenderID  string   `json:"senderId"`
	Content   string   `json:"content"`
	Mentions  []string `json:"mentions"`
}

// MentionNotifier hands mention events to the asynchronous side-effect
// consumer. Calls happen off the hot path; failures never affect the
// already-persisted message.
type MentionNotifier interface {
	Notify(event MentionEvent) error
}

// Config carries the pipeline's tunables. It is plain data passed to New so
// tests can inject arbitrary budgets without process-global state.
type Config struct {
	Budget     ratelimit.Budget // per-user message budget
	CallBudget time.Duration    // upper bound for one pipeline run's store calls
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Budget:     ratelimit.DefaultBudget,
		CallBudget: 5 * time.Second,
	}
}

// Request is one inbound chat message event with the originating
// connection's identity. UserID is empty until the connection authenticated.
type Request struct {
	ConnID string
	UserID string
	Data   *ChatInput
}

// ChatInput is the transport-neutral shape of the inbound event.
type ChatInput struct {
	Room        string
	MessageType string // "text" | "file"
	Content     string
	FileID      string // set for file messages
}
