// Package session manages authenticated user sessions shared across all chat
// server nodes. Sessions are created by the login flow; this package reads,
// refreshes, and deletes them through Redis so a user may reconnect to any
// node in the pool.
package session

import "time"

// DefaultTTL is the session time-to-live applied on every save.
const DefaultTTL = 24 * time.Hour

// Session is the per-user session record stored as JSON in Redis under
// session:<userId>.
type Session struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	CreatedAt    int64  `json:"createdAt"`    // unix millis
	LastActivity int64  `json:"lastActivity"` // unix millis
	AccessCount  int    `json:"accessCount"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	ProfileImage string `json:"profileImage,omitempty"`
	Metadata     string `json:"metadata,omitempty"` // opaque JSON blob
}

// Expired reports whether the session's last activity is older than ttl.
// The access count is irrelevant; only recency keeps a session alive.
func (s *Session) Expired(ttl time.Duration) bool {
	elapsed := time.Since(time.UnixMilli(s.LastActivity))
	return elapsed > ttl
}

// Touch records a validation hit: last activity moves to now and the access
// count increments.
func (s *Session) Touch() {
	s.LastActivity = time.Now().UnixMilli()
	s.AccessCount++
}
