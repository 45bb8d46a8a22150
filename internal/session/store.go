package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for session records.
const KeyPrefix = "session:"

// Store persists sessions in Redis as JSON values with a fixed TTL. Redis's
// per-key atomicity is all it relies on; there are no cross-key transactions.
//
// Failure policy: Save surfaces errors because losing a session write breaks
// the login flow. Find fails CLOSED: any Redis error is reported as "no
// session" so the hot path rejects the sender and asks for a fresh login
// instead of blocking. Degraded reads are logged, never silently swallowed.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore connects to Redis at addr and verifies the connection.
func NewStore(addr string, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}, nil
}

// NewStoreWithClient wraps an existing Redis client, sharing its connection
// pool with other stores.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// TTL returns the configured session time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Save upserts the session and resets its TTL. Errors are returned to the
// caller; a lost session write is a correctness problem for the login flow.
func (s *Store) Save(ctx context.Context, sess *Session) (*Session, error) {
	value, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("session: marshal: %w", err)
	}

	key := KeyPrefix + sess.UserID
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("session: save %s: %w", key, err)
	}
	return sess, nil
}

// Find returns the session for userID, or nil if there is none. A session
// whose last activity is older than the TTL is treated as absent even if the
// Redis key has not expired yet. Redis errors also yield nil (fail closed)
// and are logged as degraded mode.
func (s *Store) Find(ctx context.Context, userID string) *Session {
	key := KeyPrefix + userID

	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.Printf("[session] degraded: redis GET %s: %v (treating as not found)", key, err)
		return nil
	}

	var sess Session
	if err := json.Unmarshal([]byte(value), &sess); err != nil {
		log.Printf("[session] degraded: corrupt record at %s: %v (treating as not found)", key, err)
		return nil
	}

	if sess.Expired(s.ttl) {
		return nil
	}
	return &sess
}

// Refresh touches the session and saves it back, resetting the Redis TTL.
func (s *Store) Refresh(ctx context.Context, sess *Session) error {
	sess.Touch()
	_, err := s.Save(ctx, sess)
	return err
}

// Delete removes the session for userID if it carries the given sessionID.
// An empty sessionID deletes unconditionally.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	if sessionID != "" {
		existing := s.Find(ctx, userID)
		if existing == nil || existing.SessionID != sessionID {
			return nil
		}
	}
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// DeleteAll removes every session for userID (cluster-wide sign-out). With
// one record per user this is a single delete; the split from Delete mirrors
// the login service's contract.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client so other stores can share the
// connection pool.
func (s *Store) Client() *redis.Client {
	return s.client
}
