package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists messages and resolves file references in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts the message, assigning its id and timestamp. The input is not
// mutated; the returned copy carries the assigned fields. Failed saves are
// NOT retried here; the caller surfaces them to the sender so the client
// can resend.
func (s *Store) Save(ctx context.Context, msg *Message) (*Message, error) {
	saved := *msg
	saved.ID = uuid.New().String()
	saved.Timestamp = time.Now().UTC()

	var mentionsJSON, metadataJSON []byte
	var err error
	if len(saved.Mentions) > 0 {
		if mentionsJSON, err = json.Marshal(saved.Mentions); err != nil {
			return nil, fmt.Errorf("message: marshal mentions: %w", err)
		}
	}
	if len(saved.Metadata) > 0 {
		if metadataJSON, err = json.Marshal(saved.Metadata); err != nil {
			return nil, fmt.Errorf("message: marshal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, room_id, sender_id, type, content, file_id, mentions, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		saved.ID,
		saved.RoomID,
		saved.SenderID,
		saved.Type,
		saved.Content,
		saved.FileID,
		mentionsJSON,
		metadataJSON,
		saved.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return &saved, nil
}

// FindFileByID returns the file record for id, or nil if it does not exist.
func (s *Store) FindFileByID(ctx context.Context, id string) (*File, error) {
	const query = `
		SELECT id, user_id, mimetype, size, original_name
		FROM files
		WHERE id = $1`

	var f File
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&f.ID, &f.UserID, &f.Mimetype, &f.Size, &f.OriginalName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message: find file %s: %w", id, err)
	}
	return &f, nil
}

// CountRecent returns how many messages a room received since the given
// time. Used by reporting around this core, not by the pipeline itself.
func (s *Store) CountRecent(ctx context.Context, roomID string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages
		WHERE room_id = $1
		  AND created_at >= $2`

	var count int
	if err := s.db.QueryRowContext(ctx, query, roomID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("message: count recent: %w", err)
	}
	return count, nil
}
