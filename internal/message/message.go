// Package message defines the chat message domain model and its PostgreSQL
// durable store. Messages are immutable once persisted; the id and timestamp
// are assigned exactly once, at save time, by the node that processed them.
package message

import "time"

// Message types.
const (
	TypeText = "text"
	TypeFile = "file"
)

// Message is one persisted chat message.
type Message struct {
	ID        string            `json:"id"`
	RoomID    string            `json:"roomId"`
	SenderID  string            `json:"senderId"`
	Type      string            `json:"type"` // text | file
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Mentions  []string          `json:"mentions,omitempty"`
	FileID    string            `json:"fileId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// File is an uploaded file record referenced by file messages. Uploads
// themselves happen elsewhere; this core only resolves references and checks
// ownership.
type File struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Mimetype     string `json:"mimetype"`
	Size         int64  `json:"size"`
	OriginalName string `json:"originalName"`
}
