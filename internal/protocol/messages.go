// Package protocol defines the WebSocket message types exchanged between
// chat clients and the server. All messages are JSON with a "type"
// discriminator in a consistent envelope.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth        = "auth"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeChatMessage = "chat_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeAuthSuccess = "auth_success"
	TypeRoomJoined  = "room_joined"
	TypeRoomLeft    = "room_left"
	TypeMessage     = "message"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeMessageError      = "MESSAGE_ERROR"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeMessageRejected   = "MESSAGE_REJECTED"
)

// ---------------------------------------------------------------------------
// Envelope: initial parse to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg attaches an already-authenticated identity to the connection. The
// session itself was created by the login flow; the server only verifies it
// exists.
type AuthMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// JoinRoomMsg subscribes the connection to a room.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LeaveRoomMsg unsubscribes the connection from a room.
type LeaveRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// FileRef references a previously uploaded file by id.
type FileRef struct {
	ID string `json:"_id"`
}

// ChatMessageMsg is an inbound chat message for a room.
type ChatMessageMsg struct {
	Type        string   `json:"type"`
	Room        string   `json:"room"`
	MessageType string   `json:"messageType"` // "text" | "file"
	Content     string   `json:"content"`
	FileData    *FileRef `json:"fileData,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthSuccessMsg confirms the connection's identity was accepted.
type AuthSuccessMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// RoomJoinedMsg confirms a room subscription.
type RoomJoinedMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// RoomLeftMsg confirms a room unsubscription.
type RoomLeftMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// SenderInfo summarizes the message sender for the broadcast payload.
type SenderInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// FileInfo summarizes an attached file for the broadcast payload.
type FileInfo struct {
	ID           string `json:"id"`
	Mimetype     string `json:"mimetype"`
	Size         int64  `json:"size"`
	OriginalName string `json:"originalName"`
}

// MessageMsg is the broadcast payload for a persisted chat message.
type MessageMsg struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	RoomID    string            `json:"roomId"`
	Content   string            `json:"content"`
	MsgType   string            `json:"msgType"` // "text" | "file"
	Timestamp int64             `json:"timestamp"` // unix millis
	Sender    SenderInfo        `json:"sender"`
	File      *FileInfo         `json:"file,omitempty"`
	Mentions  []string          `json:"mentions,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMsg is sent to the originating connection only, never broadcast.
type ErrorMsg struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, rate limiting only
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct, and any parse error. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message,
// injecting msgType under the "type" key of the marshalled payload.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
