package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientMessage_ChatMessage(t *testing.T) {
	data := []byte(`{"type":"chat_message","room":"room-1","messageType":"text","content":"hello"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msgType != TypeChatMessage {
		t.Errorf("type = %q, want %q", msgType, TypeChatMessage)
	}

	m, ok := msg.(ChatMessageMsg)
	if !ok {
		t.Fatalf("msg is %T, want ChatMessageMsg", msg)
	}
	if m.Room != "room-1" || m.MessageType != "text" || m.Content != "hello" {
		t.Errorf("unexpected fields: %+v", m)
	}
	if m.FileData != nil {
		t.Errorf("FileData = %+v, want nil", m.FileData)
	}
}

func TestParseClientMessage_FileMessage(t *testing.T) {
	data := []byte(`{"type":"chat_message","room":"room-1","messageType":"file","content":"caption","fileData":{"_id":"f-123"}}`)

	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}

	m := msg.(ChatMessageMsg)
	if m.FileData == nil || m.FileData.ID != "f-123" {
		t.Errorf("FileData = %+v, want id f-123", m.FileData)
	}
}

func TestParseClientMessage_Auth(t *testing.T) {
	data := []byte(`{"type":"auth","userId":"u-1","sessionId":"s-1"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msgType != TypeAuth {
		t.Errorf("type = %q, want %q", msgType, TypeAuth)
	}

	m := msg.(AuthMsg)
	if m.UserID != "u-1" || m.SessionID != "s-1" {
		t.Errorf("unexpected fields: %+v", m)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"room":"r"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"mystery"}`},
		{"server-only type", `{"type":"message"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.data)); err == nil {
				t.Errorf("ParseClientMessage(%s) succeeded, want error", tt.data)
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{
		Code:       CodeRateLimitExceeded,
		Message:    "slow down",
		RetryAfter: 42,
	})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if m["type"] != TypeError {
		t.Errorf("type = %v, want %q", m["type"], TypeError)
	}
	if m["code"] != CodeRateLimitExceeded {
		t.Errorf("code = %v, want %q", m["code"], CodeRateLimitExceeded)
	}
	if m["retryAfter"] != float64(42) {
		t.Errorf("retryAfter = %v, want 42", m["retryAfter"])
	}
}

func TestNewServerMessage_OmitsZeroRetryAfter(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{
		Code:    CodeMessageError,
		Message: "boom",
	})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}
	if strings.Contains(string(data), "retryAfter") {
		t.Errorf("zero retryAfter serialized: %s", data)
	}
}

func TestNewServerMessage_BroadcastPayload(t *testing.T) {
	data, err := NewServerMessage(TypeMessage, MessageMsg{
		ID:        "m-1",
		RoomID:    "room-1",
		Content:   "hello",
		MsgType:   "text",
		Timestamp: 1700000000000,
		Sender:    SenderInfo{ID: "u-1", Name: "alice", Email: "a@example.com"},
	})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var m MessageMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if m.Type != TypeMessage || m.ID != "m-1" || m.Sender.Name != "alice" {
		t.Errorf("round trip mismatch: %+v", m)
	}
}
