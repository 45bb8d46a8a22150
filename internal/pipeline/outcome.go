package pipeline

import (
	"github.com/ktb/chatapp/internal/message"
	"github.com/ktb/chatapp/internal/metrics"
	"github.com/ktb/chatapp/internal/protocol"
)

// Metric error_type labels. Fixed vocabulary; never built from input.
const (
	errNullData         = "null_data"
	errSessionNull      = "session_null"
	errSessionExpired   = "session_expired"
	errRateLimit        = "rate_limit"
	errRateLimitCounter = "rate_limit_exceeded"
	errRoomAccessDenied = "room_access_denied"
	errBannedWord       = "banned_word"
	errException        = "exception"
)

// Outcome is the tagged result of one pipeline run. It drives both the
// client response and the metric labels.
type Outcome struct {
	Status     string // metrics.StatusSuccess | StatusIgnored | StatusError
	ErrorType  string // metric label, set when Status is error
	Code       string // wire error code, set when Status is error
	Reason     string // human-readable error message
	RetryAfter int    // seconds, rate limiting only
	Saved      *message.Message
}

// Rejected reports whether the run produced a client-visible error.
func (o Outcome) Rejected() bool {
	return o.Status == metrics.StatusError
}

// ErrorMessage builds the error event for the originating connection.
// Returns nil for non-error outcomes.
func (o Outcome) ErrorMessage() *protocol.ErrorMsg {
	if !o.Rejected() {
		return nil
	}
	return &protocol.ErrorMsg{
		Code:       o.Code,
		Message:    o.Reason,
		RetryAfter: o.RetryAfter,
	}
}

func reject(errorType, code, reason string) Outcome {
	return Outcome{
		Status:    metrics.StatusError,
		ErrorType: errorType,
		Code:      code,
		Reason:    reason,
	}
}

func ignored() Outcome {
	return Outcome{Status: metrics.StatusIgnored}
}

func success(saved *message.Message) Outcome {
	return Outcome{Status: metrics.StatusSuccess, Saved: saved}
}
