// Package pipeline implements the chat message ingestion state machine:
// validation, authentication, rate limiting, room authorization, content
// moderation, persistence, cluster broadcast, and asynchronous side effects,
// in that fixed order with early exit on rejection.
//
// The pipeline holds no locks of its own. Every stage either reads immutable
// shared state (the banned-word automaton) or delegates an atomic operation
// to the distributed store, so any number of runs may execute concurrently
// for the same user or room.
package pipeline

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/ktb/chatapp/internal/banned"
	"github.com/ktb/chatapp/internal/message"
	"github.com/ktb/chatapp/internal/metrics"
	"github.com/ktb/chatapp/internal/protocol"
	"github.com/ktb/chatapp/internal/session"
)

// Pipeline orchestrates one run per inbound chat message event.
type Pipeline struct {
	cfg      Config
	sessions SessionStore
	limiter  RateLimiter
	rooms    Membership
	checker  *banned.Checker
	store    MessageStore
	fabric   Broadcaster
	mentions MentionNotifier // may be nil
}

// New assembles a pipeline from its collaborators. mentions may be nil when
// no side-effect consumer is configured.
func New(cfg Config, sessions SessionStore, limiter RateLimiter, rooms Membership,
	checker *banned.Checker, store MessageStore, fabric Broadcaster,
	mentions MentionNotifier) *Pipeline {
	if cfg.CallBudget <= 0 {
		cfg.CallBudget = DefaultConfig().CallBudget
	}
	return &Pipeline{
		cfg:      cfg,
		sessions: sessions,
		limiter:  limiter,
		rooms:    rooms,
		checker:  checker,
		store:    store,
		fabric:   fabric,
		mentions: mentions,
	}
}

// Handle executes one full pipeline run. It never panics: unexpected
// failures surface as a generic MESSAGE_ERROR outcome for the originating
// connection and an exception-labeled metric. The outcome is returned to the
// caller; broadcasting of persisted messages has already happened by the
// time Handle returns.
func (p *Pipeline) Handle(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()

	metricType := "unknown"
	if req.Data != nil && req.Data.MessageType != "" {
		metricType = req.Data.MessageType
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] recovered panic conn=%s user=%s: %v", req.ConnID, req.UserID, r)
			out = reject(errException, protocol.CodeMessageError, "message processing failed")
		}
		switch out.Status {
		case metrics.StatusSuccess:
			metrics.RecordMessage(metrics.StatusSuccess, metricType)
		case metrics.StatusError:
			metrics.RecordError(out.ErrorType)
		}
		metrics.ObserveProcessing(out.Status, metricType, time.Since(start))
	}()

	return p.run(ctx, req)
}

func (p *Pipeline) run(ctx context.Context, req Request) Outcome {
	// Received -> Authenticated.
	if req.Data == nil {
		return reject(errNullData, protocol.CodeMessageError, "message data missing")
	}
	if req.UserID == "" {
		return reject(errSessionNull, protocol.CodeSessionExpired, "session expired, please log in again")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallBudget)
	defer cancel()

	sess := p.sessions.Find(ctx, req.UserID)
	if sess == nil {
		return reject(errSessionExpired, protocol.CodeSessionExpired, "session expired, please log in again")
	}
	if err := p.sessions.Refresh(ctx, sess); err != nil {
		// The session was readable and valid; a failed activity refresh
		// must not drop the message.
		log.Printf("[pipeline] degraded: session refresh user=%s: %v", req.UserID, err)
	}

	// Authenticated -> RateLimitChecked.
	res := p.limiter.CheckAndConsume(ctx, req.UserID, p.cfg.Budget)
	if !res.Allowed {
		metrics.RecordError(errRateLimitCounter)
		log.Printf("[pipeline] rate limit exceeded user=%s retry_after=%ds", req.UserID, res.RetryAfter)
		out := reject(errRateLimit, protocol.CodeRateLimitExceeded, "message rate limit exceeded, try again later")
		out.RetryAfter = res.RetryAfter
		return out
	}

	// RateLimitChecked -> RoomAuthorized.
	roomID := req.Data.Room
	if !p.rooms.IsMember(req.UserID, roomID) {
		return reject(errRoomAccessDenied, protocol.CodeMessageError, "no access to this room")
	}

	// RoomAuthorized -> ContentParsed. Parsing never fails.
	content := ParseContent(req.Data.Content)

	// ContentParsed -> Moderated.
	if p.checker.Contains(content.Trimmed) {
		return reject(errBannedWord, protocol.CodeMessageRejected, "message contains a banned word")
	}

	// Moderated -> Persisted.
	msg, file, err := p.buildMessage(ctx, req, content)
	if err != nil {
		log.Printf("[pipeline] build message user=%s room=%s: %v", req.UserID, roomID, err)
		return reject(errException, protocol.CodeMessageError, err.Error())
	}
	if msg == nil {
		// Empty text message: not an error, not a success.
		log.Printf("[pipeline] ignoring empty message user=%s room=%s", req.UserID, roomID)
		return ignored()
	}

	saved, err := p.store.Save(ctx, msg)
	if err != nil {
		// No automatic retry: the sender is told so the client can resend.
		log.Printf("[pipeline] save failed user=%s room=%s: %v", req.UserID, roomID, err)
		return reject(errException, protocol.CodeMessageError, "failed to save message")
	}

	// Persisted -> Broadcast.
	p.broadcast(saved, sess, file)

	// Broadcast -> SideEffectsDispatched. Fire-and-forget: a slow or failing
	// consumer never delays delivery, and the message is already durable.
	if p.mentions != nil && len(content.Mentions) > 0 {
		event := MentionEvent{
			RoomID:    saved.RoomID,
			MessageID: saved.ID,
			SenderID:  saved.SenderID,
			Content:   saved.Content,
			Mentions:  content.Mentions,
		}
		go func() {
			if err := p.mentions.Notify(event); err != nil {
				log.Printf("[pipeline] mention dispatch message=%s: %v", event.MessageID, err)
			}
		}()
	}

	return success(saved)
}

// buildMessage constructs the domain message for the request. A nil message
// with a nil error means the input was empty and should be ignored.
func (p *Pipeline) buildMessage(ctx context.Context, req Request, content Content) (*message.Message, *message.File, error) {
	switch req.Data.MessageType {
	case message.TypeText:
		if content.Empty() {
			return nil, nil, nil
		}
		return &message.Message{
			RoomID:   req.Data.Room,
			SenderID: req.UserID,
			Type:     message.TypeText,
			Content:  content.Trimmed,
			Mentions: content.Mentions,
		}, nil, nil

	case message.TypeFile:
		if req.Data.FileID == "" {
			return nil, nil, errInvalidFileData
		}
		file, err := p.store.FindFileByID(ctx, req.Data.FileID)
		if err != nil {
			return nil, nil, err
		}
		if file == nil || file.UserID != req.UserID {
			return nil, nil, errFileNotOwned
		}
		return &message.Message{
			RoomID:   req.Data.Room,
			SenderID: req.UserID,
			Type:     message.TypeFile,
			Content:  content.Trimmed,
			Mentions: content.Mentions,
			FileID:   file.ID,
			Metadata: map[string]string{
				"fileType":     file.Mimetype,
				"fileSize":     strconv.FormatInt(file.Size, 10),
				"originalName": file.OriginalName,
			},
		}, file, nil

	default:
		return nil, nil, errUnsupportedType
	}
}

// broadcast builds the room payload and publishes it through the fabric.
// A publish failure is logged but does not fail the run: the message is
// durable and the sender's client already treats it as sent.
func (p *Pipeline) broadcast(saved *message.Message, sess *session.Session, file *message.File) {
	payload := protocol.MessageMsg{
		ID:        saved.ID,
		RoomID:    saved.RoomID,
		Content:   saved.Content,
		MsgType:   saved.Type,
		Timestamp: saved.Timestamp.UnixMilli(),
		Sender: protocol.SenderInfo{
			ID:           sess.UserID,
			Name:         sess.Username,
			Email:        sess.Email,
			ProfileImage: sess.ProfileImage,
		},
		Mentions: saved.Mentions,
		Metadata: saved.Metadata,
	}
	if file != nil {
		payload.File = &protocol.FileInfo{
			ID:           file.ID,
			Mimetype:     file.Mimetype,
			Size:         file.Size,
			OriginalName: file.OriginalName,
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessage, payload)
	if err != nil {
		log.Printf("[pipeline] encode broadcast message=%s: %v", saved.ID, err)
		return
	}
	if err := p.fabric.Broadcast(saved.RoomID, data); err != nil {
		log.Printf("[pipeline] degraded: broadcast room=%s message=%s: %v", saved.RoomID, saved.ID, err)
		return
	}
	metrics.BroadcastsTotal.Inc()
}
