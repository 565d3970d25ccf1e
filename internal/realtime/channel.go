// Package realtime implements the WebSocket message channel: connection
// admission, event dispatch and the conversation operations behind it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/metrics"
	"github.com/PaulBabatuyi/carhub-realtime/internal/middleware"
	"github.com/PaulBabatuyi/carhub-realtime/internal/normalize"
	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
	"github.com/PaulBabatuyi/carhub-realtime/internal/push"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	defaultMaxMessageLength = 2000
	defaultOpTimeout        = 10 * time.Second
	notificationPreviewLen  = 100
	maxReadBatch            = 500
	rejoinLimit             = 100
)

// Conversations is the conversation persistence the channel needs.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, limit int64) ([]*data.Conversation, error)
	TouchConversation(ctx context.Context, id, lastMessageID bson.ObjectID, at time.Time) error
}

// Messages is the message persistence the channel needs.
type Messages interface {
	SaveMessage(ctx context.Context, conversationID bson.ObjectID, senderID, content string, typ data.MessageType) (*data.Message, error)
	GetMessage(ctx context.Context, id string) (*data.Message, error)
	UpdateMessageContent(ctx context.Context, id bson.ObjectID, content string) (*data.Message, error)
	DeleteMessage(ctx context.Context, id bson.ObjectID) error
	MarkMessagesRead(ctx context.Context, conversationID bson.ObjectID, readerID string, messageIDs []string) ([]string, error)
}

// Notifier queues push notifications without blocking.
type Notifier interface {
	Enqueue(n push.Notification) bool
}

// Actor is who performs an operation. ConnID is empty for calls that did not
// come over a socket.
type Actor struct {
	Identity auth.Identity
	ConnID   string
}

func (a Actor) source() string {
	if a.ConnID == "" {
		return "rpc"
	}
	return "socket"
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	MaxMessageLength int
	OpTimeout        time.Duration
	// Limiter, when set, bounds sendMessage per user.
	Limiter middleware.Limiter
}

// Service owns the conversation operations and their fan-out.
type Service struct {
	convs    Conversations
	msgs     Messages
	registry *presence.Registry
	notifier Notifier
	limiter  middleware.Limiter

	maxLen    int
	opTimeout time.Duration
	logger    zerolog.Logger
}

// NewService builds a Service. notifier may be nil.
func NewService(convs Conversations, msgs Messages, registry *presence.Registry, notifier Notifier, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &Service{
		convs:     convs,
		msgs:      msgs,
		registry:  registry,
		notifier:  notifier,
		limiter:   opts.Limiter,
		maxLen:    opts.MaxMessageLength,
		opTimeout: opts.OpTimeout,
		logger:    logger.With().Str("component", "channel").Logger(),
	}
}

// Registry exposes the presence registry the service fans out through.
func (s *Service) Registry() *presence.Registry { return s.registry }

// opContext detaches persistence work from the caller's cancellation so a
// client disconnecting mid-write does not abort it.
func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

// SendMessage persists a message and fans it out.
func (s *Service) SendMessage(ctx context.Context, actor Actor, req SendMessageRequest) (*MessagePayload, error) {
	content, err := s.validContent(req.Content)
	if err != nil {
		return nil, withTempID(err, req.TempID)
	}
	typ := data.MessageText
	if req.Type != "" {
		typ = data.MessageType(req.Type)
	}
	if !typ.Valid() {
		return nil, withTempID(validationError("unknown message type"), req.TempID)
	}
	convID := normalize.ID(req.ConversationID)
	if convID == "" {
		return nil, withTempID(validationError("conversationId is required"), req.TempID)
	}

	uid := actor.Identity.UserID
	// RPC sends carry no connection and are limited by the gRPC interceptor.
	if s.limiter != nil && actor.ConnID != "" {
		if d := s.limiter.CheckAndConsume(ctx, "socket:"+uid); !d.Allowed {
			metrics.RateLimitHits.WithLabelValues(EventSendMessage).Inc()
			return nil, &Error{Code: CodeRateLimited, Message: "too many messages", TempID: req.TempID, RetryAfter: d.RetryAfter, Err: d.Err()}
		}
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	conv, err := s.participantConversation(opCtx, convID, uid)
	if err != nil {
		return nil, withTempID(err, req.TempID)
	}

	msg, err := s.msgs.SaveMessage(opCtx, conv.ID, uid, content, typ)
	if err != nil {
		return nil, withTempID(internalError("save message", err), req.TempID)
	}
	if err := s.convs.TouchConversation(opCtx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		// the message is stored; a stale last_activity is recoverable
		s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("failed to touch conversation")
	}

	payload := messagePayload(msg, actor.Identity)
	room := presence.ConversationRoom(conv.ID.Hex())
	s.emitRoom(room, EventNewMessage, payload, actor.ConnID)
	if actor.ConnID != "" {
		s.emitConn(actor.ConnID, EventMessageSent, MessageSentPayload{TempID: req.TempID, Message: payload})
	}

	preview := normalize.Preview(content, notificationPreviewLen)
	if typ == data.MessageImage {
		preview = "Sent a photo"
	}
	for _, other := range conv.OtherParticipants(uid) {
		s.emitUser(other, EventNewMessageNotification, MessageNotificationPayload{
			ConversationID: payload.ConversationID,
			MessageID:      payload.ID,
			SenderID:       uid,
			SenderName:     actor.Identity.DisplayName,
			Preview:        preview,
		})
		if s.notifier != nil {
			s.notifier.Enqueue(push.Notification{
				RecipientID: other,
				SenderID:    uid,
				Title:       "New message from " + actor.Identity.DisplayName,
				Body:        preview,
				Type:        push.TypeMessage,
				Data: map[string]any{
					"conversationId": payload.ConversationID,
					"senderId":       uid,
					"messageId":      payload.ID,
				},
			})
		}
	}

	metrics.MessagesSent.WithLabelValues(actor.source()).Inc()
	return &payload, nil
}

// EditMessage replaces the content of the actor's own message.
func (s *Service) EditMessage(ctx context.Context, actor Actor, req EditMessageRequest) (*MessageEditedPayload, error) {
	content, err := s.validContent(req.NewContent)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	msg, err := s.authoredMessage(opCtx, actor, req.MessageID, req.ConversationID, "edit")
	if err != nil {
		return nil, err
	}

	updated, err := s.msgs.UpdateMessageContent(opCtx, msg.ID, content)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, notFound("message not found")
		}
		return nil, internalError("edit message", err)
	}

	editedAt := time.Now().UTC()
	if updated.EditedAt != nil {
		editedAt = *updated.EditedAt
	}
	payload := MessageEditedPayload{
		MessageID:      updated.ID.Hex(),
		NewContent:     updated.Content,
		ConversationID: updated.ConversationID.Hex(),
		EditedAt:       editedAt,
		EditedBy:       actor.Identity.UserID,
	}
	s.emitRoomAndActor(presence.ConversationRoom(payload.ConversationID), EventMessageEdited, payload, actor)
	return &payload, nil
}

// DeleteMessage removes the actor's own message.
func (s *Service) DeleteMessage(ctx context.Context, actor Actor, req DeleteMessageRequest) (*MessageDeletedPayload, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	msg, err := s.authoredMessage(opCtx, actor, req.MessageID, req.ConversationID, "delete")
	if err != nil {
		return nil, err
	}
	if err := s.msgs.DeleteMessage(opCtx, msg.ID); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, notFound("message not found")
		}
		return nil, internalError("delete message", err)
	}

	payload := MessageDeletedPayload{
		MessageID:      msg.ID.Hex(),
		ConversationID: msg.ConversationID.Hex(),
		DeletedBy:      actor.Identity.UserID,
	}
	s.emitRoomAndActor(presence.ConversationRoom(payload.ConversationID), EventMessageDeleted, payload, actor)
	return &payload, nil
}

// MarkAsRead marks the listed messages read for the actor. Messages the actor
// authored are never touched.
func (s *Service) MarkAsRead(ctx context.Context, actor Actor, req MarkAsReadRequest) (*MessagesReadPayload, error) {
	convID := normalize.ID(req.ConversationID)
	if convID == "" {
		return nil, validationError("conversationId is required")
	}
	if len(req.MessageIDs) == 0 {
		return nil, validationError("messageIds is required")
	}
	if len(req.MessageIDs) > maxReadBatch {
		return nil, validationError(fmt.Sprintf("at most %d messageIds per call", maxReadBatch))
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	uid := actor.Identity.UserID
	conv, err := s.participantConversation(opCtx, convID, uid)
	if err != nil {
		return nil, err
	}

	changed, err := s.msgs.MarkMessagesRead(opCtx, conv.ID, uid, req.MessageIDs)
	if err != nil {
		return nil, internalError("mark messages read", err)
	}
	if changed == nil {
		changed = []string{}
	}

	payload := MessagesReadPayload{ConversationID: conv.ID.Hex(), ReadBy: uid, MessageIDs: changed}
	if len(changed) > 0 {
		s.emitRoom(presence.ConversationRoom(payload.ConversationID), EventMessagesRead, payload, "")
	}
	return &payload, nil
}

// HandleEvent dispatches one inbound frame for a socket connection. Failures
// are reported to that connection as error events; panics are contained.
func (s *Service) HandleEvent(ctx context.Context, actor Actor, env Envelope) {
	label := eventLabel(env.Event)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("event", env.Event).
				Str("conn_id", actor.ConnID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
			s.emitError(actor.ConnID, env.Event, &Error{Code: CodeInternal, Message: "internal error"})
			metrics.SocketEvents.WithLabelValues(label, string(CodeInternal)).Inc()
		}
	}()

	err := s.dispatch(ctx, actor, env)
	outcome := "ok"
	if err != nil {
		e := AsError(err)
		outcome = string(e.Code)
		ev := s.logger.Debug()
		if e.Code == CodeInternal {
			ev = s.logger.Error()
		}
		ev.Err(err).Str("event", env.Event).Str("user_id", actor.Identity.UserID).Msg("event failed")
		s.emitError(actor.ConnID, env.Event, e)
	}
	metrics.SocketEvents.WithLabelValues(label, outcome).Inc()
}

func (s *Service) dispatch(ctx context.Context, actor Actor, env Envelope) error {
	switch env.Event {
	case EventSendMessage:
		req, err := decode[SendMessageRequest](env)
		if err != nil {
			return err
		}
		_, err = s.SendMessage(ctx, actor, req)
		return err
	case EventEditMessage:
		req, err := decode[EditMessageRequest](env)
		if err != nil {
			return err
		}
		_, err = s.EditMessage(ctx, actor, req)
		return err
	case EventDeleteMessage:
		req, err := decode[DeleteMessageRequest](env)
		if err != nil {
			return err
		}
		_, err = s.DeleteMessage(ctx, actor, req)
		return err
	case EventMarkAsRead:
		req, err := decode[MarkAsReadRequest](env)
		if err != nil {
			return err
		}
		_, err = s.MarkAsRead(ctx, actor, req)
		return err
	case EventJoinConversation, EventLeaveConversation, EventStartTyping, EventStopTyping, EventGetOnlineUsers:
		req, err := decode[ConversationRequest](env)
		if err != nil {
			return err
		}
		switch env.Event {
		case EventJoinConversation:
			return s.JoinConversation(ctx, actor, req.ConversationID)
		case EventLeaveConversation:
			return s.LeaveConversation(actor, req.ConversationID)
		case EventStartTyping:
			return s.Typing(actor, req.ConversationID, true)
		case EventStopTyping:
			return s.Typing(actor, req.ConversationID, false)
		default:
			return s.GetOnlineUsers(ctx, actor, req.ConversationID)
		}
	case EventRejoinActive:
		return s.RejoinActiveConversations(ctx, actor)
	default:
		return validationError("unknown event")
	}
}

func decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, validationError("missing payload")
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, validationError("invalid payload for " + env.Event)
	}
	return v, nil
}

var knownEvents = map[string]bool{
	EventJoinConversation:  true,
	EventLeaveConversation: true,
	EventSendMessage:       true,
	EventEditMessage:       true,
	EventDeleteMessage:     true,
	EventMarkAsRead:        true,
	EventStartTyping:       true,
	EventStopTyping:        true,
	EventGetOnlineUsers:    true,
	EventRejoinActive:      true,
}

// eventLabel keeps metric cardinality bounded.
func eventLabel(event string) string {
	if knownEvents[event] {
		return event
	}
	return "unknown"
}

func (s *Service) validContent(raw string) (string, error) {
	content := normalize.Text(raw)
	if content == "" {
		return "", validationError("message content is required")
	}
	if utf8.RuneCountInString(content) > s.maxLen {
		return "", validationError(fmt.Sprintf("message exceeds %d characters", s.maxLen))
	}
	return content, nil
}

// participantConversation loads a conversation and checks membership against
// persistence on every call.
func (s *Service) participantConversation(ctx context.Context, convID, userID string) (*data.Conversation, error) {
	conv, err := s.convs.GetConversation(ctx, convID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, notFound("conversation not found")
		}
		return nil, internalError("load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, forbidden("not a participant in this conversation")
	}
	return conv, nil
}

func (s *Service) authoredMessage(ctx context.Context, actor Actor, messageID, conversationID, verb string) (*data.Message, error) {
	messageID = normalize.ID(messageID)
	if messageID == "" {
		return nil, validationError("messageId is required")
	}
	msg, err := s.msgs.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, notFound("message not found")
		}
		return nil, internalError("load message", err)
	}
	if msg.SenderID != actor.Identity.UserID {
		return nil, forbidden("you can only " + verb + " your own messages")
	}
	if c := normalize.ID(conversationID); c != "" && c != msg.ConversationID.Hex() {
		return nil, validationError("message does not belong to this conversation")
	}
	return msg, nil
}

func messagePayload(m *data.Message, sender auth.Identity) MessagePayload {
	return MessagePayload{
		ID:             m.ID.Hex(),
		Content:        m.Content,
		Type:           string(m.Type),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		ConversationID: m.ConversationID.Hex(),
		Sender:         UserRef{ID: sender.UserID, Username: sender.DisplayName},
		Read:           m.IsRead,
	}
}

func withTempID(err error, tempID string) error {
	var e *Error
	if tempID != "" && errors.As(err, &e) {
		e.TempID = tempID
	}
	return err
}

// Fan-out helpers. Encoding failures are programming errors and only logged.

func (s *Service) frame(event string, payload any) []byte {
	b, err := encode(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return nil
	}
	return b
}

func (s *Service) emitRoom(room, event string, payload any, exceptConnID string) {
	if b := s.frame(event, payload); b != nil {
		s.registry.EmitToRoom(room, b, exceptConnID)
	}
}

func (s *Service) emitUser(userID, event string, payload any) {
	if b := s.frame(event, payload); b != nil {
		s.registry.EmitToUser(userID, b)
	}
}

func (s *Service) emitConn(connID, event string, payload any) {
	if b := s.frame(event, payload); b != nil {
		s.registry.EmitToConn(connID, b)
	}
}

// emitRoomAndActor reaches the actor's connection even when it has not joined
// the room.
func (s *Service) emitRoomAndActor(room, event string, payload any, actor Actor) {
	b := s.frame(event, payload)
	if b == nil {
		return
	}
	s.registry.EmitToRoom(room, b, actor.ConnID)
	if actor.ConnID != "" {
		s.registry.EmitToConn(actor.ConnID, b)
	}
}

func (s *Service) emitError(connID, event string, e *Error) {
	if connID == "" {
		return
	}
	s.emitConn(connID, EventError, e.payload(event))
}
