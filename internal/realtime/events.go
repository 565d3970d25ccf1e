package realtime

import (
	"encoding/json"
	"time"
)

// Client -> server events.
const (
	EventJoinConversation   = "joinConversation"
	EventLeaveConversation  = "leaveConversation"
	EventSendMessage        = "sendMessage"
	EventEditMessage        = "editMessage"
	EventDeleteMessage      = "deleteMessage"
	EventMarkAsRead         = "markAsRead"
	EventStartTyping        = "startTyping"
	EventStopTyping         = "stopTyping"
	EventGetOnlineUsers     = "getOnlineUsers"
	EventRejoinActive       = "rejoinActiveConversations"
)

// Server -> client events.
const (
	EventNewMessage             = "newMessage"
	EventMessageSent            = "messageSent"
	EventMessageEdited          = "messageEdited"
	EventMessageDeleted         = "messageDeleted"
	EventMessagesRead           = "messagesRead"
	EventNewMessageNotification = "newMessageNotification"
	EventJoinedConversation     = "joinedConversation"
	EventLeftConversation       = "leftConversation"
	EventUserJoined             = "userJoinedConversation"
	EventUserLeft               = "userLeftConversation"
	EventUserReconnected        = "userReconnected"
	EventUserStartedTyping      = "userStartedTyping"
	EventUserStoppedTyping      = "userStoppedTyping"
	EventOnlineUsers            = "onlineUsers"
	EventRejoined               = "rejoinedConversations"
	EventUserOnline             = "userOnline"
	EventUserOffline            = "userOffline"
	EventError                  = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}

// Requests.

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	TempID         string `json:"tempId,omitempty"`
}

type EditMessageRequest struct {
	MessageID      string `json:"messageId"`
	NewContent     string `json:"newContent"`
	ConversationID string `json:"conversationId"`
}

type DeleteMessageRequest struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MarkAsReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// Payloads.

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type MessagePayload struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	ConversationID string     `json:"conversationId"`
	Sender         UserRef    `json:"sender"`
	Read           bool       `json:"read"`
}

type MessageSentPayload struct {
	TempID  string         `json:"tempId,omitempty"`
	Message MessagePayload `json:"message"`
}

type MessageEditedPayload struct {
	MessageID      string    `json:"messageId"`
	NewContent     string    `json:"newContent"`
	ConversationID string    `json:"conversationId"`
	EditedAt       time.Time `json:"editedAt"`
	EditedBy       string    `json:"editedBy"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
}

type MessagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	ReadBy         string   `json:"readBy"`
	MessageIDs     []string `json:"messageIds"`
}

type MessageNotificationPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Preview        string `json:"preview"`
}

type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type RoomMemberPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
}

type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
	RoomName       string `json:"roomName"`
}

type OnlineUsersPayload struct {
	ConversationID string            `json:"conversationId"`
	Users          []PresencePayload `json:"users"`
}

type RejoinedPayload struct {
	Count           int      `json:"count"`
	ConversationIDs []string `json:"conversationIds"`
}

type ErrorPayload struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Event      string `json:"event,omitempty"`
	TempID     string `json:"tempId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}
