package data

import (
	"errors"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrNotFound is returned by every store when the addressed document does not
// exist. Malformed ids are reported the same way.
var ErrNotFound = errors.New("not found")

// User maps to the users collection. Accounts are owned by the marketplace
// API; the realtime service only reads them.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Username  string        `bson:"username"`
	Email     string        `bson:"email"`
	Role      string        `bson:"role,omitempty"`
	Confirmed bool          `bson:"confirmed"`
	Blocked   bool          `bson:"blocked"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// Conversation maps to the conversations collection.
type Conversation struct {
	ID             bson.ObjectID  `bson:"_id,omitempty"`
	ParticipantIDs []string       `bson:"participant_ids"`
	ParticipantKey string         `bson:"participant_key"` // sorted ids joined by ":"
	CarID          string         `bson:"car_id,omitempty"`
	LastMessageID  *bson.ObjectID `bson:"last_message_id,omitempty"`
	LastActivity   time.Time      `bson:"last_activity"`
	CreatedAt      time.Time      `bson:"created_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// OtherParticipants returns every participant except userID.
func (c *Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// ParticipantKey builds the canonical key for a participant set: ids are
// de-duplicated, sorted and joined so the same pair always maps to one row.
func ParticipantKey(ids []string) (string, []string) {
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	slices.Sort(uniq)
	return strings.Join(uniq, ":"), uniq
}

// MessageType is the kind of a chat message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageSystem:
		return true
	}
	return false
}

// Message maps to the messages collection.
type Message struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	ConversationID bson.ObjectID `bson:"conversation_id"`
	SenderID       string        `bson:"sender_id"`
	Content        string        `bson:"content"`
	Type           MessageType   `bson:"type"`
	IsRead         bool          `bson:"is_read"`
	ReadAt         *time.Time    `bson:"read_at,omitempty"`
	EditedAt       *time.Time    `bson:"edited_at,omitempty"`
	CreatedAt      time.Time     `bson:"created_at"`
}

// PushToken maps to the push_tokens collection.
type PushToken struct {
	ID         bson.ObjectID `bson:"_id,omitempty"`
	UserID     string        `bson:"user_id"`
	Token      string        `bson:"token"`
	DeviceType string        `bson:"device_type"` // ios, android, web
	IsActive   bool          `bson:"is_active"`
	CreatedAt  time.Time     `bson:"created_at"`
	UpdatedAt  time.Time     `bson:"updated_at"`
}

// NotificationRecord is the write-only audit trail of push dispatches.
type NotificationRecord struct {
	ID          bson.ObjectID  `bson:"_id,omitempty"`
	RecipientID string         `bson:"recipient_id"`
	SenderID    string         `bson:"sender_id,omitempty"`
	Title       string         `bson:"title"`
	Body        string         `bson:"body"`
	Type        string         `bson:"type"`
	Data        map[string]any `bson:"data,omitempty"`
	Delivered   bool           `bson:"delivered"` // at least one ticket accepted
	TicketCount int            `bson:"ticket_count"`
	SentAt      time.Time      `bson:"sent_at"`
}

// parseID converts a hex id; malformed ids cannot match anything.
func parseID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return bson.ObjectID{}, ErrNotFound
	}
	return oid, nil
}
