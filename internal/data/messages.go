package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// SaveMessage inserts an unread message and returns the saved record.
func (m *MessagesStore) SaveMessage(ctx context.Context, conversationID bson.ObjectID, senderID, content string, typ MessageType) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		IsRead:         false,
		CreatedAt:      time.Now().UTC(),
	}

	result, err := m.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = result.InsertedID.(bson.ObjectID)
	return msg, nil
}

// GetMessage loads a message by hex id.
func (m *MessagesStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := m.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return &msg, nil
}

// UpdateMessageContent rewrites the content of a message and stamps edited_at.
// It returns the updated document.
func (m *MessagesStore) UpdateMessageContent(ctx context.Context, id bson.ObjectID, content string) (*Message, error) {
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg Message
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"content": content, "edited_at": now}},
		opts,
	).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return &msg, nil
}

// DeleteMessage removes a message permanently.
func (m *MessagesStore) DeleteMessage(ctx context.Context, id bson.ObjectID) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessagesRead flags the given messages of a conversation as read by
// readerID. Messages authored by the reader and messages already read are
// never touched. It returns the ids that changed state.
func (m *MessagesStore) MarkMessagesRead(ctx context.Context, conversationID bson.ObjectID, readerID string, messageIDs []string) ([]string, error) {
	oids := make([]bson.ObjectID, 0, len(messageIDs))
	for _, id := range messageIDs {
		if oid, err := parseID(id); err == nil {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"_id":             bson.M{"$in": oids},
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": readerID},
		"is_read":         false,
	}

	// collect the matching ids first so the caller can broadcast exactly
	// what changed
	cursor, err := m.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("find unread messages: %w", err)
	}
	var rows []struct {
		ID bson.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	matched := make([]bson.ObjectID, len(rows))
	out := make([]string, len(rows))
	for i, r := range rows {
		matched[i] = r.ID
		out[i] = r.ID.Hex()
	}

	now := time.Now().UTC()
	filter["_id"] = bson.M{"$in": matched}
	if _, err := m.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"is_read": true, "read_at": now}}); err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return out, nil
}

// GetMessageHistory returns the latest messages of a conversation, oldest first.
func (m *MessagesStore) GetMessageHistory(ctx context.Context, conversationID bson.ObjectID, limit int64) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := m.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find history: %w", err)
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}

	// reverse so clients render oldest -> newest
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
