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

// ErrTooFewParticipants is returned when a conversation would have fewer than
// two distinct participants.
var ErrTooFewParticipants = errors.New("conversation needs at least two participants")

// ConversationsStore provides conversation database operations.
type ConversationsStore struct {
	coll *mongo.Collection
}

// NewConversationsStore returns a ConversationsStore using the given collection.
func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll}
}

// GetConversation loads a conversation by hex id.
func (c *ConversationsStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var conv Conversation
	if err := c.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &conv, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first.
func (c *ConversationsStore) ListConversationsForUser(ctx context.Context, userID string, limit int64) ([]*Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "last_activity", Value: -1}}).
		SetLimit(limit)

	cursor, err := c.coll.Find(ctx, bson.M{"participant_ids": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Conversation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TouchConversation records the latest message and bumps last_activity.
func (c *ConversationsStore) TouchConversation(ctx context.Context, id, lastMessageID bson.ObjectID, at time.Time) error {
	res, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_message_id": lastMessageID, "last_activity": at}},
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOrCreateConversation returns the conversation between the given
// participants, creating it when none exists. The existing row is looked up
// before inserting; a duplicate key error from a concurrent creator is
// resolved by reading the winner's row. created reports whether this call
// inserted the document.
func (c *ConversationsStore) FindOrCreateConversation(ctx context.Context, participantIDs []string, carID string) (conv *Conversation, created bool, err error) {
	key, ids := ParticipantKey(participantIDs)
	if len(ids) < 2 {
		return nil, false, ErrTooFewParticipants
	}

	if existing, err := c.findByKey(ctx, key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ParticipantIDs: ids,
		ParticipantKey: key,
		CarID:          carID,
		LastActivity:   now,
		CreatedAt:      now,
	}
	res, err := c.coll.InsertOne(ctx, conv)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, ferr := c.findByKey(ctx, key)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	conv.ID = res.InsertedID.(bson.ObjectID)
	return conv, true, nil
}

func (c *ConversationsStore) findByKey(ctx context.Context, key string) (*Conversation, error) {
	var conv Conversation
	if err := c.coll.FindOne(ctx, bson.M{"participant_key": key}).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find conversation by participants: %w", err)
	}
	return &conv, nil
}
