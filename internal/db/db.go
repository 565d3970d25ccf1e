// Package db manages MongoDB connections and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, shared by all stores)
	client *mongo.Client

	// db is the marketplace database; collections are created on first write
	db *mongo.Database
}

// New connects to MongoDB and returns a Client bound to the named database.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// mongo.Connect is lazy; ping so a bad URI fails at startup
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if database == "" {
		database = "carhub"
	}

	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// UsersCollection returns the users collection. The realtime service only reads it.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// ConversationsCollection returns the conversations collection.
func (c *Client) ConversationsCollection() *mongo.Collection {
	return c.db.Collection("conversations")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// PushTokensCollection returns the push_tokens collection.
func (c *Client) PushTokensCollection() *mongo.Collection {
	return c.db.Collection("push_tokens")
}

// NotificationsCollection returns the push_notifications audit collection.
func (c *Client) NotificationsCollection() *mongo.Collection {
	return c.db.Collection("push_notifications")
}

// Ping checks the primary is reachable. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the stores rely on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	// ===== CONVERSATIONS =====
	// participant_key is the sorted participant list; the unique index backs
	// FindOrCreate when two callers race past the read-before-insert check.
	conversationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participant_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// ListForUser: conversations of a user, most recent first
			Keys: bson.D{{Key: "participant_ids", Value: 1}, {Key: "last_activity", Value: -1}},
		},
	}
	if _, err := c.ConversationsCollection().Indexes().CreateMany(ctx, conversationIndexes); err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	// ===== MESSAGES =====
	messageIndexes := []mongo.IndexModel{
		{
			// history of one conversation ordered by time
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			// unread lookups for markAsRead
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "is_read", Value: 1}},
		},
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	// ===== PUSH TOKENS =====
	// at most one record per (user, token); re-registration reactivates it
	tokenIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "token", Value: 1}},
		},
	}
	if _, err := c.PushTokensCollection().Indexes().CreateMany(ctx, tokenIndexes); err != nil {
		return fmt.Errorf("failed to create push token indexes: %w", err)
	}

	// ===== NOTIFICATION RECORDS =====
	notificationIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "sent_at", Value: -1}},
	}
	if _, err := c.NotificationsCollection().Indexes().CreateOne(ctx, notificationIndex); err != nil {
		return fmt.Errorf("failed to create notification index: %w", err)
	}

	return nil
}
