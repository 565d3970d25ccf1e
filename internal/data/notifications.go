package data

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// NotificationsStore writes the push notification audit trail.
type NotificationsStore struct {
	coll *mongo.Collection
}

// NewNotificationsStore returns a NotificationsStore using the given collection.
func NewNotificationsStore(coll *mongo.Collection) *NotificationsStore {
	return &NotificationsStore{coll: coll}
}

// CreateNotificationRecord inserts one audit record.
func (n *NotificationsStore) CreateNotificationRecord(ctx context.Context, rec *NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	res, err := n.coll.InsertOne(ctx, rec)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	rec.ID = res.InsertedID.(bson.ObjectID)
	return nil
}
