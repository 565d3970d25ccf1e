package data

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// PushTokensStore provides push token database operations.
type PushTokensStore struct {
	coll *mongo.Collection
}

// NewPushTokensStore returns a PushTokensStore using the given collection.
func NewPushTokensStore(coll *mongo.Collection) *PushTokensStore {
	return &PushTokensStore{coll: coll}
}

// RegisterPushToken stores token for userID and marks it active. Registering an
// existing (user, token) pair reactivates the same document, so there is never
// more than one record per pair.
func (p *PushTokensStore) RegisterPushToken(ctx context.Context, userID, token, deviceType string) (*PushToken, error) {
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	filter := bson.M{"user_id": userID, "token": token}
	update := bson.M{
		"$set":         bson.M{"is_active": true, "device_type": deviceType, "updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}

	var pt PushToken
	err := p.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&pt)
	if mongo.IsDuplicateKeyError(err) {
		// two concurrent upserts can both miss and one loses on the unique
		// index; the row exists now, so the second attempt updates it
		err = p.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&pt)
	}
	if err != nil {
		return nil, fmt.Errorf("register push token: %w", err)
	}
	return &pt, nil
}

// UnregisterPushToken deactivates the user's token.
func (p *PushTokensStore) UnregisterPushToken(ctx context.Context, userID, token string) error {
	res, err := p.coll.UpdateOne(ctx,
		bson.M{"user_id": userID, "token": token},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("unregister push token: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActivePushTokens returns the active tokens of a user.
func (p *PushTokensStore) FindActivePushTokens(ctx context.Context, userID string) ([]*PushToken, error) {
	cursor, err := p.coll.Find(ctx, bson.M{"user_id": userID, "is_active": true})
	if err != nil {
		return nil, fmt.Errorf("find push tokens: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*PushToken
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivatePushToken disables a device token for every user holding it.
// Used when the push gateway reports the device as unregistered.
func (p *PushTokensStore) DeactivatePushToken(ctx context.Context, token string) error {
	_, err := p.coll.UpdateMany(ctx,
		bson.M{"token": token, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("deactivate push token: %w", err)
	}
	return nil
}
