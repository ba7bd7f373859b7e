package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/wrenfolk/chronicle/internal/tracing"
)

// ErrChannelNotFound is returned when updating backfill state for a channel
// that was never seeded.
var ErrChannelNotFound = errors.New("channel backfill record not found")

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	backfill *mongo.Collection
	users    *mongo.Collection
	logger   *slog.Logger
}

// NewMongoStore connects to MongoDB and returns a store bound to the given
// database. The connection is verified with a ping before returning.
func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if derr := client.Disconnect(ctx); derr != nil {
			logger.Warn("failed to disconnect after ping failure",
				slog.String("error", derr.Error()))
		}
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client:   client,
		messages: db.Collection(CollectionMessages),
		backfill: db.Collection(CollectionChannelBackfill),
		users:    db.Collection(CollectionUsers),
		logger:   logger,
	}, nil
}

// EnsureIndexes creates all collection indexes if absent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationIndex)
	defer func() { endSpan(err) }()

	messageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "timestamp_ms", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "author_id", Value: 1}, {Key: "timestamp_ms", Value: -1}},
		},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	backfillIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "channel_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "done", Value: 1}, {Key: "updated_at", Value: 1}},
		},
	}
	if _, err := s.backfill.Indexes().CreateMany(ctx, backfillIndexes); err != nil {
		return fmt.Errorf("failed to create backfill indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "last_seen_ms", Value: -1}},
		},
	}
	if _, err := s.users.Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	return nil
}

// InsertMessage writes one message record. A duplicate message_id means the
// other ingestion path won the race; that is success, not an error.
func (s *MongoStore) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg.IngestedAt.IsZero() {
		msg.IngestedAt = time.Now().UTC()
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, CollectionMessages, tracing.DBOperationInsert)
	_, err := s.messages.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		tracing.AddEvent(ctx, "duplicate_skipped")
		endSpan(nil)
		s.logger.Debug("duplicate message skipped",
			slog.String("message_id", msg.MessageID),
			slog.String("source", msg.Source))
		return false, nil
	}
	endSpan(err)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	return true, nil
}

// UpsertUser stores the latest observed identity for an author. The $max on
// last_seen_ms keeps late backfill of old messages from regressing it.
func (s *MongoStore) UpsertUser(ctx context.Context, user *User) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if user.Username != "" {
		set["username"] = user.Username
	}
	if user.GlobalName != "" {
		set["global_name"] = user.GlobalName
	}

	update := bson.M{
		"$set":         set,
		"$max":         bson.M{"last_seen_ms": user.LastSeenMS},
		"$setOnInsert": bson.M{"user_id": user.UserID},
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, CollectionUsers, tracing.DBOperationUpdate)
	_, err := s.users.UpdateOne(ctx, bson.M{"user_id": user.UserID}, update,
		options.Update().SetUpsert(true))
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// SeedBackfill creates the initial backfill record for a channel. Re-seeding
// an already known channel is a no-op.
func (s *MongoStore) SeedBackfill(ctx context.Context, channelID, guildID string) (bool, error) {
	now := time.Now().UTC()
	doc := &ChannelBackfill{
		ChannelID: channelID,
		GuildID:   guildID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, CollectionChannelBackfill, tracing.DBOperationInsert)
	_, err := s.backfill.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		endSpan(nil)
		return false, nil
	}
	endSpan(err)
	if err != nil {
		return false, fmt.Errorf("failed to seed backfill: %w", err)
	}
	return true, nil
}

// ClaimNextChannel atomically claims the least recently touched unclaimed,
// unfinished channel. The find-and-modify makes claim exclusion hold across
// processes, not just goroutines.
func (s *MongoStore) ClaimNextChannel(ctx context.Context) (*ChannelBackfill, error) {
	filter := bson.M{"done": false, "claimed": bson.M{"$ne": true}}
	update := bson.M{"$set": bson.M{"claimed": true, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetReturnDocument(options.After)

	ctx, endSpan := tracing.StartDBSpan(ctx, CollectionChannelBackfill, tracing.DBOperationFindAndModify)
	var claim ChannelBackfill
	err := s.backfill.FindOneAndUpdate(ctx, filter, update, opts).Decode(&claim)
	if errors.Is(err, mongo.ErrNoDocuments) {
		endSpan(nil)
		return nil, nil
	}
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to claim channel: %w", err)
	}
	return &claim, nil
}

// UpdateChannelState applies a worker outcome and releases the claim.
func (s *MongoStore) UpdateChannelState(ctx context.Context, channelID string, update ChannelUpdate) error {
	set := bson.M{"claimed": false, "updated_at": time.Now().UTC()}
	if update.Cursor != nil {
		set["cursor_before"] = *update.Cursor
	}
	if update.Done {
		set["done"] = true
	}

	doc := bson.M{"$set": set}
	if update.ErrorDelta > 0 {
		doc["$inc"] = bson.M{"error_count": int64(update.ErrorDelta)}
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, CollectionChannelBackfill, tracing.DBOperationUpdate)
	res, err := s.backfill.UpdateOne(ctx, bson.M{"channel_id": channelID}, doc)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to update channel state: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// ReleaseStaleClaims frees claims older than the cutoff. Recovered channels
// get a fresh updated_at, sending them to the back of the claim queue.
func (s *MongoStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	filter := bson.M{"claimed": true, "updated_at": bson.M{"$lt": olderThan}}
	update := bson.M{"$set": bson.M{"claimed": false, "updated_at": time.Now().UTC()}}

	ctx, endSpan := tracing.StartDBSpan(ctx, CollectionChannelBackfill, tracing.DBOperationUpdate)
	res, err := s.backfill.UpdateMany(ctx, filter, update)
	endSpan(err)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	if res.ModifiedCount > 0 {
		s.logger.Info("released stale backfill claims",
			slog.Int64("count", res.ModifiedCount))
	}
	return res.ModifiedCount, nil
}

// HealthCheck reports whether the database answers a primary ping.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}
