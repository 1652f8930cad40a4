package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/utils"
)

const threadsCollection = "supportchats"

// maxAppendAttempts bounds optimistic append retries. Each lost attempt means
// another process stored a message, so the thread is still making progress.
const maxAppendAttempts = 10

// MongoStore keeps each thread as one document with its messages embedded,
// the layout the mobile backend has always used.
//
// Appends are optimistic: the update only matches while messageCount still
// equals the value read, so a concurrent writer in another process forces a
// reread instead of a lost or reordered message.
type MongoStore struct {
	client  *mongo.Client
	threads *mongo.Collection
	logger  *zap.Logger
	now     func() time.Time
	locks   utils.KeyedMutex
	users   utils.KeyedMutex
}

// ConnectMongo dials uri and verifies the primary is reachable.
func ConnectMongo(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return NewMongoStore(client, client.Database(database), logger), nil
}

// NewMongoStore uses an already connected client.
func NewMongoStore(client *mongo.Client, db *mongo.Database, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		client:  client,
		threads: db.Collection(threadsCollection),
		logger:  logger,
		now:     time.Now,
	}
}

// EnsureIndexes creates the partial unique index that allows one open thread
// per user, plus the listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.threads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().
				SetName("one_open_thread_per_user").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": models.ThreadOpen}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: -1}},
			Options: options.Index().SetName("status_updated"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error) {
	unlock := s.locks.Lock(threadID)
	defer unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var current models.Thread
		err := s.threads.FindOne(ctx, bson.M{"_id": threadID},
			options.FindOne().SetProjection(bson.M{"messages": 0}),
		).Decode(&current)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, &StoreError{Op: "append message", Err: err}
		}
		if current.Status == models.ThreadClosed {
			return nil, ErrThreadClosed
		}

		// BSON dates carry milliseconds.
		ts := nextTimestamp(s.now(), current.LastMessageAt, time.Millisecond)
		msg := models.Message{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			Seq:       current.MessageCount + 1,
			Sender:    author.Sender,
			SenderID:  author.ID,
			Text:      text,
			Timestamp: ts,
		}

		set := bson.M{
			"messageCount":       msg.Seq,
			"lastMessageAt":      ts,
			"lastMessagePreview": models.Preview(text),
			"updatedAt":          ts,
		}
		if author.Sender == models.SenderAdmin && current.AssignedAdminID == nil {
			set["assignedAdminId"] = author.ID
		}

		res, err := s.threads.UpdateOne(ctx,
			bson.M{"_id": threadID, "messageCount": current.MessageCount, "status": models.ThreadOpen},
			bson.M{"$push": bson.M{"messages": msg}, "$set": set},
		)
		if err != nil {
			return nil, &StoreError{Op: "append message", Err: err}
		}
		if res.MatchedCount == 1 {
			return &msg, nil
		}

		s.logger.Warn("append lost sequence race, retrying",
			zap.String("thread_id", threadID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, &StoreError{Op: "append message", Err: errors.New("thread kept changing under concurrent writers")}
}

func (s *MongoStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]models.Thread, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.UserID != "" {
		query["userId"] = filter.UserID
	}

	cursor, err := s.threads.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, &StoreError{Op: "list threads", Err: err}
	}
	threads := []models.Thread{}
	if err := cursor.All(ctx, &threads); err != nil {
		return nil, &StoreError{Op: "list threads", Err: err}
	}
	for i := range threads {
		hydrate(&threads[i])
	}
	return threads, nil
}

func (s *MongoStore) GetOrCreateThreadForUser(ctx context.Context, userID string) (*models.Thread, error) {
	unlock := s.users.Lock(userID)
	defer unlock()

	now := s.now().UTC().Truncate(time.Millisecond)
	filter := bson.M{"userId": userID, "status": models.ThreadOpen}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":                uuid.NewString(),
		"messageCount":       0,
		"lastMessagePreview": "",
		"messages":           bson.A{},
		"createdAt":          now,
		"updatedAt":          now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var thread models.Thread
		err := s.threads.FindOneAndUpdate(ctx, filter, update, opts).Decode(&thread)
		if err == nil {
			hydrate(&thread)
			return &thread, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, &StoreError{Op: "get or create thread", Err: err}
		}
		// A concurrent upsert won the partial unique index; match it next time.
		lastErr = err
	}
	return nil, &StoreError{Op: "get or create thread", Err: lastErr}
}

func (s *MongoStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := s.threads.FindOne(ctx, bson.M{"_id": threadID}).Decode(&thread)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get thread", Err: err}
	}
	hydrate(&thread)
	return &thread, nil
}

func (s *MongoStore) GetThreadMeta(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	opts := options.FindOne().SetProjection(bson.M{"messages": 0})
	err := s.threads.FindOne(ctx, bson.M{"_id": threadID}, opts).Decode(&thread)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get thread", Err: err}
	}
	thread.Messages = nil
	return &thread, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	messages := []models.Message{}
	for _, msg := range thread.Messages {
		if msg.Seq <= afterSeq {
			continue
		}
		messages = append(messages, msg)
		if limit > 0 && len(messages) == limit {
			break
		}
	}
	return messages, nil
}

func (s *MongoStore) CloseThread(ctx context.Context, threadID string, adminID string) (*models.Thread, error) {
	unlock := s.locks.Lock(threadID)
	defer unlock()

	current, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.ThreadClosed {
		return current, nil
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	set := bson.M{
		"status":    models.ThreadClosed,
		"closedAt":  now,
		"updatedAt": now,
	}
	if current.AssignedAdminID == nil && adminID != "" {
		set["assignedAdminId"] = adminID
	}
	if _, err := s.threads.UpdateOne(ctx,
		bson.M{"_id": threadID, "status": models.ThreadOpen},
		bson.M{"$set": set},
	); err != nil {
		return nil, &StoreError{Op: "close thread", Err: err}
	}
	return s.GetThread(ctx, threadID)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// hydrate fills fields that are implied by the document layout.
func hydrate(thread *models.Thread) {
	thread.Messages = emptyIfNil(thread.Messages)
	for i := range thread.Messages {
		thread.Messages[i].ThreadID = thread.ID
	}
}
