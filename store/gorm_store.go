package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/utils"
)

// GormStore keeps threads and messages in a SQL database through gorm.
// Postgres in production, SQLite for local runs and tests.
//
// Appends to one thread are serialized twice: in-process by a per-thread
// mutex, and across processes by a row lock (postgres) plus the unique
// (thread_id, seq) index.
type GormStore struct {
	db      *gorm.DB
	logger  *zap.Logger
	now     func() time.Time
	threads utils.KeyedMutex
	users   utils.KeyedMutex
}

// NewGormStore wraps an open gorm connection.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Migrate creates or updates the support tables.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&models.Thread{}, &models.Message{})
}

func (s *GormStore) AppendMessage(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error) {
	unlock := s.threads.Lock(threadID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		msg, err := s.appendOnce(ctx, threadID, author, text)
		if err == nil {
			return msg, nil
		}
		if !isDuplicateKey(err) {
			return nil, s.translate("append message", err)
		}
		// Another process took this seq; reread the thread and try again.
		s.logger.Warn("append lost sequence race, retrying",
			zap.String("thread_id", threadID),
			zap.Int("attempt", attempt+1),
		)
		lastErr = err
	}
	return nil, &StoreError{Op: "append message", Err: lastErr}
}

func (s *GormStore) appendOnce(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		if err := s.lockRow(tx).Where("id = ?", threadID).First(&thread).Error; err != nil {
			return err
		}
		if thread.Status == models.ThreadClosed {
			return ErrThreadClosed
		}

		ts := nextTimestamp(s.now(), thread.LastMessageAt, time.Microsecond)
		msg = models.Message{
			ThreadID:  thread.ID,
			Seq:       thread.MessageCount + 1,
			Sender:    author.Sender,
			SenderID:  author.ID,
			Text:      text,
			Timestamp: ts,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"message_count":        msg.Seq,
			"last_message_at":      ts,
			"last_message_preview": models.Preview(text),
			"updated_at":           ts,
		}
		if author.Sender == models.SenderAdmin && thread.AssignedAdminID == nil {
			updates["assigned_admin_id"] = author.ID
		}
		return tx.Model(&models.Thread{}).Where("id = ?", thread.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *GormStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]models.Thread, error) {
	query := s.db.WithContext(ctx).Preload("Messages", orderBySeq)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}

	var threads []models.Thread
	if err := query.Order("updated_at DESC").Find(&threads).Error; err != nil {
		return nil, s.translate("list threads", err)
	}
	for i := range threads {
		threads[i].Messages = emptyIfNil(threads[i].Messages)
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	return threads, nil
}

func (s *GormStore) GetOrCreateThreadForUser(ctx context.Context, userID string) (*models.Thread, error) {
	unlock := s.users.Lock(userID)
	defer unlock()

	db := s.db.WithContext(ctx)
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var thread models.Thread
		err := db.Preload("Messages", orderBySeq).
			Where("user_id = ? AND status = ?", userID, models.ThreadOpen).
			First(&thread).Error
		if err == nil {
			thread.Messages = emptyIfNil(thread.Messages)
			return &thread, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.translate("find open thread", err)
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		owner := userID
		thread = models.Thread{
			UserID:     userID,
			Status:     models.ThreadOpen,
			OpenUserID: &owner,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = db.Create(&thread).Error
		if err == nil {
			s.logger.Info("support thread created",
				zap.String("thread_id", thread.ID),
				zap.String("user_id", userID),
			)
			thread.Messages = []models.Message{}
			return &thread, nil
		}
		if !isDuplicateKey(err) {
			return nil, s.translate("create thread", err)
		}
		// Another process opened the thread first; the next read finds it.
		lastErr = err
	}
	return nil, &StoreError{Op: "get or create thread", Err: lastErr}
}

func (s *GormStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	err := s.db.WithContext(ctx).
		Preload("Messages", orderBySeq).
		Where("id = ?", threadID).
		First(&thread).Error
	if err != nil {
		return nil, s.translate("get thread", err)
	}
	thread.Messages = emptyIfNil(thread.Messages)
	return &thread, nil
}

func (s *GormStore) GetThreadMeta(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	if err := s.db.WithContext(ctx).Where("id = ?", threadID).First(&thread).Error; err != nil {
		return nil, s.translate("get thread", err)
	}
	return &thread, nil
}

func (s *GormStore) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error) {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Thread{}).Where("id = ?", threadID).Count(&count).Error; err != nil {
		return nil, s.translate("list messages", err)
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	query := db.Where("thread_id = ? AND seq > ?", threadID, afterSeq).Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var messages []models.Message
	if err := query.Find(&messages).Error; err != nil {
		return nil, s.translate("list messages", err)
	}
	return emptyIfNil(messages), nil
}

func (s *GormStore) CloseThread(ctx context.Context, threadID string, adminID string) (*models.Thread, error) {
	unlock := s.threads.Lock(threadID)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		if err := s.lockRow(tx).Where("id = ?", threadID).First(&thread).Error; err != nil {
			return err
		}
		if thread.Status == models.ThreadClosed {
			return nil
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		updates := map[string]interface{}{
			"status":       models.ThreadClosed,
			"open_user_id": nil,
			"closed_at":    now,
			"updated_at":   now,
		}
		if thread.AssignedAdminID == nil && adminID != "" {
			updates["assigned_admin_id"] = adminID
		}
		return tx.Model(&models.Thread{}).Where("id = ?", thread.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, s.translate("close thread", err)
	}
	return s.GetThread(ctx, threadID)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// lockRow adds SELECT ... FOR UPDATE where the dialect supports it. SQLite
// serializes writers on its own.
func (s *GormStore) lockRow(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (s *GormStore) translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrThreadClosed):
		return err
	default:
		return &StoreError{Op: op, Err: err}
	}
}

func orderBySeq(db *gorm.DB) *gorm.DB {
	return db.Order("seq ASC")
}

// isDuplicateKey works with both the translated gorm error and raw driver
// messages (postgres and SQLite word them differently).
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
