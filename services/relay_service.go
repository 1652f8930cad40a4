package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kendall-kelly/support-relay-api/metrics"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/registry"
	"github.com/kendall-kelly/support-relay-api/store"
	"github.com/kendall-kelly/support-relay-api/utils"
)

// ErrForbidden is returned when a user writes to a thread they do not own.
var ErrForbidden = errors.New("not allowed to access this thread")

// archiveTimeout bounds the best-effort transcript upload on close.
const archiveTimeout = 30 * time.Second

// MessageStore is what the relay needs from the store.
type MessageStore interface {
	AppendMessage(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error)
	GetOrCreateThreadForUser(ctx context.Context, userID string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	GetThreadMeta(ctx context.Context, threadID string) (*models.Thread, error)
	CloseThread(ctx context.Context, threadID string, adminID string) (*models.Thread, error)
}

// Broadcaster fans an event out to a thread's live sessions.
type Broadcaster interface {
	Broadcast(threadID string, event registry.Event) int
}

// RelayOptions are the optional collaborators of a RelayService.
type RelayOptions struct {
	Archive TranscriptArchive
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// RelayService persists messages and pushes them to live sessions.
//
// Send holds a per-thread lock from append through broadcast, so sessions
// receive a thread's messages in the order the store numbered them.
type RelayService struct {
	store   MessageStore
	rooms   Broadcaster
	archive TranscriptArchive
	logger  *zap.Logger
	metrics *metrics.Metrics
	order   utils.KeyedMutex
}

// NewRelayService wires a relay over store and rooms.
func NewRelayService(st MessageStore, rooms Broadcaster, opts RelayOptions) *RelayService {
	if opts.Archive == nil {
		opts.Archive = NoopTranscriptArchive{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RelayService{
		store:   st,
		rooms:   rooms,
		archive: opts.Archive,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Send stores text as the next message of threadID and broadcasts it.
// Store errors are returned unchanged. A failed broadcast never fails Send:
// the message is durable and clients recover it through the read path.
func (s *RelayService) Send(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error) {
	text, err := utils.ValidateMessageText(text)
	if err != nil {
		s.metrics.SendFailed("validation")
		return nil, err
	}
	threadID, err = utils.ValidateThreadID(threadID)
	if err != nil {
		s.metrics.SendFailed("validation")
		return nil, err
	}
	if !author.Sender.Valid() || author.ID == "" {
		s.metrics.SendFailed("validation")
		return nil, &utils.ValidationError{Code: utils.CodeInvalidSender, Message: "A valid sender is required"}
	}

	return s.send(ctx, threadID, author, text)
}

// SendAsUser posts to the user's open thread, opening one on first contact.
func (s *RelayService) SendAsUser(ctx context.Context, userID string, text string) (*models.Message, error) {
	text, err := utils.ValidateMessageText(text)
	if err != nil {
		s.metrics.SendFailed("validation")
		return nil, err
	}

	thread, err := s.store.GetOrCreateThreadForUser(ctx, userID)
	if err != nil {
		s.metrics.SendFailed(failureReason(err))
		return nil, err
	}

	return s.send(ctx, thread.ID, models.Author{Sender: models.SenderUser, ID: userID}, text)
}

func (s *RelayService) send(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error) {
	unlock := s.order.Lock(threadID)
	defer unlock()

	if author.Sender == models.SenderUser {
		thread, err := s.store.GetThreadMeta(ctx, threadID)
		if err != nil {
			s.metrics.SendFailed(failureReason(err))
			return nil, err
		}
		if !thread.OwnedBy(author.ID) {
			s.metrics.SendFailed("forbidden")
			return nil, ErrForbidden
		}
	}

	msg, err := s.store.AppendMessage(ctx, threadID, author, text)
	if err != nil {
		s.metrics.SendFailed(failureReason(err))
		s.logger.Warn("failed to append support message",
			zap.String("thread_id", threadID),
			zap.String("sender", string(author.Sender)),
			zap.Error(err),
		)
		return nil, err
	}
	s.metrics.MessageSent(string(author.Sender))

	s.broadcast(threadID, models.EventSupportMessage, models.SupportMessageEvent{
		ChatID:  threadID,
		Message: *msg,
	})
	return msg, nil
}

// CloseThread closes the thread, archives its transcript and tells live
// sessions. Closing a closed thread returns it without side effects.
func (s *RelayService) CloseThread(ctx context.Context, threadID string, adminID string) (*models.Thread, error) {
	unlock := s.order.Lock(threadID)
	defer unlock()

	current, err := s.store.GetThreadMeta(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.ThreadClosed {
		return s.store.GetThread(ctx, threadID)
	}

	thread, err := s.store.CloseThread(ctx, threadID, adminID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("support thread closed",
		zap.String("thread_id", threadID),
		zap.String("admin_id", adminID),
		zap.Int64("messages", thread.MessageCount),
	)

	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if key, err := s.archive.Archive(archiveCtx, thread); err != nil {
		s.logger.Warn("failed to archive transcript",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
	} else if key != "" {
		s.logger.Info("transcript archived",
			zap.String("thread_id", threadID),
			zap.String("key", key),
		)
	}

	s.broadcast(threadID, models.EventChatClosed, models.ChatClosedEvent{
		ChatID:   threadID,
		ClosedBy: adminID,
	})
	return thread, nil
}

// TranscriptURL returns a download link for a closed thread's transcript.
func (s *RelayService) TranscriptURL(ctx context.Context, threadID string) (string, error) {
	thread, err := s.store.GetThreadMeta(ctx, threadID)
	if err != nil {
		return "", err
	}
	if thread.Status != models.ThreadClosed {
		return "", ErrTranscriptNotReady
	}
	return s.archive.TranscriptURL(ctx, thread)
}

// ErrTranscriptNotReady is returned for threads that are still open.
var ErrTranscriptNotReady = errors.New("transcript is only available once the thread is closed")

func (s *RelayService) broadcast(threadID, eventType string, payload any) {
	event, err := registry.NewEvent(eventType, payload)
	if err != nil {
		s.logger.Error("failed to encode live event",
			zap.String("thread_id", threadID),
			zap.String("event", eventType),
			zap.Error(err),
		)
		return
	}
	delivered := s.rooms.Broadcast(threadID, event)
	s.logger.Debug("live event broadcast",
		zap.String("thread_id", threadID),
		zap.String("event", eventType),
		zap.Int("delivered", delivered),
	)
}

func failureReason(err error) string {
	var storeErr *store.StoreError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrThreadClosed):
		return "closed"
	case errors.As(err, &storeErr):
		return "store"
	default:
		return "other"
	}
}
