// Package store persists support threads and their messages and acts as the
// chat directory that maps a user to their single open thread.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kendall-kelly/support-relay-api/models"
)

var (
	// ErrNotFound is returned when a thread id does not exist.
	ErrNotFound = errors.New("thread not found")
	// ErrThreadClosed is returned when appending to a closed thread.
	ErrThreadClosed = errors.New("thread is closed")
)

// maxWriteAttempts bounds retries after losing a write race to another process.
const maxWriteAttempts = 3

// StoreError wraps a storage I/O failure. The write did not happen and the
// caller may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ThreadFilter narrows ListThreads. Zero values match everything.
type ThreadFilter struct {
	Status models.ThreadStatus
	UserID string
}

// Store is the durable side of the relay.
type Store interface {
	// AppendMessage stores text as the next message of the thread. The
	// timestamp and sequence number are assigned here, in arrival order.
	AppendMessage(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error)
	// ListThreads returns a snapshot of matching threads, most recently
	// updated first, each with its messages in order.
	ListThreads(ctx context.Context, filter ThreadFilter) ([]models.Thread, error)
	// GetOrCreateThreadForUser returns the user's open thread, creating it on
	// first contact.
	GetOrCreateThreadForUser(ctx context.Context, userID string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	// GetThreadMeta returns the thread without its messages. MessageCount is
	// still set, so LastSeq works.
	GetThreadMeta(ctx context.Context, threadID string) (*models.Thread, error)
	// ListMessages returns up to limit messages with seq > afterSeq.
	// A limit <= 0 means no limit.
	ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error)
	// CloseThread marks the thread closed. Closing a closed thread is a no-op.
	CloseThread(ctx context.Context, threadID string, adminID string) (*models.Thread, error)
	Ping(ctx context.Context) error
	Close() error
}

// nextTimestamp returns now rounded to the store's resolution, pushed past
// last when the clock has not advanced (or went backwards) since the previous
// append. It keeps a thread's timestamps strictly increasing.
func nextTimestamp(now time.Time, last *time.Time, resolution time.Duration) time.Time {
	ts := now.UTC().Truncate(resolution)
	if last == nil {
		return ts
	}
	floor := last.UTC().Truncate(resolution)
	if !ts.After(floor) {
		ts = floor.Add(resolution)
	}
	return ts
}

func emptyIfNil(messages []models.Message) []models.Message {
	if messages == nil {
		return []models.Message{}
	}
	return messages
}
