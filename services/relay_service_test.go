package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/registry"
	"github.com/kendall-kelly/support-relay-api/store"
	"github.com/kendall-kelly/support-relay-api/tests/testutil"
	"github.com/kendall-kelly/support-relay-api/utils"
)

type recordingSubscriber struct {
	id     string
	mu     sync.Mutex
	events []registry.Event
}

func (r *recordingSubscriber) ID() string { return r.id }

func (r *recordingSubscriber) Deliver(e registry.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSubscriber) received() []registry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Event(nil), r.events...)
}

func decodeMessageEvent(t *testing.T, e registry.Event) models.SupportMessageEvent {
	t.Helper()
	require.Equal(t, models.EventSupportMessage, e.Type)
	var payload models.SupportMessageEvent
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	return payload
}

type relayFixture struct {
	relay   *RelayService
	store   *store.GormStore
	rooms   *registry.Registry
	archive *MockTranscriptArchive
}

func setupRelay(t *testing.T) relayFixture {
	t.Helper()
	st, _ := testutil.NewStore(t)
	rooms := registry.New(nil, nil)
	archive := NewMockTranscriptArchive()
	return relayFixture{
		relay:   NewRelayService(st, rooms, RelayOptions{Archive: archive}),
		store:   st,
		rooms:   rooms,
		archive: archive,
	}
}

var (
	userA  = models.Author{Sender: models.SenderUser, ID: "auth0|user-a"}
	admin1 = models.Author{Sender: models.SenderAdmin, ID: "auth0|admin-1"}
)

func TestRelaySendsToSubscribersAndStore(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	// User A writes first, with no thread yet.
	first, err := f.relay.SendAsUser(ctx, userA.ID, "hi")
	require.NoError(t, err)
	threadID := first.ThreadID
	require.NotEmpty(t, threadID)

	adminSession := &recordingSubscriber{id: "admin-session"}
	f.rooms.Join(threadID, adminSession)

	second, err := f.relay.Send(ctx, threadID, userA, "anyone there?")
	require.NoError(t, err)

	events := adminSession.received()
	require.Len(t, events, 1)
	payload := decodeMessageEvent(t, events[0])
	assert.Equal(t, threadID, payload.ChatID)
	assert.Equal(t, "anyone there?", payload.Message.Text)
	assert.Equal(t, models.SenderUser, payload.Message.Sender)
	assert.Equal(t, second.ID, payload.Message.ID)

	userSession := &recordingSubscriber{id: "user-session"}
	f.rooms.Join(threadID, userSession)

	_, err = f.relay.Send(ctx, threadID, admin1, "hello!")
	require.NoError(t, err)

	assert.Len(t, adminSession.received(), 2)
	require.Len(t, userSession.received(), 1)
	assert.Equal(t, "hello!", decodeMessageEvent(t, userSession.received()[0]).Message.Text)

	thread, err := f.store.GetThread(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, thread.Messages, 3)
	assert.Equal(t, []string{"hi", "anyone there?", "hello!"},
		[]string{thread.Messages[0].Text, thread.Messages[1].Text, thread.Messages[2].Text})
	require.NotNil(t, thread.AssignedAdminID)
	assert.Equal(t, admin1.ID, *thread.AssignedAdminID)
}

func TestRelaySendValidation(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	thread, err := f.store.GetOrCreateThreadForUser(ctx, userA.ID)
	require.NoError(t, err)
	watcher := &recordingSubscriber{id: "watcher"}
	f.rooms.Join(thread.ID, watcher)

	tests := []struct {
		name     string
		threadID string
		author   models.Author
		text     string
		wantCode string
	}{
		{name: "empty text", threadID: thread.ID, author: userA, text: "", wantCode: utils.CodeEmptyMessage},
		{name: "whitespace text", threadID: thread.ID, author: userA, text: " \n\t ", wantCode: utils.CodeEmptyMessage},
		{name: "too long", threadID: thread.ID, author: userA, text: strings.Repeat("a", utils.MaxMessageRunes+1), wantCode: utils.CodeMessageTooLong},
		{name: "blank thread id", threadID: " ", author: userA, text: "hi", wantCode: utils.CodeInvalidThreadID},
		{name: "unknown sender", threadID: thread.ID, author: models.Author{Sender: "bot", ID: "x"}, text: "hi", wantCode: utils.CodeInvalidSender},
		{name: "missing author id", threadID: thread.ID, author: models.Author{Sender: models.SenderAdmin}, text: "hi", wantCode: utils.CodeInvalidSender},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.Send(ctx, tt.threadID, tt.author, tt.text)
			var vErr *utils.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantCode, vErr.Code)
		})
	}

	got, err := f.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "rejected sends must not be stored")
	assert.Empty(t, watcher.received(), "rejected sends must not be broadcast")

	_, err = f.relay.SendAsUser(ctx, "auth0|new-user", "   ")
	assert.Error(t, err)
	threads, err := f.store.ListThreads(ctx, store.ThreadFilter{UserID: "auth0|new-user"})
	require.NoError(t, err)
	assert.Empty(t, threads, "an empty first message should not open a thread")
}

func TestRelaySendAtMaxLength(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	text := strings.Repeat("é", utils.MaxMessageRunes)
	msg, err := f.relay.SendAsUser(ctx, userA.ID, "  "+text+"  ")
	require.NoError(t, err)
	assert.Equal(t, text, msg.Text, "text is stored trimmed")
}

func TestRelaySendErrorsPropagate(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, "does-not-exist", admin1, "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.relay.Send(ctx, "does-not-exist", userA, "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)

	other, err := f.store.GetOrCreateThreadForUser(ctx, "auth0|someone-else")
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, other.ID, userA, "let me in")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.relay.CloseThread(ctx, other.ID, admin1.ID)
	require.NoError(t, err)
	_, err = f.relay.Send(ctx, other.ID, admin1, "too late")
	assert.ErrorIs(t, err, store.ErrThreadClosed)
}

type failingStore struct {
	MessageStore
	err error
}

func (f failingStore) AppendMessage(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error) {
	return nil, f.err
}

func TestRelaySendReturnsStoreErrorUnchanged(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	thread, err := f.store.GetOrCreateThreadForUser(ctx, userA.ID)
	require.NoError(t, err)

	storeErr := &store.StoreError{Op: "append message", Err: errors.New("connection reset")}
	relay := NewRelayService(failingStore{MessageStore: f.store, err: storeErr}, f.rooms, RelayOptions{})

	watcher := &recordingSubscriber{id: "watcher"}
	f.rooms.Join(thread.ID, watcher)

	_, err = relay.Send(ctx, thread.ID, admin1, "hello")
	assert.Same(t, storeErr, err)
	assert.Empty(t, watcher.received())
}

type brokenSubscriber struct{}

func (brokenSubscriber) ID() string                  { return "broken" }
func (brokenSubscriber) Deliver(registry.Event) error { return errors.New("queue full") }

func TestRelaySendSucceedsWhenDeliveryFails(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	thread, err := f.store.GetOrCreateThreadForUser(ctx, userA.ID)
	require.NoError(t, err)
	f.rooms.Join(thread.ID, brokenSubscriber{})

	msg, err := f.relay.Send(ctx, thread.ID, admin1, "still stored")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestRelayConcurrentSendsDeliverInStoreOrder(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	thread, err := f.store.GetOrCreateThreadForUser(ctx, userA.ID)
	require.NoError(t, err)
	watcher := &recordingSubscriber{id: "watcher"}
	f.rooms.Join(thread.ID, watcher)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			author := userA
			if w%2 == 1 {
				author = admin1
			}
			for i := 0; i < 5; i++ {
				_, err := f.relay.Send(ctx, thread.ID, author, fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events := watcher.received()
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), decodeMessageEvent(t, e).Message.Seq, "live order must match seq order")
	}
}

func TestRelayCloseThread(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()

	msg, err := f.relay.SendAsUser(ctx, userA.ID, "please close this")
	require.NoError(t, err)
	watcher := &recordingSubscriber{id: "watcher"}
	f.rooms.Join(msg.ThreadID, watcher)

	_, err = f.relay.TranscriptURL(ctx, msg.ThreadID)
	assert.ErrorIs(t, err, ErrTranscriptNotReady)

	closed, err := f.relay.CloseThread(ctx, msg.ThreadID, admin1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadClosed, closed.Status)
	assert.Equal(t, 1, f.archive.Count())

	events := watcher.received()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventChatClosed, events[0].Type)
	assert.JSONEq(t, fmt.Sprintf(`{"chatId":%q,"closedBy":%q}`, msg.ThreadID, admin1.ID), string(events[0].Payload))

	url, err := f.relay.TranscriptURL(ctx, msg.ThreadID)
	require.NoError(t, err)
	assert.Contains(t, url, msg.ThreadID)

	// Closing again has no side effects.
	_, err = f.relay.CloseThread(ctx, msg.ThreadID, admin1.ID)
	require.NoError(t, err)
	assert.Len(t, watcher.received(), 1)
	assert.Equal(t, 1, f.archive.Count())

	_, err = f.relay.CloseThread(ctx, "missing", admin1.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelayCloseThreadSurvivesArchiveFailure(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	f.archive.Err = errors.New("s3 unavailable")

	thread, err := f.store.GetOrCreateThreadForUser(ctx, userA.ID)
	require.NoError(t, err)

	closed, err := f.relay.CloseThread(ctx, thread.ID, admin1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadClosed, closed.Status)
}

// fullLoadCounter counts reads that bring back every message of a thread.
type fullLoadCounter struct {
	MessageStore
	mu    sync.Mutex
	loads int
}

func (c *fullLoadCounter) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.MessageStore.GetThread(ctx, threadID)
}

func (c *fullLoadCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func TestRelayChecksUseThreadHeaderOnly(t *testing.T) {
	f := setupRelay(t)
	ctx := context.Background()
	counter := &fullLoadCounter{MessageStore: f.store}
	relay := NewRelayService(counter, f.rooms, RelayOptions{Archive: f.archive})

	first, err := relay.SendAsUser(ctx, userA.ID, "hi")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := relay.Send(ctx, first.ThreadID, userA, fmt.Sprintf("more %d", i))
		require.NoError(t, err)
	}

	_, err = relay.Send(ctx, first.ThreadID, models.Author{Sender: models.SenderUser, ID: "auth0|intruder"}, "hey")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = relay.TranscriptURL(ctx, first.ThreadID)
	assert.ErrorIs(t, err, ErrTranscriptNotReady)
	assert.Zero(t, counter.count(), "ownership and status checks must not load messages")

	closed, err := relay.CloseThread(ctx, first.ThreadID, admin1.ID)
	require.NoError(t, err)
	assert.Len(t, closed.Messages, 6)

	_, err = relay.TranscriptURL(ctx, first.ThreadID)
	require.NoError(t, err)

	again, err := relay.CloseThread(ctx, first.ThreadID, admin1.ID)
	require.NoError(t, err)
	assert.Len(t, again.Messages, 6, "closing twice still returns the full thread")
}
