package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/registry"
	"github.com/kendall-kelly/support-relay-api/tests/testutil"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func (c apiClient) do(method, path string, body any) (int, json.RawMessage) {
	c.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.server.URL+path, bytes.NewReader(raw))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env.Data
}

func (c apiClient) dial() *websocket.Conn {
	c.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(c.server.URL, "http") + "/api/v1/ws?access_token=" + c.token
	conn, err := websocket.Dial(wsURL, "", c.server.URL)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, conn *websocket.Conn) registry.Event {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame registry.Event
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	return frame
}

func join(t *testing.T, conn *websocket.Conn, threadID string) {
	t.Helper()
	require.NoError(t, websocket.JSON.Send(conn, map[string]any{"type": "join_support_chat", "payload": threadID}))
	frame := receive(t, conn)
	require.Equal(t, "support_chat_joined", frame.Type, string(frame.Payload))
}

func receiveMessage(t *testing.T, conn *websocket.Conn) models.SupportMessageEvent {
	t.Helper()
	frame := receive(t, conn)
	require.Equal(t, models.EventSupportMessage, frame.Type, string(frame.Payload))
	var event models.SupportMessageEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &event))
	return event
}

// TestSupportConversationAcceptance walks a user and an admin through a full
// conversation over HTTP and the live channel.
func TestSupportConversationAcceptance(t *testing.T) {
	deps := newTestDependencies(t)
	server := httptest.NewServer(setupRouter(deps))
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = deps.Gateway.Shutdown(ctx)
	})

	user := apiClient{t: t, server: server, token: testutil.MintToken(t, "auth0|user-a", models.RoleUser)}
	admin := apiClient{t: t, server: server, token: testutil.MintToken(t, "auth0|admin-1", models.RoleAdmin)}

	// The user's first message opens a thread.
	status, data := user.do(http.MethodPost, "/api/v1/support/message", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusCreated, status)
	var first models.Message
	require.NoError(t, json.Unmarshal(data, &first))
	threadID := first.ThreadID

	// The admin panel sees it among open chats.
	status, data = admin.do(http.MethodGet, "/api/v1/support/chats?status=open", nil)
	require.Equal(t, http.StatusOK, status)
	var open []models.Thread
	require.NoError(t, json.Unmarshal(data, &open))
	require.Len(t, open, 1)
	assert.Equal(t, threadID, open[0].ID)
	assert.Equal(t, "hi", open[0].LastMessagePreview)

	adminConn := admin.dial()
	join(t, adminConn, threadID)
	userConn := user.dial()
	join(t, userConn, threadID)

	// Admin replies; both sessions get it live.
	status, _ = admin.do(http.MethodPost, "/api/v1/support/message", map[string]string{"threadId": threadID, "text": "hello!"})
	require.Equal(t, http.StatusCreated, status)
	for _, conn := range []*websocket.Conn{userConn, adminConn} {
		event := receiveMessage(t, conn)
		assert.Equal(t, threadID, event.ChatID)
		assert.Equal(t, "hello!", event.Message.Text)
		assert.Equal(t, models.SenderAdmin, event.Message.Sender)
		assert.Equal(t, int64(2), event.Message.Seq)
	}

	// The user drops off; messages sent meanwhile are recovered by seq.
	require.NoError(t, userConn.Close())
	for _, text := range []string{"are you there?", "closing soon"} {
		status, _ = admin.do(http.MethodPost, "/api/v1/support/message", map[string]string{"threadId": threadID, "text": text})
		require.Equal(t, http.StatusCreated, status)
		receiveMessage(t, adminConn)
	}

	status, data = user.do(http.MethodGet, "/api/v1/support/chats/"+threadID+"/messages?after=2", nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		LastSeq  int64            `json:"lastSeq"`
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, int64(4), page.LastSeq)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "are you there?", page.Messages[0].Text)
	assert.Equal(t, "closing soon", page.Messages[1].Text)

	// Admin closes the chat; the live room is told and further sends fail.
	status, _ = admin.do(http.MethodPost, "/api/v1/support/chats/"+threadID+"/close", nil)
	require.Equal(t, http.StatusOK, status)
	frame := receive(t, adminConn)
	assert.Equal(t, models.EventChatClosed, frame.Type)

	status, _ = admin.do(http.MethodPost, "/api/v1/support/message", map[string]string{"threadId": threadID, "text": "one more"})
	assert.Equal(t, http.StatusConflict, status)

	status, data = admin.do(http.MethodGet, "/api/v1/support/chats/"+threadID, nil)
	require.Equal(t, http.StatusOK, status)
	var final models.Thread
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Equal(t, models.ThreadClosed, final.Status)
	require.NotNil(t, final.AssignedAdminID)
	assert.Equal(t, "auth0|admin-1", *final.AssignedAdminID)
	require.Len(t, final.Messages, 4)
	for i := 1; i < len(final.Messages); i++ {
		assert.True(t, final.Messages[i].Timestamp.After(final.Messages[i-1].Timestamp), "timestamps must increase")
	}
}

// TestConcurrentFirstMessagesAcceptance checks that a burst of first messages
// from one user lands in a single thread.
func TestConcurrentFirstMessagesAcceptance(t *testing.T) {
	deps := newTestDependencies(t)
	server := httptest.NewServer(setupRouter(deps))
	t.Cleanup(server.Close)

	user := apiClient{t: t, server: server, token: testutil.MintToken(t, "auth0|eager", models.RoleUser)}

	const n = 5
	threads := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			threads <- postFirstMessage(server, user.token)
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		seen[<-threads] = true
	}
	assert.Len(t, seen, 1)
	assert.False(t, seen[""], "every send should succeed")
}

// postFirstMessage is safe to call off the test goroutine; it returns the
// thread id or "" on any failure.
func postFirstMessage(server *httptest.Server, token string) string {
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/support/message", strings.NewReader(`{"text":"help"}`))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := server.Client().Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return ""
	}

	var env struct {
		Data models.Message `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ""
	}
	return env.Data.ThreadID
}
