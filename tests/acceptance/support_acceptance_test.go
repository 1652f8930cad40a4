package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"golang.org/x/net/websocket"

	"github.com/kendall-kelly/support-relay-api/controllers"
	"github.com/kendall-kelly/support-relay-api/gateway"
	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/registry"
	"github.com/kendall-kelly/support-relay-api/services"
	"github.com/kendall-kelly/support-relay-api/tests/testutil"
)

// SupportAcceptanceTestSuite runs the relay behind a real HTTP server and
// talks to it the way the mobile app and the admin panel do.
type SupportAcceptanceTestSuite struct {
	suite.Suite
	server  *httptest.Server
	gateway *gateway.Gateway
	rooms   *registry.Registry
}

// SetupSuite runs once before all tests
func (suite *SupportAcceptanceTestSuite) SetupSuite() {
	testutil.RequireTestEnvironmentOrSkip(suite.T())
	gin.SetMode(gin.TestMode)
}

// SetupTest runs before each test
func (suite *SupportAcceptanceTestSuite) SetupTest() {
	st, _ := testutil.NewStore(suite.T())
	suite.rooms = registry.New(nil, nil)
	relay := services.NewRelayService(st, suite.rooms, services.RelayOptions{})
	suite.gateway = gateway.New(st, suite.rooms, nil, nil, gateway.Options{})
	support := controllers.NewSupportController(st, relay, nil)

	auth, err := middleware.EnsureValidToken(testutil.TestAuthConfig(), nil)
	suite.Require().NoError(err)

	router := gin.New()
	router.Use(gin.Recovery())
	v1 := router.Group("/api/v1", auth)
	{
		v1.GET("/support/chats/mine", support.GetMyChat)
		v1.GET("/support/chats/:id/messages", support.ListChatMessages)
		v1.POST("/support/message", support.SendMessage)
		v1.GET("/support/chats", middleware.RequireRole(models.RoleAdmin), support.ListChats)
		v1.GET("/ws", suite.gateway.Handle)
	}
	suite.server = httptest.NewServer(router)
}

// TearDownTest runs after each test
func (suite *SupportAcceptanceTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	suite.NoError(suite.gateway.Shutdown(ctx))
	suite.server.Close()
}

func (suite *SupportAcceptanceTestSuite) post(token, path string, body any) (*http.Response, map[string]interface{}) {
	raw, err := json.Marshal(body)
	suite.Require().NoError(err)
	req, err := http.NewRequest(http.MethodPost, suite.server.URL+path, bytes.NewReader(raw))
	suite.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return suite.do(req)
}

func (suite *SupportAcceptanceTestSuite) get(token, path string) (*http.Response, map[string]interface{}) {
	req, err := http.NewRequest(http.MethodGet, suite.server.URL+path, nil)
	suite.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+token)
	return suite.do(req)
}

func (suite *SupportAcceptanceTestSuite) do(req *http.Request) (*http.Response, map[string]interface{}) {
	resp, err := suite.server.Client().Do(req)
	suite.Require().NoError(err)
	defer resp.Body.Close()

	var body map[string]interface{}
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func (suite *SupportAcceptanceTestSuite) connect(token string) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(suite.server.URL, "http") + "/api/v1/ws?access_token=" + token
	conn, err := websocket.Dial(wsURL, "", suite.server.URL)
	suite.Require().NoError(err)
	return conn
}

func (suite *SupportAcceptanceTestSuite) exchange(conn *websocket.Conn, frame map[string]any) registry.Event {
	suite.Require().NoError(websocket.JSON.Send(conn, frame))
	return suite.next(conn)
}

func (suite *SupportAcceptanceTestSuite) next(conn *websocket.Conn) registry.Event {
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	var event registry.Event
	suite.Require().NoError(websocket.JSON.Receive(conn, &event))
	return event
}

// TestLiveOrderMatchesStoredOrder_Acceptance sends from both sides at once and
// checks every session sees the thread in store order
func (suite *SupportAcceptanceTestSuite) TestLiveOrderMatchesStoredOrder_Acceptance() {
	userToken := testutil.MintToken(suite.T(), "auth0|user-a", models.RoleUser)
	adminToken := testutil.MintToken(suite.T(), "auth0|admin-1", models.RoleAdmin)

	resp, body := suite.get(userToken, "/api/v1/support/chats/mine")
	suite.Require().Equal(http.StatusOK, resp.StatusCode)
	threadID := body["data"].(map[string]interface{})["id"].(string)

	userConn := suite.connect(userToken)
	defer userConn.Close()
	adminConn := suite.connect(adminToken)
	defer adminConn.Close()
	for _, conn := range []*websocket.Conn{userConn, adminConn} {
		joined := suite.exchange(conn, map[string]any{"type": "join_support_chat", "payload": gin.H{"threadId": threadID}})
		suite.Require().Equal("support_chat_joined", joined.Type)
	}

	const perSide = 10
	var wg sync.WaitGroup
	errs := make(chan int, 2*perSide)
	for _, side := range []struct {
		token string
		body  func(i int) gin.H
	}{
		{userToken, func(i int) gin.H { return gin.H{"text": fmt.Sprintf("user %d", i)} }},
		{adminToken, func(i int) gin.H { return gin.H{"threadId": threadID, "text": fmt.Sprintf("admin %d", i)} }},
	} {
		wg.Add(1)
		go func(token string, body func(int) gin.H) {
			defer wg.Done()
			for i := 0; i < perSide; i++ {
				raw, _ := json.Marshal(body(i))
				req, _ := http.NewRequest(http.MethodPost, suite.server.URL+"/api/v1/support/message", bytes.NewReader(raw))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+token)
				resp, err := suite.server.Client().Do(req)
				if err != nil {
					errs <- 0
					continue
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusCreated {
					errs <- resp.StatusCode
				}
			}
		}(side.token, side.body)
	}
	wg.Wait()
	close(errs)
	for status := range errs {
		suite.Failf("send failed", "status %d", status)
	}

	for _, conn := range []*websocket.Conn{userConn, adminConn} {
		for seq := int64(1); seq <= 2*perSide; seq++ {
			event := suite.next(conn)
			suite.Require().Equal(models.EventSupportMessage, event.Type)
			var payload models.SupportMessageEvent
			suite.Require().NoError(json.Unmarshal(event.Payload, &payload))
			assert.Equal(suite.T(), seq, payload.Message.Seq)
		}
	}
}

// TestReconnectRecovery_Acceptance drops a session and recovers the gap by seq
func (suite *SupportAcceptanceTestSuite) TestReconnectRecovery_Acceptance() {
	userToken := testutil.MintToken(suite.T(), "auth0|user-b", models.RoleUser)
	adminToken := testutil.MintToken(suite.T(), "auth0|admin-1", models.RoleAdmin)

	resp, body := suite.post(userToken, "/api/v1/support/message", gin.H{"text": "my photos won't upload"})
	suite.Require().Equal(http.StatusCreated, resp.StatusCode)
	threadID := body["data"].(map[string]interface{})["threadId"].(string)

	conn := suite.connect(userToken)
	joined := suite.exchange(conn, map[string]any{"type": "join_support_chat", "payload": threadID})
	var ack gateway.JoinedPayload
	suite.Require().NoError(json.Unmarshal(joined.Payload, &ack))
	assert.Equal(suite.T(), int64(1), ack.LastSeq)
	conn.Close()

	suite.Eventually(func() bool { return suite.rooms.Size(threadID) == 0 }, 2*time.Second, 10*time.Millisecond)

	for _, text := range []string{"looking into it", "try again now"} {
		resp, _ = suite.post(adminToken, "/api/v1/support/message", gin.H{"threadId": threadID, "text": text})
		suite.Require().Equal(http.StatusCreated, resp.StatusCode)
	}

	conn = suite.connect(userToken)
	defer conn.Close()
	joined = suite.exchange(conn, map[string]any{"type": "join_support_chat", "payload": threadID})
	suite.Require().NoError(json.Unmarshal(joined.Payload, &ack))
	assert.Equal(suite.T(), int64(3), ack.LastSeq)

	resp, body = suite.get(userToken, fmt.Sprintf("/api/v1/support/chats/%s/messages?after=%d", threadID, 1))
	suite.Require().Equal(http.StatusOK, resp.StatusCode)
	missed := body["data"].(map[string]interface{})["messages"].([]interface{})
	suite.Require().Len(missed, 2)
	assert.Equal(suite.T(), "looking into it", missed[0].(map[string]interface{})["text"])
	assert.Equal(suite.T(), "try again now", missed[1].(map[string]interface{})["text"])
}

// TestErrorResponseFormat_Acceptance checks the envelope on failures
func (suite *SupportAcceptanceTestSuite) TestErrorResponseFormat_Acceptance() {
	userToken := testutil.MintToken(suite.T(), "auth0|user-c", models.RoleUser)

	resp, body := suite.post(userToken, "/api/v1/support/message", gin.H{"text": ""})
	assert.Equal(suite.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Equal(suite.T(), "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(suite.T(), false, body["success"])
	errorObj := body["error"].(map[string]interface{})
	assert.Equal(suite.T(), "VALIDATION_ERROR", errorObj["code"])
	assert.NotEmpty(suite.T(), errorObj["message"])

	resp, body = suite.get(userToken, "/api/v1/support/chats")
	assert.Equal(suite.T(), http.StatusForbidden, resp.StatusCode)
	assert.Equal(suite.T(), "FORBIDDEN", body["error"].(map[string]interface{})["code"])
}

func TestSupportAcceptanceTestSuite(t *testing.T) {
	suite.Run(t, new(SupportAcceptanceTestSuite))
}
