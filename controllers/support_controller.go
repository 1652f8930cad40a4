package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/store"
)

const (
	defaultMessagePage = 100
	maxMessagePage     = 500
)

// ThreadReader is the read side of the store used by the support routes.
type ThreadReader interface {
	ListThreads(ctx context.Context, filter store.ThreadFilter) ([]models.Thread, error)
	GetOrCreateThreadForUser(ctx context.Context, userID string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	GetThreadMeta(ctx context.Context, threadID string) (*models.Thread, error)
	ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error)
}

// Relay is the write side used by the support routes.
type Relay interface {
	Send(ctx context.Context, threadID string, author models.Author, text string) (*models.Message, error)
	SendAsUser(ctx context.Context, userID string, text string) (*models.Message, error)
	CloseThread(ctx context.Context, threadID string, adminID string) (*models.Thread, error)
	TranscriptURL(ctx context.Context, threadID string) (string, error)
}

// SendMessageRequest represents the request body for posting a message
type SendMessageRequest struct {
	ThreadID string        `json:"threadId"`
	Sender   models.Sender `json:"sender"`
	Text     string        `json:"text"`
}

// SupportController serves the support chat routes.
type SupportController struct {
	threads ThreadReader
	relay   Relay
	logger  *zap.Logger
}

// NewSupportController creates a controller over threads and relay.
func NewSupportController(threads ThreadReader, relay Relay, logger *zap.Logger) *SupportController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SupportController{threads: threads, relay: relay, logger: logger}
}

// ListChats handles GET /api/v1/support/chats - lists threads for the admin panel
func (sc *SupportController) ListChats(c *gin.Context) {
	filter := store.ThreadFilter{
		Status: models.ThreadStatus(c.Query("status")),
		UserID: c.Query("userId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(c, http.StatusBadRequest, CodeValidation, "status must be 'open' or 'closed'")
		return
	}

	threads, err := sc.threads.ListThreads(c.Request.Context(), filter)
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    threads,
	})
}

// GetMyChat handles GET /api/v1/support/chats/mine - returns the caller's open
// thread, creating it on first contact
func (sc *SupportController) GetMyChat(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		return
	}

	thread, err := sc.threads.GetOrCreateThreadForUser(c.Request.Context(), identity.UserID)
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    thread,
	})
}

// GetChat handles GET /api/v1/support/chats/:id
func (sc *SupportController) GetChat(c *gin.Context) {
	thread, ok := sc.loadVisibleThread(c, sc.threads.GetThread)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    thread,
	})
}

// ListChatMessages handles GET /api/v1/support/chats/:id/messages?after=N&limit=M,
// the read path clients use to catch up after a reconnect
func (sc *SupportController) ListChatMessages(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		respondError(c, http.StatusBadRequest, CodeValidation, "after must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultMessagePage)))
	if err != nil || limit < 1 || limit > maxMessagePage {
		respondError(c, http.StatusBadRequest, CodeValidation, "limit must be between 1 and "+strconv.Itoa(maxMessagePage))
		return
	}

	thread, ok := sc.loadVisibleThread(c, sc.threads.GetThreadMeta)
	if !ok {
		return
	}

	messages, err := sc.threads.ListMessages(c.Request.Context(), thread.ID, after, limit)
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"chatId":   thread.ID,
			"status":   thread.Status,
			"lastSeq":  thread.LastSeq(),
			"messages": messages,
		},
	})
}

// SendMessage handles POST /api/v1/support/message
func (sc *SupportController) SendMessage(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    CodeValidation,
				"message": "Invalid request data",
				"details": err.Error(),
			},
		})
		return
	}

	author := identity.Author()
	if req.Sender != "" && req.Sender != author.Sender {
		respondError(c, http.StatusForbidden, CodeForbidden, "sender does not match the caller's role")
		return
	}

	var msg *models.Message
	var err error
	switch {
	case req.ThreadID != "":
		msg, err = sc.relay.Send(c.Request.Context(), req.ThreadID, author, req.Text)
	case author.Sender == models.SenderUser:
		msg, err = sc.relay.SendAsUser(c.Request.Context(), identity.UserID, req.Text)
	default:
		respondError(c, http.StatusBadRequest, CodeValidation, "threadId is required")
		return
	}
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    msg,
	})
}

// CloseChat handles POST /api/v1/support/chats/:id/close (admins only)
func (sc *SupportController) CloseChat(c *gin.Context) {
	identity, ok := identityOrAbort(c)
	if !ok {
		return
	}

	thread, err := sc.relay.CloseThread(c.Request.Context(), c.Param("id"), identity.UserID)
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    thread,
	})
}

// GetTranscript handles GET /api/v1/support/chats/:id/transcript (admins only)
func (sc *SupportController) GetTranscript(c *gin.Context) {
	url, err := sc.relay.TranscriptURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"chatId": c.Param("id"),
			"url":    url,
		},
	})
}

type threadLoader func(ctx context.Context, threadID string) (*models.Thread, error)

// loadVisibleThread fetches :id with load and checks the caller may see it.
// Users only see their own thread; a thread they do not own reads as not found.
func (sc *SupportController) loadVisibleThread(c *gin.Context, load threadLoader) (*models.Thread, bool) {
	identity, ok := identityOrAbort(c)
	if !ok {
		return nil, false
	}

	thread, err := load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, sc.logger, err)
		return nil, false
	}
	if !identity.IsAdmin() && !thread.OwnedBy(identity.UserID) {
		respondError(c, http.StatusNotFound, CodeThreadNotFound, "Support chat not found")
		return nil, false
	}
	return thread, true
}

func identityOrAbort(c *gin.Context) (middleware.Identity, bool) {
	identity, err := middleware.GetIdentity(c)
	if err != nil {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "Could not extract user information")
		return middleware.Identity{}, false
	}
	return identity, true
}
