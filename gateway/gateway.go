// Package gateway serves the live channel: one websocket session per client,
// subscribed to at most one support thread at a time.
//
// Frames in both directions are JSON objects {"type", "request_id", "payload"}.
// The gateway never replays history; a client that reconnects fetches what it
// missed from the HTTP read path using the lastSeq of support_chat_joined.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/kendall-kelly/support-relay-api/metrics"
	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/registry"
	"github.com/kendall-kelly/support-relay-api/store"
	"github.com/kendall-kelly/support-relay-api/utils"
)

// Client to server frame types
const (
	FrameJoin  = "join_support_chat"
	FrameLeave = "leave_support_chat"
	FramePing  = "ping"
)

// Server to client frame types, besides the relay's support_message and
// support_chat_closed events.
const (
	FrameJoined = "support_chat_joined"
	FrameLeft   = "support_chat_left"
	FramePong   = "pong"
	FrameError  = "error"
)

// Error codes carried by error frames
const (
	CodeInvalidFrame     = "INVALID_FRAME"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnsupportedFrame = "UNSUPPORTED_FRAME"
	CodeThreadNotFound   = "THREAD_NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeStoreError       = "STORE_ERROR"
)

const maxDecodeErrorsPerConn = 3

// ThreadReader looks threads up for join authorization.
type ThreadReader interface {
	GetThreadMeta(ctx context.Context, threadID string) (*models.Thread, error)
}

// Options tune the live channel. Zero values fall back to defaults.
type Options struct {
	QueueSize          int
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	JoinTimeout        time.Duration
	MaxFrameBytes      int
	MaxFramesPerSecond int
	// AllowedOrigins restricts browser clients. Requests without an Origin
	// header (native apps) are always accepted.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 16 << 10
	}
	if o.MaxFramesPerSecond <= 0 {
		o.MaxFramesPerSecond = 20
	}
	return o
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinedPayload acknowledges a join. LastSeq is read before the session
// enters the room, so every later message is either pushed live or has
// seq > LastSeq.
type JoinedPayload struct {
	ChatID  string              `json:"chatId"`
	Status  models.ThreadStatus `json:"status"`
	LastSeq int64               `json:"lastSeq"`
}

// LeftPayload acknowledges a leave.
type LeftPayload struct {
	ChatID string `json:"chatId"`
}

// Gateway accepts websocket connections and runs their sessions.
type Gateway struct {
	threads ThreadReader
	rooms   Rooms
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// New returns a gateway that authorizes joins against threads and
// subscribes sessions in rooms.
func New(threads ThreadReader, rooms Rooms, logger *zap.Logger, m *metrics.Metrics, opts Options) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		threads:  threads,
		rooms:    rooms,
		logger:   logger,
		metrics:  m,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Handle upgrades an authenticated request. It must run after
// EnsureValidToken.
func (g *Gateway) Handle(c *gin.Context) {
	identity, err := middleware.GetIdentity(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Could not extract user information",
			},
		})
		return
	}

	server := websocket.Server{
		Handshake: g.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			g.serve(conn, identity)
		},
	}
	server.ServeHTTP(c.Writer, c.Request)
}

func (g *Gateway) checkOrigin(config *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(config, r)
	if err != nil {
		return err
	}
	config.Origin = origin
	if origin == nil || len(g.opts.AllowedOrigins) == 0 {
		return nil
	}

	got := strings.TrimSuffix(origin.String(), "/")
	for _, allowed := range g.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), got) {
			return nil
		}
	}
	g.logger.Info("websocket origin rejected", zap.String("origin", got))
	return fmt.Errorf("origin %q not allowed", got)
}

func (g *Gateway) serve(conn *websocket.Conn, identity middleware.Identity) {
	conn.MaxPayloadBytes = g.opts.MaxFrameBytes

	session := NewSession(uuid.NewString(), identity, g.rooms, g.opts.QueueSize)
	if !g.track(session) {
		_ = conn.Close()
		return
	}
	g.metrics.SessionOpened()
	logger := g.logger.With(
		zap.String("session_id", session.ID()),
		zap.String("user_id", identity.UserID),
		zap.String("role", identity.Role),
	)
	logger.Debug("session opened")

	writerDone := make(chan struct{})
	defer func() {
		session.Close()
		<-writerDone
		_ = conn.Close()
		g.untrack(session)
		g.metrics.SessionClosed()
		logger.Debug("session closed")
	}()

	go func() {
		defer close(writerDone)
		g.writePump(conn, session, logger)
	}()
	g.readPump(conn, session, logger)
}

// writePump drains the outbound queue. Once the session terminates it flushes
// what is already queued and closes the connection, which also unblocks the
// reader.
func (g *Gateway) writePump(conn *websocket.Conn, session *Session, logger *zap.Logger) {
	defer conn.Close()

	for {
		select {
		case event := <-session.Outbound():
			if err := g.write(conn, event); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				session.Close()
				return
			}
		case <-session.Done():
			for {
				select {
				case event := <-session.Outbound():
					if err := g.write(conn, event); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, event registry.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
	return websocket.JSON.Send(conn, event)
}

func (g *Gateway) readPump(conn *websocket.Conn, session *Session, logger *zap.Logger) {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		if g.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
		}

		var frame registry.Event
		err := websocket.JSON.Receive(conn, &frame)
		switch {
		case err == nil:
			decodeErrors = 0
		case errors.Is(err, websocket.ErrFrameTooLarge):
			g.replyError(session, "", CodePayloadTooLarge, "frame too large")
			continue
		case isDecodeError(err):
			decodeErrors++
			g.replyError(session, "", CodeInvalidFrame, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				logger.Info("closing session after repeated invalid frames")
				return
			}
			continue
		default:
			if !errors.Is(err, io.EOF) {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > g.opts.MaxFramesPerSecond {
			g.replyError(session, frame.RequestID, CodeRateLimited, "rate limit exceeded")
			logger.Info("closing session over frame rate limit")
			return
		}

		switch frame.Type {
		case FrameJoin:
			g.join(session, frame, logger)
		case FrameLeave:
			left, err := session.Unsubscribe()
			if err != nil {
				return
			}
			g.reply(session, FrameLeft, frame.RequestID, LeftPayload{ChatID: left})
		case FramePing:
			g.reply(session, FramePong, frame.RequestID, struct{}{})
		default:
			g.replyError(session, frame.RequestID, CodeUnsupportedFrame, "unsupported frame type")
		}
	}
}

func (g *Gateway) join(session *Session, frame registry.Event, logger *zap.Logger) {
	threadID, err := parseJoinPayload(frame.Payload)
	if err != nil {
		g.replyError(session, frame.RequestID, utils.CodeInvalidThreadID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.JoinTimeout)
	defer cancel()

	thread, err := g.threads.GetThreadMeta(ctx, threadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.replyError(session, frame.RequestID, CodeThreadNotFound, "Support chat not found")
		return
	case err != nil:
		logger.Warn("join lookup failed", zap.String("thread_id", threadID), zap.Error(err))
		g.replyError(session, frame.RequestID, CodeStoreError, "Support chat is temporarily unavailable")
		return
	}

	identity := session.Identity()
	if !identity.IsAdmin() && !thread.OwnedBy(identity.UserID) {
		logger.Info("join refused", zap.String("thread_id", threadID))
		g.replyError(session, frame.RequestID, CodeForbidden, "Not allowed to join this support chat")
		return
	}

	if err := session.Subscribe(threadID); err != nil {
		return
	}
	g.reply(session, FrameJoined, frame.RequestID, JoinedPayload{
		ChatID:  thread.ID,
		Status:  thread.Status,
		LastSeq: thread.LastSeq(),
	})
}

// parseJoinPayload accepts a bare thread id string or {"threadId": ...}.
func parseJoinPayload(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return utils.ValidateThreadID(id)
	}

	var obj struct {
		ThreadID string `json:"threadId"`
		ChatID   string `json:"chatId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", &utils.ValidationError{Code: utils.CodeInvalidThreadID, Message: "A valid thread id is required"}
	}
	if obj.ThreadID == "" {
		obj.ThreadID = obj.ChatID
	}
	return utils.ValidateThreadID(obj.ThreadID)
}

func (g *Gateway) reply(session *Session, frameType, requestID string, payload any) {
	event, err := registry.NewEvent(frameType, payload)
	if err != nil {
		g.logger.Error("failed to encode reply", zap.String("frame", frameType), zap.Error(err))
		return
	}
	event.RequestID = requestID
	if err := session.Deliver(event); err != nil {
		g.logger.Debug("reply dropped",
			zap.String("session_id", session.ID()),
			zap.String("frame", frameType),
			zap.Error(err),
		)
	}
}

func (g *Gateway) replyError(session *Session, requestID, code, message string) {
	g.reply(session, FrameError, requestID, ErrorPayload{Code: code, Message: message})
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s.ID()] = s
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	_, ok := g.sessions[s.ID()]
	delete(g.sessions, s.ID())
	g.mu.Unlock()
	if ok {
		g.wg.Done()
	}
}

// ActiveSessions returns the number of open connections.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new connections, terminates every session and waits for
// their connections to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
