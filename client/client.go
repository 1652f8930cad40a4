// Package client is a small Go client for the support relay's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kendall-kelly/support-relay-api/models"
)

// APIError is a non-2xx response carrying the envelope's error code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("support relay: %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Page is one slice of a thread's messages.
type Page struct {
	ChatID   string              `json:"chatId"`
	Status   models.ThreadStatus `json:"status"`
	LastSeq  int64               `json:"lastSeq"`
	Messages []models.Message    `json:"messages"`
}

// Client calls the relay with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for the API rooted at baseURL, e.g.
// "https://relay.example.com/api/v1".
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage posts text. An empty threadID lets a user's message go to their
// open thread.
func (c *Client) SendMessage(ctx context.Context, threadID, text string) (*models.Message, error) {
	body := map[string]string{"text": text}
	if threadID != "" {
		body["threadId"] = threadID
	}
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/support/message", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MyThread returns the caller's open thread, creating it if needed.
func (c *Client) MyThread(ctx context.Context) (*models.Thread, error) {
	var thread models.Thread
	if err := c.do(ctx, http.MethodGet, "/support/chats/mine", nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// ListMessages returns up to limit messages of threadID with seq > afterSeq.
func (c *Client) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) (*Page, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/support/chats/" + url.PathEscape(threadID) + "/messages?" + query.Encode()

	var page Page
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "BAD_RESPONSE", Message: err.Error()}
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
