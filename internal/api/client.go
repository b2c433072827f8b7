// Package api is the HTTP client for the document-intelligence console:
// thread CRUD plus the streaming turn endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/doclens-ai/doclens/internal/logging"
	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response gets read back.
	maxErrorBody = 64 * 1024
)

// ErrNotFound reports a thread the server does not know.
var ErrNotFound = errors.New("thread not found")

// APIError is a non-2xx response decoded from the console's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
}

// Is maps 404 responses onto ErrNotFound so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Options configures a Client.
type Options struct {
	// BaseURL is the console origin, e.g. "https://console.example.com".
	BaseURL string

	// Timeout applies to request/response calls only. Streams run without
	// a deadline; their lifetime is the caller's context.
	Timeout time.Duration
}

// Client talks to one console instance. Safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	log          zerolog.Logger
}

// New creates a Client for the given console.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		log:          logging.Component("api"),
	}
}

// BaseURL returns the configured console origin, without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// ListThreads fetches thread summaries. Summaries carry counts and
// metadata but no turns.
func (c *Client) ListThreads(ctx context.Context) ([]types.Thread, error) {
	var out []types.Thread
	if err := c.do(ctx, http.MethodGet, "/api/threads", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetThread fetches one thread including its full ordered turn history.
func (c *Client) GetThread(ctx context.Context, id string) (*types.Thread, error) {
	var out types.Thread
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type createThreadRequest struct {
	Title string `json:"title,omitempty"`
}

// CreateThread creates a thread. An empty title lets the server pick one.
func (c *Client) CreateThread(ctx context.Context, title string) (*types.Thread, error) {
	var out types.Thread
	if err := c.do(ctx, http.MethodPost, "/api/threads", createThreadRequest{Title: title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ThreadPatch is a partial thread update. Nil fields are left untouched.
type ThreadPatch struct {
	Title    *string        `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateThread applies a patch and returns the updated thread summary.
func (c *Client) UpdateThread(ctx context.Context, id string, patch ThreadPatch) (*types.Thread, error) {
	var out types.Thread
	if err := c.do(ctx, http.MethodPatch, "/api/threads/"+id, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteThread removes a thread. The server cascades turn deletion.
func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/threads/"+id, nil, nil)
}

// TurnMessage is one role/content pair of the request history.
type TurnMessage struct {
	Role    types.TurnRole `json:"role"`
	Content string         `json:"content"`
}

// TurnRequest opens one streamed exchange.
type TurnRequest struct {
	Messages    []TurnMessage `json:"messages"`
	ThreadID    string        `json:"threadID,omitempty"`
	DocumentIDs []string      `json:"documentIDs,omitempty"`
}

// StreamTurn posts a turn request and returns a decoder over the event
// feed. The decoder owns the response body; the caller must drain it and
// call Close. Cancelling ctx aborts the stream mid-read.
func (c *Client) StreamTurn(ctx context.Context, turnReq TurnRequest) (*stream.Decoder, error) {
	buf, err := json.Marshal(turnReq)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open turn stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	c.log.Debug().Str("threadID", turnReq.ThreadID).Int("messages", len(turnReq.Messages)).Msg("Turn stream opened")
	return stream.NewDecoder(resp.Body), nil
}

// do runs one request/response call, decoding a JSON body into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil {
		var envelope errorResponse
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			return apiErr
		}
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}
