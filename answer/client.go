// Package answer wraps the single outbound call to the remote AI answer
// service. Every failure resolves to a typed *Error so callers never need to
// handle panics or untyped errors on this path.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ushauri/voicegateway/model"
)

const (
	defaultTimeout = 7 * time.Second

	// defaultWindow caps the conversation context sent upstream to bound
	// payload size and latency.
	defaultWindow = 4
)

// Reason classifies why an answer request failed.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonTransport Reason = "transport-error"
	ReasonMalformed Reason = "malformed-response"
)

// Error is the typed failure returned by Fetch.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("answer: %s", e.Reason)
	}
	return fmt.Sprintf("answer: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FailureReason returns the machine-readable reason string.
func (e *Error) FailureReason() string {
	return string(e.Reason)
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// askRequest is the payload shape the answer service expects: the latest
// utterance plus a bounded window of recent turns.
type askRequest struct {
	Text          string          `json:"text"`
	Conversations []model.Message `json:"conversations"`
}

// askResponse tolerates the response shapes observed from the service: a
// structured answer, a bare text field, or a chat-completion body.
type askResponse struct {
	Answer  string `json:"answer"`
	Text    string `json:"text"`
	Choices []struct {
		Message model.Message `json:"message"`
	} `json:"choices"`
}

// Client issues answer requests against a fixed endpoint with a hard
// deadline.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	window     int
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithContextWindow sets how many recent messages accompany a request.
func WithContextWindow(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.window = n
		}
	}
}

// New creates a client for the given endpoint URL.
func New(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("answer: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		window:     defaultWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch submits the conversation and returns the answer text. On failure it
// returns a *Error carrying one of the Reason values; it never panics and
// never returns an empty answer with a nil error.
func (c *Client) Fetch(ctx context.Context, turns []model.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	window := turns
	if len(window) > c.window {
		window = window[len(window)-c.window:]
	}
	latest := ""
	if len(turns) > 0 {
		latest = turns[len(turns)-1].Content
	}

	body, err := json.Marshal(askRequest{Text: latest, Conversations: window})
	if err != nil {
		return "", newError(ReasonTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", newError(ReasonTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", newError(ReasonTimeout, err)
		}
		return "", newError(ReasonTransport, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", newError(ReasonTransport,
			errors.Errorf("unexpected status %d from %s: %s", res.StatusCode, c.endpoint, snippet))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", newError(ReasonTransport, err)
	}

	var payload askResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", newError(ReasonMalformed, errors.Wrap(err, "decode response"))
	}

	result := strings.TrimSpace(payload.Answer)
	if result == "" {
		result = strings.TrimSpace(payload.Text)
	}
	if result == "" && len(payload.Choices) > 0 {
		result = strings.TrimSpace(payload.Choices[0].Message.Content)
	}
	if result == "" {
		return "", newError(ReasonMalformed, errors.New("no answer in response body"))
	}
	return result, nil
}
