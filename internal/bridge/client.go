// Package bridge talks to the control-plane endpoint exposed by one sandbox's
// embedded agent.
package bridge

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

	"github.com/metalagman/deckhand/internal/logging"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// StatusError is returned for non-2xx bridge responses.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bridge %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("bridge %s: status %d: %s", e.Op, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client is bound to a single sandbox bridge endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for endpoint, e.g. "http://10.0.0.5:9000".
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component("bridge").With().Str("endpoint", c.endpoint).Logger()
	return c
}

// Endpoint returns the bridge base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Health fetches the agent health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// SendPrompt submits a prompt. The answer arrives later in the conversation stream.
func (c *Client) SendPrompt(ctx context.Context, prompt string) error {
	return c.do(ctx, "send-prompt", http.MethodPost, "/send-prompt", promptRequest{Prompt: prompt}, nil)
}

// Latest returns the most recent turn, or nil when the agent has none yet.
func (c *Client) Latest(ctx context.Context) (*Turn, error) {
	var turn *Turn
	err := c.do(ctx, "latest", http.MethodGet, "/latest", nil, &turn)
	if IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if turn != nil && turn.ID == "" && turn.AssistantMessage == "" && turn.UserMessage == "" {
		return nil, nil
	}
	return turn, nil
}

// AllConversations returns every recorded turn, oldest first.
func (c *Client) AllConversations(ctx context.Context) ([]Turn, error) {
	var out conversations
	if err := c.do(ctx, "all-conversations", http.MethodGet, "/all-conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// PushAndCreatePR asks the agent's checkout to be pushed and a PR opened.
func (c *Client) PushAndCreatePR(ctx context.Context, req PushRequest) (PushResult, error) {
	var res PushResult
	if err := c.do(ctx, "push-and-create-pr", http.MethodPost, "/push-and-create-pr", req, &res); err != nil {
		return PushResult{}, err
	}
	if !res.Success && res.Message != "" {
		return res, fmt.Errorf("bridge push-and-create-pr: %s", res.Message)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("bridge request")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
