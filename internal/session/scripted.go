package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/rs/zerolog"
)

const closeTimeout = 5 * time.Second

// ErrNotConnected is returned for commands issued while the channel is closed.
var ErrNotConnected = errors.New("session channel not connected")

// Command types understood by the bridge session endpoint.
const (
	CommandInit  = "init"
	CommandClone = "clone"
	CommandRun   = "run"
	CommandClose = "close"
)

// Request is one command frame.
type Request struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CommandError is a command the agent rejected.
type CommandError struct {
	Type    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("session %s: %s", e.Type, e.Message)
}

// InitParams configures the agent for a scripted session.
type InitParams struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// InitParamsFrom converts an agent config.
func InitParamsFrom(c config.AgentConfig) InitParams {
	return InitParams{Provider: c.Provider, Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL}
}

// CloneParams asks the agent to check out a repository.
type CloneParams struct {
	RepoURL string `json:"repoUrl"`
	Branch  string `json:"branch,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// CloneResult is where the checkout landed.
type CloneResult struct {
	Path string `json:"path"`
}

// RunParams runs one prompt to completion inside the checkout.
type RunParams struct {
	Prompt string `json:"prompt"`
	Cwd    string `json:"cwd,omitempty"`
}

// RunResult is the agent's final answer for a scripted run.
type RunResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// Scripted is a persistent duplex command channel to the bridge's /session
// endpoint. Requests and responses are correlated by a per-call id.
type Scripted struct {
	url    string
	dialer websocket.Dialer
	logger zerolog.Logger

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Response
	done    chan struct{}
}

// NewScripted creates a channel for the bridge at endpoint (http or ws scheme).
func NewScripted(endpoint string) (*Scripted, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse bridge endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("parse bridge endpoint: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/session"
	return &Scripted{
		url:    u.String(),
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logging.Component("scripted").With().Str("url", u.String()).Logger(),
	}, nil
}

// URL returns the WebSocket address.
func (s *Scripted) URL() string {
	return s.url
}

// Connected reports whether the channel is open.
func (s *Scripted) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect opens the channel. Connecting an open channel is a no-op.
func (s *Scripted) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("connect session channel: %w", err)
	}
	s.conn = conn
	s.pending = make(map[string]chan Response)
	s.done = make(chan struct{})
	go s.readLoop(conn, s.done)
	s.logger.Debug().Msg("session channel connected")
	return nil
}

// Init configures the agent.
func (s *Scripted) Init(ctx context.Context, p InitParams) error {
	return s.call(ctx, CommandInit, p, nil)
}

// Clone checks out a repository in the sandbox.
func (s *Scripted) Clone(ctx context.Context, p CloneParams) (CloneResult, error) {
	var out CloneResult
	err := s.call(ctx, CommandClone, p, &out)
	return out, err
}

// Run executes a prompt and waits for the agent's answer.
func (s *Scripted) Run(ctx context.Context, p RunParams) (RunResult, error) {
	var out RunResult
	err := s.call(ctx, CommandRun, p, &out)
	return out, err
}

// Close ends the session: a close command is sent best effort and the
// channel is torn down. In-flight calls fail with ErrNotConnected.
func (s *Scripted) Close(ctx context.Context) error {
	if !s.Connected() {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	if err := s.call(cctx, CommandClose, nil, nil); err != nil {
		s.logger.Debug().Err(err).Msg("close command failed")
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.wmu.Unlock()
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close session channel: %w", err)
	}
	return nil
}

func (s *Scripted) call(ctx context.Context, typ string, payload, out any) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan Response, 1)
	s.pending[id] = ch
	done := s.done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.wmu.Lock()
	err := conn.WriteJSON(Request{ID: id, Type: typ, Payload: payload})
	s.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s command: %w", typ, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return fmt.Errorf("%s command: %w", typ, ErrNotConnected)
	case resp := <-ch:
		if !resp.OK {
			return &CommandError{Type: typ, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", typ, err)
			}
		}
		return nil
	}
}

func (s *Scripted) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.Connected() {
				s.logger.Warn().Err(err).Msg("session channel read failed")
			}
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		s.mu.Unlock()
		if !ok {
			s.logger.Warn().Str("id", resp.ID).Msg("response for unknown request")
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}
