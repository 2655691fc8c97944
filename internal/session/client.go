// Package session drives one agent session: readiness, prompt delivery and
// the scripted command channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrNotReady is returned when the agent never became ready before the health timeout.
	ErrNotReady = errors.New("agent not ready")
	// ErrBusy is returned when a prompt is already in flight on the endpoint.
	ErrBusy = errors.New("prompt already in flight")
	// ErrSendFailed marks a prompt that was rejected after all retries.
	ErrSendFailed = errors.New("send prompt failed")
)

// SendError reports a prompt that could not be delivered.
type SendError struct {
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send prompt failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}

// RetryPolicy bounds prompt resends.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetry resends once after a fixed two second delay.
var DefaultRetry = RetryPolicy{MaxRetries: 1, Backoff: 2 * time.Second}

// Options tunes readiness polling and sending.
type Options struct {
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	ReadyGrace     time.Duration
	Retry          RetryPolicy
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		HealthInterval: 2 * time.Second,
		HealthTimeout:  3 * time.Minute,
		ReadyGrace:     3 * time.Second,
		Retry:          DefaultRetry,
	}
}

// Bridge is the subset of the bridge client a session needs.
type Bridge interface {
	Endpoint() string
	Health(ctx context.Context) (bridge.Health, error)
	SendPrompt(ctx context.Context, prompt string) error
	Latest(ctx context.Context) (*bridge.Turn, error)
}

// Client wraps one bridge endpoint. Only one prompt may be in flight at a time.
type Client struct {
	bridge   Bridge
	opts     Options
	inflight atomic.Bool
	logger   zerolog.Logger
}

// NewClient creates a session client. Zero option fields take defaults.
func NewClient(b Bridge, opts Options) *Client {
	def := DefaultOptions()
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = def.HealthInterval
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = def.HealthTimeout
	}
	if opts.ReadyGrace < 0 {
		opts.ReadyGrace = 0
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	return &Client{
		bridge: b,
		opts:   opts,
		logger: logging.Component("session").With().Str("endpoint", b.Endpoint()).Logger(),
	}
}

// Bridge returns the underlying bridge.
func (c *Client) Bridge() Bridge {
	return c.bridge
}

// WaitReady polls health until the agent reports ready, then waits the
// grace delay. Transport errors and non-2xx responses count as not ready.
func (c *Client) WaitReady(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	var last error
	for attempt := 1; ; attempt++ {
		h, err := c.bridge.Health(deadline)
		switch {
		case err == nil && h.Ready():
			c.logger.Debug().Int("attempt", attempt).Msg("agent ready")
			if err := Sleep(ctx, c.opts.ReadyGrace); err != nil {
				return err
			}
			return nil
		case err != nil:
			last = err
		default:
			last = fmt.Errorf("status %q, agent running %t", h.Status, h.AgentRunning)
		}
		c.logger.Debug().Int("attempt", attempt).AnErr("reason", last).Msg("agent not ready yet")

		if err := Sleep(deadline, c.opts.HealthInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for agent after %s: %w (last: %v)", c.opts.HealthTimeout, ErrNotReady, last)
		}
	}
}

// Send delivers a prompt, retrying per the retry policy.
func (c *Client) Send(ctx context.Context, prompt string) error {
	if !c.inflight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.inflight.Store(false)

	attempts := 1 + c.opts.Retry.MaxRetries
	var err error
	for i := 1; i <= attempts; i++ {
		if err = c.bridge.SendPrompt(ctx, prompt); err == nil {
			c.logger.Info().Int("attempt", i).Msg("prompt sent")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Int("attempt", i).Msg("prompt send failed")
		if i < attempts {
			if serr := Sleep(ctx, c.opts.Retry.Backoff); serr != nil {
				return serr
			}
		}
	}
	return &SendError{Attempts: attempts, Err: err}
}

// Baseline returns the id of the current latest turn, or "" when none exists.
func (c *Client) Baseline(ctx context.Context) (bridge.TurnID, error) {
	turn, err := c.bridge.Latest(ctx)
	if err != nil {
		return "", fmt.Errorf("read baseline turn: %w", err)
	}
	if turn == nil {
		return "", nil
	}
	return turn.ID, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
