// Package completion decides when an asynchronous agent answer is finished.
//
// The agent emits no completion signal. A turn newer than the baseline is
// treated as finished once its answer length has stayed the same for a
// number of consecutive polls. A pause longer than StablePolls x Interval
// therefore looks exactly like completion.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when no stable answer appeared before the deadline.
var ErrTimeout = errors.New("completion deadline exceeded")

// Source yields the latest conversation turn, or nil when there is none.
type Source interface {
	Latest(ctx context.Context) (*bridge.Turn, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*bridge.Turn, error)

// Latest calls f.
func (f SourceFunc) Latest(ctx context.Context) (*bridge.Turn, error) {
	return f(ctx)
}

// Options tunes detection.
type Options struct {
	// Interval between the end of one poll and the start of the next.
	Interval time.Duration
	// StablePolls is how many further reads must see the same length.
	StablePolls int
	// MinContent is the length an answer must exceed to be a candidate.
	MinContent int
	// Deadline bounds the whole detection.
	Deadline time.Duration
	// Accept, when set, must approve stable content. Rejected content is
	// discarded and detection continues until the answer changes.
	Accept func(content string) bool
	Logger *zerolog.Logger
}

// DefaultOptions returns the standard cadence with the given deadline.
func DefaultOptions(deadline time.Duration) Options {
	return Options{
		Interval:    3 * time.Second,
		StablePolls: 4,
		MinContent:  10,
		Deadline:    deadline,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions(15 * time.Minute)
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.StablePolls <= 0 {
		o.StablePolls = def.StablePolls
	}
	if o.MinContent < 0 {
		o.MinContent = 0
	}
	if o.Deadline <= 0 {
		o.Deadline = def.Deadline
	}
	return o
}

// Result is a completed answer.
type Result struct {
	TurnID  bridge.TurnID
	Content string
	Polls   int
	Elapsed time.Duration
}

// tracker holds the stability state for one detection. Polls are strictly
// sequential so it needs no locking.
type tracker struct {
	baseline   bridge.TurnID
	opts       Options
	tracking   bool
	id         bridge.TurnID
	length     int
	stable     int
	rejectedID bridge.TurnID
	rejected   int
}

// observe feeds one poll and reports whether the answer is complete.
func (t *tracker) observe(turn *bridge.Turn, logger zerolog.Logger) bool {
	if turn == nil || turn.ID == t.baseline {
		t.tracking = false
		return false
	}
	n := utf8.RuneCountInString(turn.AssistantMessage)
	if n <= t.opts.MinContent {
		t.tracking = false
		return false
	}
	if !t.tracking || turn.ID != t.id || n != t.length {
		t.tracking = true
		t.id = turn.ID
		t.length = n
		t.stable = 0
		return false
	}
	t.stable++
	if t.stable < t.opts.StablePolls {
		return false
	}
	if t.rejectedID == t.id && t.rejected == t.length {
		return false
	}
	if t.opts.Accept != nil && !t.opts.Accept(turn.AssistantMessage) {
		logger.Debug().Str("turn_id", string(turn.ID)).Int("length", n).Msg("stable answer rejected, waiting for changes")
		t.rejectedID = t.id
		t.rejected = t.length
		return false
	}
	return true
}

// Detect polls src until a stable answer newer than baseline appears.
// It returns ErrTimeout once the deadline passes and ctx.Err() if ctx ends first.
func Detect(ctx context.Context, src Source, baseline bridge.TurnID, opts Options) (Result, error) {
	opts = opts.withDefaults()
	logger := logging.Component("completion")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	start := time.Now()
	dctx, cancel := context.WithDeadline(ctx, start.Add(opts.Deadline))
	defer cancel()

	tr := &tracker{baseline: baseline, opts: opts}
	timer := time.NewTimer(opts.Interval)
	defer timer.Stop()

	for polls := 0; ; {
		select {
		case <-dctx.Done():
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			return Result{}, fmt.Errorf("wait for answer after %s (%d polls): %w", opts.Deadline, polls, ErrTimeout)
		case <-timer.C:
		}
		if dctx.Err() != nil {
			continue
		}

		polls++
		turn, err := src.Latest(dctx)
		if err != nil {
			if dctx.Err() == nil {
				logger.Debug().Err(err).Int("poll", polls).Msg("poll failed, treating as no news")
			}
		} else if tr.observe(turn, logger) {
			logger.Info().Str("turn_id", string(turn.ID)).Int("polls", polls).Msg("answer complete")
			return Result{
				TurnID:  turn.ID,
				Content: turn.AssistantMessage,
				Polls:   polls,
				Elapsed: time.Since(start),
			}, nil
		}
		timer.Reset(opts.Interval)
	}
}
