package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/metalagman/deckhand/internal/metrics"
	"github.com/metalagman/deckhand/internal/tracker"
	"github.com/rs/zerolog"
)

const defaultInterval = 5 * time.Minute

// Summary counts the outcome of one pass.
type Summary struct {
	Checked  int `json:"checked"`
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
}

// Reconciler periodically promotes pending-review stories whose pull
// request has been merged to done. It is best effort: a tracker failure
// for one story is logged and counted, never returned.
type Reconciler struct {
	items    *backlog.Store
	tracker  tracker.Tracker
	metrics  metrics.Recorder
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex // serializes passes
	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval sets the pass interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMetrics records pass counts.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(items *backlog.Store, tr tracker.Tracker, opts ...Option) *Reconciler {
	r := &Reconciler{
		items:    items,
		tracker:  tr,
		metrics:  metrics.Nop(),
		interval: defaultInterval,
		logger:   logging.Component("reconciler"),
		started:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Pass checks every pending-review story once.
func (r *Reconciler) Pass(ctx context.Context) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum Summary
	items, err := r.items.ListPendingReview(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("list pending review items failed")
		sum.Failed++
		r.metrics.ReconcilePass(sum.Checked, sum.Promoted, sum.Failed)
		return sum
	}

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		logger := r.logger.With().Str("story_id", it.ID).Str("pr_url", it.PRURL).Logger()
		st, err := r.tracker.PRStatus(ctx, it.PRURL)
		if err != nil {
			sum.Failed++
			logger.Warn().Err(err).Msg("read pr status failed")
			continue
		}
		if !st.IsMerged {
			continue
		}
		if err := r.items.SetStatus(ctx, it.ID, backlog.StatusDone); err != nil {
			sum.Failed++
			logger.Warn().Err(err).Msg("promote merged story failed")
			continue
		}
		sum.Promoted++
		logger.Info().Msg("pr merged, story done")
	}

	r.metrics.ReconcilePass(sum.Checked, sum.Promoted, sum.Failed)
	r.logger.Debug().Int("checked", sum.Checked).Int("promoted", sum.Promoted).Int("failed", sum.Failed).Msg("reconcile pass finished")
	return sum
}

// CheckOnce runs a single pass outside the loop.
func (r *Reconciler) CheckOnce(ctx context.Context) Summary {
	return r.Pass(ctx)
}

// Start runs a pass immediately and then every interval. It returns when
// ctx is cancelled or Stop is called. Only the first call runs the loop;
// later calls return at once.
func (r *Reconciler) Start(ctx context.Context) {
	first := false
	r.startOnce.Do(func() {
		first = true
		close(r.started)
	})
	if !first {
		r.logger.Debug().Msg("reconciler already started")
		return
	}
	defer close(r.doneCh)
	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	r.Pass(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Stop ends the loop and waits for it. Calling Stop without Start, or more
// than once, is a no-op.
func (r *Reconciler) Stop() {
	select {
	case <-r.started:
	default:
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}
