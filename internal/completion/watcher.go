package completion

import (
	"context"
	"sync"

	"github.com/metalagman/deckhand/internal/bridge"
)

// Watcher runs Detect in the background.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	result    Result
	err       error
	finished  bool
	callbacks []func(Result, error)
}

// Start begins watching for an answer newer than baseline. The watcher stops
// when ctx ends, Cancel is called or the answer is found.
func Start(ctx context.Context, src Source, baseline bridge.TurnID, opts Options) *Watcher {
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		res, err := Detect(wctx, src, baseline, opts)
		w.finish(res, err)
	}()
	return w
}

func (w *Watcher) finish(res Result, err error) {
	w.mu.Lock()
	w.result, w.err, w.finished = res, err, true
	cbs := w.callbacks
	w.callbacks = nil
	w.mu.Unlock()

	close(w.done)
	w.cancel()
	for _, cb := range cbs {
		cb(res, err)
	}
}

// Cancel stops polling before the next tick. Wait then reports context.Canceled.
func (w *Watcher) Cancel() {
	w.cancel()
}

// OnResult registers fn to run once with the outcome. If the watcher has
// already finished, fn runs immediately on the caller's goroutine.
func (w *Watcher) OnResult(fn func(Result, error)) {
	w.mu.Lock()
	if !w.finished {
		w.callbacks = append(w.callbacks, fn)
		w.mu.Unlock()
		return
	}
	res, err := w.result, w.err
	w.mu.Unlock()
	fn(res, err)
}

// Wait blocks until the watcher finishes.
func (w *Watcher) Wait() (Result, error) {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.err
}

// Done is closed when the watcher finishes.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
