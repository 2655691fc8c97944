package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptSource replays a fixed sequence of turns, repeating the last one.
type scriptSource struct {
	mu    sync.Mutex
	turns []*bridge.Turn
	errs  map[int]error
	calls int
}

func (s *scriptSource) Latest(context.Context) (*bridge.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if err := s.errs[i]; err != nil {
		return nil, err
	}
	if len(s.turns) == 0 {
		return nil, nil
	}
	if i >= len(s.turns) {
		i = len(s.turns) - 1
	}
	return s.turns[i], nil
}

func (s *scriptSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func answer(id string, n int) *bridge.Turn {
	return &bridge.Turn{ID: bridge.TurnID(id), AssistantMessage: strings.Repeat("x", n)}
}

func fast(deadline time.Duration) Options {
	return Options{Interval: time.Millisecond, StablePolls: 4, MinContent: 10, Deadline: deadline}
}

func TestDetect_ShortStableReadsNeverFire(t *testing.T) {
	t.Parallel()

	src := &scriptSource{turns: []*bridge.Turn{
		answer("2", 10), answer("2", 10), answer("2", 10), answer("2", 10),
		answer("2", 50), answer("2", 50), answer("2", 50), answer("2", 50), answer("2", 50),
	}}

	res, err := Detect(context.Background(), src, "1", fast(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 50, len(res.Content))
	// four short reads, one read starting to track 50, four stable reads
	assert.Equal(t, 9, res.Polls)
	assert.Equal(t, bridge.TurnID("2"), res.TurnID)
}

func TestDetect_LengthChangeResetsCounter(t *testing.T) {
	t.Parallel()

	src := &scriptSource{turns: []*bridge.Turn{
		answer("2", 20), answer("2", 20), answer("2", 20), answer("2", 30),
		answer("2", 30), answer("2", 30), answer("2", 30), answer("2", 30),
	}}

	res, err := Detect(context.Background(), src, "", fast(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 30, len(res.Content))
	assert.Equal(t, 8, res.Polls)
}

func TestDetect_BaselineTurnIsIgnored(t *testing.T) {
	t.Parallel()

	src := &scriptSource{turns: []*bridge.Turn{answer("7", 100)}}
	start := time.Now()
	_, err := Detect(context.Background(), src, "7", fast(40*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDetect_NoTurnsTimesOutNeverEarly(t *testing.T) {
	t.Parallel()

	for _, deadline := range []time.Duration{15 * time.Millisecond, 60 * time.Millisecond} {
		src := &scriptSource{}
		start := time.Now()
		_, err := Detect(context.Background(), src, "", fast(deadline))
		elapsed := time.Since(start)
		require.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, deadline)
	}
}

func TestDetect_PollErrorsAreNothingNew(t *testing.T) {
	t.Parallel()

	boom := errors.New("bridge unreachable")
	src := &scriptSource{
		turns: []*bridge.Turn{answer("2", 40)},
		errs:  map[int]error{0: boom, 2: boom, 3: boom},
	}

	res, err := Detect(context.Background(), src, "", fast(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 40, len(res.Content))
	assert.Equal(t, 8, res.Polls)
}

func TestDetect_AcceptRejectsUntilContentChanges(t *testing.T) {
	t.Parallel()

	prose := &bridge.Turn{ID: "2", AssistantMessage: "thinking about the plan..."}
	block := &bridge.Turn{ID: "2", AssistantMessage: "thinking about the plan...\n```json\n{}\n```"}
	src := &scriptSource{turns: []*bridge.Turn{prose, prose, prose, prose, prose, prose, prose, block}}

	opts := fast(5 * time.Second)
	opts.Accept = func(content string) bool { return strings.Contains(content, "```json") }

	res, err := Detect(context.Background(), src, "", opts)
	require.NoError(t, err)
	assert.Equal(t, block.AssistantMessage, res.Content)
	assert.Equal(t, 12, res.Polls)
}

func TestDetect_ParentCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Detect(ctx, &scriptSource{}, "", fast(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWatcher_CancelStopsPolling(t *testing.T) {
	t.Parallel()

	src := &scriptSource{}
	w := Start(context.Background(), src, "", Options{Interval: 5 * time.Millisecond, Deadline: time.Minute})

	require.Eventually(t, func() bool { return src.Calls() >= 2 }, time.Second, time.Millisecond)
	w.Cancel()
	_, err := w.Wait()
	require.ErrorIs(t, err, context.Canceled)

	calls := src.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.Calls(), "no polls after cancel")
}

func TestWatcher_OnResult(t *testing.T) {
	t.Parallel()

	src := &scriptSource{turns: []*bridge.Turn{answer("9", 25)}}
	w := Start(context.Background(), src, "", fast(5*time.Second))

	got := make(chan Result, 1)
	w.OnResult(func(r Result, err error) {
		if err == nil {
			got <- r
		}
	})

	select {
	case r := <-got:
		assert.Equal(t, bridge.TurnID("9"), r.TurnID)
	case <-time.After(5 * time.Second):
		t.Fatal("OnResult never fired")
	}

	// late registration fires immediately
	var late Result
	w.OnResult(func(r Result, _ error) { late = r })
	assert.Equal(t, bridge.TurnID("9"), late.TurnID)
}
