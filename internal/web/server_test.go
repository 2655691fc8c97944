package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/metrics"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/metalagman/deckhand/internal/session"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStories struct {
	mu          sync.Mutex
	board       []reconcile.BoardItem
	implemented []string
	prOpts      reconcile.PROptions
	prErr       error
	checkErr    error
}

func (f *fakeStories) Board(_ context.Context, repo string) ([]reconcile.BoardItem, error) {
	var out []reconcile.BoardItem
	for _, it := range f.board {
		if repo == "" || it.RepositoryID == repo {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeStories) CheckImplement(context.Context, string) error {
	return f.checkErr
}

func (f *fakeStories) Implement(_ context.Context, id string) (workflow.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.implemented = append(f.implemented, id)
	return workflow.Outcome{RunID: "run-" + id, State: workflow.StateComplete}, nil
}

func (f *fakeStories) PushAndCreatePR(_ context.Context, id string, opts reconcile.PROptions) (string, error) {
	f.prOpts = opts
	if f.prErr != nil {
		return "", f.prErr
	}
	return "https://github.com/acme/app/pull/1", nil
}

type fakeSandboxes struct {
	reg        *sandbox.Registry
	destroyed  []string
	destroyErr []error
}

func (f *fakeSandboxes) Registry() *sandbox.Registry { return f.reg }

func (f *fakeSandboxes) Destroy(ctx context.Context, id string) {
	f.reg.Remove(id)
	f.destroyed = append(f.destroyed, id)
	f.destroyErr = append(f.destroyErr, ctx.Err())
}

type fakeReconciler struct{ passes int }

func (f *fakeReconciler) Pass(context.Context) reconcile.Summary {
	f.passes++
	return reconcile.Summary{Checked: 2, Promoted: 1}
}

func item(id, title string, stored, effective backlog.Status) reconcile.BoardItem {
	return reconcile.BoardItem{
		Item:      backlog.Item{ID: id, Kind: backlog.KindStory, RepositoryID: "acme/app", Title: title, Status: stored},
		Effective: effective,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *Server, *fakeStories, *fakeSandboxes, *fakeReconciler) {
	t.Helper()
	ready := item("s2", "Search", backlog.StatusInProgress, backlog.StatusInProgress)
	ready.ReadyForPR = true
	ready.SandboxOpen = true
	stories := &fakeStories{board: []reconcile.BoardItem{
		item("s1", "Export CSV", backlog.StatusBacklog, backlog.StatusBacklog),
		ready,
		item("s3", "Login", backlog.StatusDone, backlog.StatusDone),
	}}
	reg := sandbox.NewRegistry()
	require.NoError(t, reg.Add(&sandbox.Viewer{SandboxID: "sb-1", Title: "Search", Context: &sandbox.ImplementationContext{StoryID: "s2"}}))
	sbs := &fakeSandboxes{reg: reg}
	rec := &fakeReconciler{}

	promReg := prometheus.NewRegistry()
	metrics.NewPrometheusRecorder(promReg).SandboxesOpen(1)

	srv, err := NewServer(context.Background(), stories, sbs, rec, promReg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, srv, stories, sbs, rec
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(out)
}

func TestIndexRendersBoard(t *testing.T) {
	t.Parallel()

	ts, _, _, _, _ := newTestServer(t)
	code, body := get(t, ts.URL+"/")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Backlog (1)")
	assert.Contains(t, body, "In Progress (1)")
	assert.Contains(t, body, "Done (1)")
	assert.Contains(t, body, "is ready for a pull request")
	assert.Contains(t, body, "sandbox open")

	code, _ = get(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStoriesAPI(t *testing.T) {
	t.Parallel()

	ts, _, _, _, _ := newTestServer(t)
	code, body := get(t, ts.URL+"/api/stories?repo=acme/app")
	require.Equal(t, http.StatusOK, code)

	var got []storyView
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "in_progress", got[1].EffectiveStatus)
	assert.Equal(t, "In Progress", got[1].Label)
	assert.True(t, got[1].ReadyForPR)

	code, body = get(t, ts.URL+"/api/stories?repo=other/repo")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)
}

func TestImplementRunsInBackground(t *testing.T) {
	t.Parallel()

	ts, srv, stories, _, _ := newTestServer(t)
	code, body := post(t, ts.URL+"/api/stories/s1/implement", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"storyId":"s1","status":"started"}`, body)

	srv.Wait()
	stories.mu.Lock()
	defer stories.mu.Unlock()
	assert.Equal(t, []string{"s1"}, stories.implemented)
}

func TestImplementRefusedUpFront(t *testing.T) {
	t.Parallel()

	ts, srv, stories, _, _ := newTestServer(t)
	for err, want := range map[error]int{
		workflow.ErrTargetBusy:          http.StatusConflict,
		session.ErrBusy:                 http.StatusConflict,
		sandbox.ErrQuotaExceeded:        http.StatusTooManyRequests,
		reconcile.ErrAgentNotConfigured: http.StatusServiceUnavailable,
		backlog.ErrNotFound:             http.StatusNotFound,
	} {
		stories.checkErr = fmt.Errorf("implement s1: %w", err)
		code, _ := post(t, ts.URL+"/api/stories/s1/implement", "")
		assert.Equal(t, want, code, err.Error())
	}

	srv.Wait()
	stories.mu.Lock()
	defer stories.mu.Unlock()
	assert.Empty(t, stories.implemented)
}

func TestPRAPI(t *testing.T) {
	t.Parallel()

	ts, _, stories, _, _ := newTestServer(t)
	code, body := post(t, ts.URL+"/api/stories/s2/pr", `{"title":"Search","token":"t0k"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"prUrl":"https://github.com/acme/app/pull/1"}`, body)
	assert.Equal(t, "Search", stories.prOpts.Title)
	require.NotNil(t, stories.prOpts.Credentials)
	assert.Equal(t, "t0k", stories.prOpts.Credentials.Token)

	for err, want := range map[error]int{
		reconcile.ErrNoSandbox: http.StatusConflict,
		backlog.ErrDone:        http.StatusConflict,
		backlog.ErrNotFound:    http.StatusNotFound,
		reconcile.ErrNotStory:  http.StatusBadRequest,
	} {
		stories.prErr = fmt.Errorf("wrapped: %w", err)
		code, _ = post(t, ts.URL+"/api/stories/s2/pr", "")
		assert.Equal(t, want, code, err.Error())
	}

	code, _ = post(t, ts.URL+"/api/stories/s2/pr", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSandboxesAPI(t *testing.T) {
	t.Parallel()

	ts, _, _, sbs, _ := newTestServer(t)
	code, body := get(t, ts.URL+"/api/sandboxes")
	require.Equal(t, http.StatusOK, code)
	var got []sandboxView
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].StoryID)

	code, _ = post(t, ts.URL+"/api/sandboxes/sb-1/close", "")
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, []string{"sb-1"}, sbs.destroyed)

	code, _ = post(t, ts.URL+"/api/sandboxes/sb-1/close", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCloseSandboxOutlivesRequest(t *testing.T) {
	t.Parallel()

	_, srv, _, sbs, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/sandboxes/sb-1/close", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, sbs.destroyErr, 1)
	assert.NoError(t, sbs.destroyErr[0], "teardown must not inherit the request's cancellation")
}

func TestReconcileAndMetrics(t *testing.T) {
	t.Parallel()

	ts, _, _, _, rec := newTestServer(t)
	code, body := post(t, ts.URL+"/api/reconcile", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"checked":2,"promoted":1,"failed":0}`, body)
	assert.Equal(t, 1, rec.passes)

	code, body = get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "deckhand_sandboxes_open 1")
}
