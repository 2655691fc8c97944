// Package web serves the story board and its JSON API.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/metalagman/deckhand/internal/session"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Stories is the story write path and board.
type Stories interface {
	Board(ctx context.Context, repositoryID string) ([]reconcile.BoardItem, error)
	CheckImplement(ctx context.Context, storyID string) error
	Implement(ctx context.Context, storyID string) (workflow.Outcome, error)
	PushAndCreatePR(ctx context.Context, storyID string, opts reconcile.PROptions) (string, error)
}

// Sandboxes exposes open viewers and teardown.
type Sandboxes interface {
	Registry() *sandbox.Registry
	Destroy(ctx context.Context, id string)
}

// Reconciler runs a tracker pass on demand.
type Reconciler interface {
	Pass(ctx context.Context) reconcile.Summary
}

// Server provides the web UI handlers and state.
type Server struct {
	stories    Stories
	sandboxes  Sandboxes
	reconciler Reconciler
	gatherer   prometheus.Gatherer
	tmpl       *template.Template
	logger     zerolog.Logger

	// base outlives requests; background implementation runs use it.
	base context.Context
	wg   sync.WaitGroup
}

// NewServer creates a new web server. A nil gatherer serves the default registry.
func NewServer(base context.Context, stories Stories, sandboxes Sandboxes, reconciler Reconciler, gatherer prometheus.Gatherer) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		stories:    stories,
		sandboxes:  sandboxes,
		reconciler: reconciler,
		gatherer:   gatherer,
		tmpl:       tmpl,
		logger:     logging.Component("web"),
		base:       base,
	}, nil
}

// Routes returns the router for the web UI.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/stories", s.handleStories)
	mux.HandleFunc("POST /api/stories/{id}/implement", s.handleImplement)
	mux.HandleFunc("POST /api/stories/{id}/pr", s.handlePR)
	mux.HandleFunc("GET /api/sandboxes", s.handleSandboxes)
	mux.HandleFunc("POST /api/sandboxes/{id}/close", s.handleCloseSandbox)
	mux.HandleFunc("POST /api/reconcile", s.handleReconcile)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Wait blocks until background runs started by the API finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

type storyView struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	ParentID        string `json:"parentId,omitempty"`
	RepositoryID    string `json:"repositoryId"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	EffectiveStatus string `json:"effectiveStatus"`
	Label           string `json:"label"`
	PRURL           string `json:"prUrl,omitempty"`
	ReadyForPR      bool   `json:"readyForPr"`
	SandboxOpen     bool   `json:"sandboxOpen"`
}

func toStoryView(it reconcile.BoardItem) storyView {
	return storyView{
		ID:              it.ID,
		Kind:            string(it.Kind),
		ParentID:        it.ParentID,
		RepositoryID:    it.RepositoryID,
		Title:           it.Title,
		Status:          it.Status.String(),
		EffectiveStatus: it.Effective.String(),
		Label:           it.Effective.Label(),
		PRURL:           it.PRURL,
		ReadyForPR:      it.ReadyForPR,
		SandboxOpen:     it.SandboxOpen,
	}
}

type sandboxView struct {
	SandboxID       string    `json:"sandboxId"`
	Title           string    `json:"title"`
	Dock            int       `json:"dock"`
	BridgeEndpoint  string    `json:"bridgeEndpoint"`
	DisplayEndpoint string    `json:"displayEndpoint"`
	StoryID         string    `json:"storyId,omitempty"`
	OpenedAt        time.Time `json:"openedAt"`
}

func (s *Server) sandboxViews() []sandboxView {
	viewers := s.sandboxes.Registry().List()
	out := make([]sandboxView, 0, len(viewers))
	for _, v := range viewers {
		out = append(out, sandboxView{
			SandboxID:       v.SandboxID,
			Title:           v.Title,
			Dock:            v.Dock,
			BridgeEndpoint:  v.BridgeEndpoint,
			DisplayEndpoint: v.DisplayEndpoint,
			StoryID:         v.StoryID(),
			OpenedAt:        v.OpenedAt,
		})
	}
	return out
}

type boardColumn struct {
	Label   string
	Stories []storyView
}

type indexData struct {
	Columns   []boardColumn
	Ready     []storyView
	Sandboxes []sandboxView
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	board, err := s.stories.Board(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	order := []backlog.Status{backlog.StatusBacklog, backlog.StatusInProgress, backlog.StatusPendingReview, backlog.StatusDone}
	cols := make(map[backlog.Status]*boardColumn, len(order))
	data := indexData{Sandboxes: s.sandboxViews()}
	for _, st := range order {
		data.Columns = append(data.Columns, boardColumn{Label: st.Label()})
	}
	for i, st := range order {
		cols[st] = &data.Columns[i]
	}
	for _, it := range board {
		if it.Kind != backlog.KindStory {
			continue
		}
		v := toStoryView(it)
		if c, ok := cols[it.Effective]; ok {
			c.Stories = append(c.Stories, v)
		}
		if it.ReadyForPR && it.PRURL == "" {
			data.Ready = append(data.Ready, v)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request) {
	board, err := s.stories.Board(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]storyView, 0, len(board))
	for _, it := range board {
		out = append(out, toStoryView(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImplement(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.stories.CheckImplement(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.stories.Implement(s.base, id)
		if err != nil {
			s.logger.Error().Err(err).Str("story_id", id).Str("run_id", out.RunID).Msg("implementation failed")
			return
		}
		s.logger.Info().Str("story_id", id).Str("run_id", out.RunID).Msg("implementation finished")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"storyId": id, "status": "started"})
}

type prRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Token string `json:"token,omitempty"`
}

func (s *Server) handlePR(w http.ResponseWriter, r *http.Request) {
	var req prRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	opts := reconcile.PROptions{Title: req.Title, Body: req.Body}
	if req.Token != "" {
		opts.Credentials = &bridge.Credentials{Token: req.Token}
	}
	url, err := s.stories.PushAndCreatePR(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prUrl": url})
}

func (s *Server) handleSandboxes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sandboxViews())
}

func (s *Server) handleCloseSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sandboxes.Registry().Get(id); !ok {
		http.Error(w, sandbox.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	// teardown finishes even if the client goes away
	s.sandboxes.Destroy(context.WithoutCancel(r.Context()), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.Pass(r.Context()))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, backlog.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, backlog.ErrDone), errors.Is(err, reconcile.ErrNoSandbox),
		errors.Is(err, workflow.ErrTargetBusy), errors.Is(err, session.ErrBusy):
		code = http.StatusConflict
	case sandbox.IsQuotaExceeded(err):
		code = http.StatusTooManyRequests
	case errors.Is(err, reconcile.ErrAgentNotConfigured):
		code = http.StatusServiceUnavailable
	case errors.Is(err, reconcile.ErrNotStory):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
