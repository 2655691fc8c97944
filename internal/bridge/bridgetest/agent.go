// Package bridgetest runs an in-memory bridge for tests.
package bridgetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/metalagman/deckhand/internal/bridge"
)

// Agent is a fake bridge. Each prompt appends a turn answered with the
// configured answer unless the agent is holding.
type Agent struct {
	Server *httptest.Server

	mu         sync.Mutex
	ready      bool
	hold       bool
	answer     string
	turns      []bridge.Turn
	prompts    []string
	pushes     []bridge.PushRequest
	pushResult bridge.PushResult
	latestHits int
}

// NewAgent starts a ready agent that answers every prompt with answer.
func NewAgent(tb testing.TB, answer string) *Agent {
	tb.Helper()
	a := &Agent{ready: true, answer: answer, pushResult: bridge.PushResult{Success: true}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("POST /send-prompt", a.sendPrompt)
	mux.HandleFunc("GET /latest", a.latest)
	mux.HandleFunc("GET /all-conversations", a.all)
	mux.HandleFunc("POST /push-and-create-pr", a.push)
	a.Server = httptest.NewServer(mux)
	tb.Cleanup(a.Server.Close)
	return a
}

// URL is the bridge endpoint.
func (a *Agent) URL() string {
	return a.Server.URL
}

// SetReady toggles the health report.
func (a *Agent) SetReady(ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = ready
}

// Hold stops prompts from producing answers.
func (a *Agent) Hold(hold bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold = hold
}

// SetAnswer changes the answer for later prompts.
func (a *Agent) SetAnswer(answer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answer = answer
}

// Reply appends an answered turn as if the agent had finished on its own.
func (a *Agent) Reply(text string) bridge.TurnID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendTurn("", text)
}

// SetPushResult changes what push-and-create-pr reports.
func (a *Agent) SetPushResult(res bridge.PushResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushResult = res
}

// Prompts returns the prompts received so far.
func (a *Agent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// Pushes returns the push requests received so far.
func (a *Agent) Pushes() []bridge.PushRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bridge.PushRequest(nil), a.pushes...)
}

// LatestHits counts GET /latest requests.
func (a *Agent) LatestHits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latestHits
}

func (a *Agent) appendTurn(prompt, answer string) bridge.TurnID {
	id := bridge.TurnID(strconv.Itoa(len(a.turns) + 1))
	a.turns = append(a.turns, bridge.Turn{ID: id, UserMessage: prompt, AssistantMessage: answer})
	return id
}

func (a *Agent) health(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	status := "starting"
	if ready {
		status = "ok"
	}
	writeJSON(w, bridge.Health{Status: status, AgentRunning: ready})
}

func (a *Agent) sendPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.prompts = append(a.prompts, req.Prompt)
	if !a.hold {
		a.appendTurn(req.Prompt, a.answer)
	}
	a.mu.Unlock()
	writeJSON(w, map[string]bool{"success": true})
}

func (a *Agent) latest(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	a.latestHits++
	if len(a.turns) == 0 {
		a.mu.Unlock()
		_, _ = w.Write([]byte("null"))
		return
	}
	turn := a.turns[len(a.turns)-1]
	a.mu.Unlock()
	writeJSON(w, turn)
}

func (a *Agent) all(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	turns := append([]bridge.Turn(nil), a.turns...)
	a.mu.Unlock()
	writeJSON(w, map[string]any{"conversations": turns, "count": len(turns)})
}

func (a *Agent) push(w http.ResponseWriter, r *http.Request) {
	var req bridge.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.pushes = append(a.pushes, req)
	res := a.pushResult
	a.mu.Unlock()
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
