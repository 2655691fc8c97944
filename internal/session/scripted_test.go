package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agentServer mimics the bridge /session endpoint. "run" commands whose
// prompt is "slow" are answered after later requests.
func agentServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var wmu sync.Mutex
		reply := func(resp Response) {
			wmu.Lock()
			defer wmu.Unlock()
			_ = conn.WriteJSON(resp)
		}
		for {
			var req struct {
				ID      string          `json:"id"`
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Type {
			case CommandInit, CommandClose:
				reply(Response{ID: req.ID, OK: true})
			case CommandClone:
				var p CloneParams
				_ = json.Unmarshal(req.Payload, &p)
				if p.RepoURL == "" {
					reply(Response{ID: req.ID, OK: false, Error: "repoUrl required"})
					continue
				}
				res, _ := json.Marshal(CloneResult{Path: "/work/app"})
				reply(Response{ID: req.ID, OK: true, Result: res})
			case CommandRun:
				var p RunParams
				_ = json.Unmarshal(req.Payload, &p)
				res, _ := json.Marshal(RunResult{Output: "did " + p.Prompt})
				resp := Response{ID: req.ID, OK: true, Result: res}
				if p.Prompt == "slow" {
					go func() {
						time.Sleep(50 * time.Millisecond)
						reply(resp)
					}()
					continue
				}
				reply(resp)
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScripted_FullSession(t *testing.T) {
	t.Parallel()

	srv := agentServer(t)
	ctx := context.Background()

	s, err := NewScripted(srv.URL)
	require.NoError(t, err)
	assert.Contains(t, s.URL(), "ws://")

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Init(ctx, InitParams{Provider: "anthropic", Model: "m", APIKey: "k"}))

	clone, err := s.Clone(ctx, CloneParams{RepoURL: "https://github.com/acme/app", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, "/work/app", clone.Path)

	_, err = s.Clone(ctx, CloneParams{})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, CommandClone, cmdErr.Type)

	run, err := s.Run(ctx, RunParams{Prompt: "tests", Cwd: clone.Path})
	require.NoError(t, err)
	assert.Equal(t, "did tests", run.Output)

	require.NoError(t, s.Close(ctx))
	assert.False(t, s.Connected())
	_, err = s.Run(ctx, RunParams{Prompt: "late"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestScripted_CorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	srv := agentServer(t)
	ctx := context.Background()
	s, err := NewScripted(srv.URL)
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { _ = s.Close(ctx) })

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, prompt := range []string{"slow", "fast"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Run(ctx, RunParams{Prompt: prompt})
			if err == nil {
				results[i] = res.Output
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"did slow", "did fast"}, results)
}

func TestScripted_NotConnectedBeforeConnect(t *testing.T) {
	t.Parallel()

	s, err := NewScripted("http://127.0.0.1:1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Init(context.Background(), InitParams{}), ErrNotConnected)

	_, err = NewScripted("ftp://host")
	assert.Error(t, err)
}
