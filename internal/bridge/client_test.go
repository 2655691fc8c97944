package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReady(t *testing.T) {
	t.Parallel()

	assert.True(t, Health{Status: "ok", AgentRunning: true}.Ready())
	assert.True(t, Health{Status: "Healthy", AgentRunning: true}.Ready())
	assert.False(t, Health{Status: "ok", AgentRunning: false}.Ready())
	assert.False(t, Health{Status: "starting", AgentRunning: true}.Ready())
}

func TestTurnIDAcceptsStringsAndNumbers(t *testing.T) {
	t.Parallel()

	var turns []Turn
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"abc"},{"id":42},{"id":null}]`), &turns))
	assert.Equal(t, TurnID("abc"), turns[0].ID)
	assert.Equal(t, TurnID("42"), turns[1].ID)
	assert.Equal(t, TurnID(""), turns[2].ID)
}

func TestClientEndpoints(t *testing.T) {
	t.Parallel()

	var gotPrompt promptRequest
	var gotPush PushRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","agentRunning":true,"agentWindowId":"0x1"}`))
	})
	mux.HandleFunc("POST /send-prompt", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPrompt)
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("GET /latest", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"userMessage":"hi","assistantMessage":"hello there"}`))
	})
	mux.HandleFunc("GET /all-conversations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"conversations":[{"id":1},{"id":"2"}],"count":2}`))
	})
	mux.HandleFunc("POST /push-and-create-pr", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPush)
		_, _ = w.Write([]byte(`{"success":true,"prUrl":"https://github.com/acme/app/pull/9"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	c := New(srv.URL+"/", WithHTTPClient(srv.Client()))
	assert.Equal(t, srv.URL, c.Endpoint())

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Ready())
	assert.Equal(t, "0x1", h.AgentWindowID)

	require.NoError(t, c.SendPrompt(ctx, "implement it"))
	assert.Equal(t, "implement it", gotPrompt.Prompt)

	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, TurnID("7"), latest.ID)
	assert.Equal(t, "hello there", latest.AssistantMessage)

	all, err := c.AllConversations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, TurnID("2"), all[1].ID)

	res, err := c.PushAndCreatePR(ctx, PushRequest{BranchName: "story-1", PRTitle: "Story 1"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/app/pull/9", res.PRURL)
	assert.Equal(t, "story-1", gotPush.BranchName)
}

func TestLatestNullAndNotFound(t *testing.T) {
	t.Parallel()

	for name, handler := range map[string]http.HandlerFunc{
		"null": func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`null`)) },
		"404":  func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			turn, err := New(srv.URL).Latest(context.Background())
			require.NoError(t, err)
			assert.Nil(t, turn)
		})
	}
}

func TestNon2xxIsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent window missing", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	err := New(srv.URL).SendPrompt(context.Background(), "x")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "send-prompt", se.Op)
	assert.Contains(t, se.Body, "agent window missing")
}
