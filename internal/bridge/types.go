package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Health is the bridge's report on the embedded agent.
type Health struct {
	Status        string `json:"status"`
	AgentRunning  bool   `json:"agentRunning"`
	AgentWindowID string `json:"agentWindowId,omitempty"`
}

// Ready reports whether the agent can accept a prompt.
func (h Health) Ready() bool {
	if !h.AgentRunning {
		return false
	}
	switch strings.ToLower(h.Status) {
	case "ok", "healthy", "ready":
		return true
	}
	return false
}

// TurnID identifies a conversation turn. The bridge sends ids as strings or
// numbers; both decode to their textual form so ids compare as strings.
type TurnID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *TurnID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode turn id: %w", err)
		}
		*id = TurnID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode turn id: %w", err)
	}
	*id = TurnID(n.String())
	return nil
}

// Turn is one prompt/answer pair recorded by the agent.
type Turn struct {
	ID               TurnID `json:"id"`
	UserMessage      string `json:"userMessage"`
	AssistantMessage string `json:"assistantMessage"`
}

type conversations struct {
	Conversations []Turn `json:"conversations"`
	Count         int    `json:"count"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

// Credentials lets the bridge push on behalf of the user.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
}

// PushRequest asks the bridge to commit, push and open a pull request.
type PushRequest struct {
	BranchName    string       `json:"branchName"`
	CommitMessage string       `json:"commitMessage"`
	PRTitle       string       `json:"prTitle"`
	PRBody        string       `json:"prBody"`
	Credentials   *Credentials `json:"credentials,omitempty"`
}

// PushResult is the bridge acknowledgement for a push. PRURL is empty when
// the bridge pushed but did not open the pull request itself.
type PushResult struct {
	Success bool   `json:"success"`
	Branch  string `json:"branch,omitempty"`
	PRURL   string `json:"prUrl,omitempty"`
	Message string `json:"message,omitempty"`
}
