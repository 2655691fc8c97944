package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Spec is the platform-level create request.
type Spec struct {
	Image    string            `json:"image,omitempty"`
	RepoURL  string            `json:"repoUrl"`
	RepoName string            `json:"repoName"`
	Branch   string            `json:"branch,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Platform provisions sandboxes.
type Platform interface {
	Create(ctx context.Context, spec Spec) (Sandbox, error)
	List(ctx context.Context) ([]Sandbox, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// HTTPPlatform talks to the sandbox platform REST API.
type HTTPPlatform struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPPlatform creates a platform client. timeout <= 0 uses 60s.
func NewHTTPPlatform(baseURL, token string, timeout time.Duration) *HTTPPlatform {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPPlatform{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Create provisions a sandbox.
func (p *HTTPPlatform) Create(ctx context.Context, spec Spec) (Sandbox, error) {
	var sb Sandbox
	if err := p.do(ctx, http.MethodPost, "/sandboxes", spec, &sb, http.StatusOK, http.StatusCreated); err != nil {
		return Sandbox{}, err
	}
	if sb.ID == "" || sb.BridgeEndpoint == "" {
		return Sandbox{}, fmt.Errorf("create sandbox: platform returned incomplete sandbox %+v", sb)
	}
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = time.Now().UTC()
	}
	return sb, nil
}

// List returns running sandboxes. The platform may answer with a bare array
// or an object with a "sandboxes" field.
func (p *HTTPPlatform) List(ctx context.Context) ([]Sandbox, error) {
	var raw json.RawMessage
	if err := p.do(ctx, http.MethodGet, "/sandboxes", nil, &raw, http.StatusOK); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var out []Sandbox
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode sandboxes: %w", err)
		}
		return out, nil
	}
	var wrapped struct {
		Sandboxes []Sandbox `json:"sandboxes"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode sandboxes: %w", err)
	}
	return wrapped.Sandboxes, nil
}

// Delete removes a sandbox. It reports false when the platform did not know it.
func (p *HTTPPlatform) Delete(ctx context.Context, id string) (bool, error) {
	err := p.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, nil, http.StatusOK, http.StatusNoContent, http.StatusAccepted)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type statusError struct {
	method string
	path   string
	code   int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("platform %s %s: status %d: %s", e.method, e.path, e.code, e.body)
}

func (p *HTTPPlatform) do(ctx context.Context, method, path string, body, out any, okCodes ...int) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal platform request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build platform request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	log.Debug().Str("method", method).Str("path", path).Msg("platform request")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("platform %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !slices.Contains(okCodes, resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &statusError{method: method, path: path, code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}
