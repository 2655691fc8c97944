// Package tracker reads and creates pull requests through the GitHub CLI.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// PR states as normalized by PRStatus.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// PRStatus is the normalized state of a pull request.
type PRStatus struct {
	State    string
	IsMerged bool
	MergedAt *time.Time
}

// CreatePROptions describes a pull request to open.
type CreatePROptions struct {
	Repo  string // owner/name
	Title string
	Body  string
	Head  string
	Base  string
}

// Tracker is the external pull request tracker.
type Tracker interface {
	PRStatus(ctx context.Context, prURL string) (PRStatus, error)
	PRHeadBranch(ctx context.Context, prURL string) (string, error)
	CreatePR(ctx context.Context, opts CreatePROptions) (string, error)
}

// GHTracker implements Tracker with the gh CLI.
type GHTracker struct {
	// BinPath is the gh executable. Empty means "gh" from PATH.
	BinPath string
	// Dir is the working directory for gh invocations.
	Dir string
}

// NewGHTracker creates a gh-backed tracker.
func NewGHTracker(binPath string) *GHTracker {
	if binPath == "" {
		binPath = "gh"
	}
	return &GHTracker{BinPath: binPath}
}

type ghPR struct {
	State       string `json:"state"` // OPEN, CLOSED, MERGED
	MergedAt    string `json:"mergedAt"`
	HeadRefName string `json:"headRefName"`
}

func (t *GHTracker) view(ctx context.Context, prURL string) (ghPR, error) {
	var pr ghPR
	out, err := t.exec(ctx, "pr", "view", prURL, "--json", "state,mergedAt,headRefName")
	if err != nil {
		return pr, err
	}
	if err := json.Unmarshal(out, &pr); err != nil {
		return pr, fmt.Errorf("parse gh pr view output: %w", err)
	}
	return pr, nil
}

// PRStatus returns the normalized state of the PR at prURL.
func (t *GHTracker) PRStatus(ctx context.Context, prURL string) (PRStatus, error) {
	pr, err := t.view(ctx, prURL)
	if err != nil {
		return PRStatus{}, fmt.Errorf("gh pr status: %w", err)
	}
	return normalize(pr), nil
}

func normalize(pr ghPR) PRStatus {
	st := PRStatus{State: strings.ToLower(pr.State)}
	if pr.MergedAt != "" {
		if ts, err := time.Parse(time.RFC3339, pr.MergedAt); err == nil {
			st.MergedAt = &ts
		}
	}
	st.IsMerged = st.State == StateMerged || st.MergedAt != nil
	if st.IsMerged {
		st.State = StateMerged
	}
	return st
}

// PRHeadBranch returns the source branch of the PR at prURL.
func (t *GHTracker) PRHeadBranch(ctx context.Context, prURL string) (string, error) {
	pr, err := t.view(ctx, prURL)
	if err != nil {
		return "", fmt.Errorf("gh pr head branch: %w", err)
	}
	if pr.HeadRefName == "" {
		return "", fmt.Errorf("gh pr head branch: %s has no head ref", prURL)
	}
	return pr.HeadRefName, nil
}

// CreatePR opens a pull request and returns its URL.
func (t *GHTracker) CreatePR(ctx context.Context, opts CreatePROptions) (string, error) {
	if opts.Head == "" || opts.Title == "" {
		return "", fmt.Errorf("gh pr create: head and title are required")
	}
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Head}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Repo != "" {
		args = append(args, "--repo", opts.Repo)
	}
	out, err := t.exec(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w", err)
	}
	// gh prints progress lines before the URL
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("gh pr create: unexpected output %q", strings.TrimSpace(string(out)))
	}
	return url, nil
}

func (t *GHTracker) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.BinPath, args...)
	cmd.Dir = t.Dir
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("exec %s %v: %w (stderr: %s)", t.BinPath, args, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ParseRepo extracts owner and name from a GitHub remote or web URL.
func ParseRepo(raw string) (owner, name string, err error) {
	path := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(path, "git@github.com:"):
		path = strings.TrimPrefix(path, "git@github.com:")
	case strings.HasPrefix(path, "https://github.com/"):
		path = strings.TrimPrefix(path, "https://github.com/")
	case strings.HasPrefix(path, "ssh://git@github.com/"):
		path = strings.TrimPrefix(path, "ssh://git@github.com/")
	default:
		return "", "", fmt.Errorf("unsupported repository url %q", raw)
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository url %q", raw)
	}
	return parts[0], parts[1], nil
}
