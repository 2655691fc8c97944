// Package git resolves repository facts needed to provision a sandbox.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Run executes git with args in dir and returns trimmed combined output.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	log.Debug().Str("dir", dir).Strs("args", args).Msg("running git command")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Available checks if dir is inside a git work tree.
func Available(ctx context.Context, dir string) bool {
	_, err := Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// OriginURL returns the fetch URL of the origin remote of the checkout in dir.
func OriginURL(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("resolve origin url: %w", err)
	}
	if out == "" {
		return "", fmt.Errorf("resolve origin url: empty")
	}
	return out, nil
}

// DefaultBranch asks the remote which branch HEAD points at.
func DefaultBranch(ctx context.Context, remoteURL string) (string, error) {
	out, err := Run(ctx, "", "ls-remote", "--symref", remoteURL, "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}
	branch, ok := ParseSymref(out)
	if !ok {
		return "", fmt.Errorf("resolve default branch: no symref in ls-remote output")
	}
	return branch, nil
}

// ParseSymref extracts the branch from `git ls-remote --symref <url> HEAD`
// output, e.g. "ref: refs/heads/main\tHEAD".
func ParseSymref(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "ref:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "ref:"))
		if len(fields) == 0 {
			continue
		}
		return strings.TrimPrefix(fields[0], "refs/heads/"), true
	}
	return "", false
}

// RepoName returns the repository name from a remote URL, without ".git".
func RepoName(remoteURL string) string {
	u := strings.TrimSuffix(strings.TrimSpace(remoteURL), "/")
	u = strings.TrimSuffix(u, ".git")
	if i := strings.LastIndexAny(u, ":/"); i >= 0 {
		u = u[i+1:]
	}
	return path.Base(u)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// StoryBranch derives the working branch name for a story.
func StoryBranch(storyID, title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	id := storyID
	if len(id) > 8 {
		id = id[:8]
	}
	if slug == "" {
		return "deckhand/" + id
	}
	return "deckhand/" + id + "-" + slug
}
