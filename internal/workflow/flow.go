package workflow

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/metalagman/deckhand/internal/sandbox"
)

//go:embed prompts/*.gotmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.gotmpl"))

// Target is what a flow works on: a story, a repository or a single file.
type Target struct {
	// Key identifies the target across runs, e.g. "story:<id>".
	Key            string `json:"key"`
	RepositoryID   string `json:"repositoryId"`
	RepositoryURL  string `json:"repositoryUrl"`
	RepositoryName string `json:"repositoryName"`
	Branch         string `json:"branch,omitempty"`
	StoryID        string `json:"storyId,omitempty"`
	StoryTitle     string `json:"storyTitle,omitempty"`
	Description    string `json:"description,omitempty"`
	Path           string `json:"path,omitempty"`
	// Title is shown on the viewer.
	Title string `json:"title,omitempty"`
	// SandboxID pins the run to an already open sandbox.
	SandboxID string `json:"sandboxId,omitempty"`
}

// StoryKey is the target key of a story.
func StoryKey(storyID string) string {
	return "story:" + storyID
}

// StoryTarget targets one story.
func StoryTarget(repoID, repoURL, repoName, branch, storyID, title, description string) Target {
	return Target{
		Key:            StoryKey(storyID),
		RepositoryID:   repoID,
		RepositoryURL:  repoURL,
		RepositoryName: repoName,
		Branch:         branch,
		StoryID:        storyID,
		StoryTitle:     title,
		Description:    description,
		Title:          title,
	}
}

// RepositoryTarget targets a whole repository.
func RepositoryTarget(repoID, repoURL, repoName, branch string) Target {
	return Target{
		Key:            "repo:" + repoID,
		RepositoryID:   repoID,
		RepositoryURL:  repoURL,
		RepositoryName: repoName,
		Branch:         branch,
		Title:          repoName,
	}
}

// FileTarget targets one file in a repository.
func FileTarget(repoID, repoURL, repoName, branch, path string) Target {
	t := RepositoryTarget(repoID, repoURL, repoName, branch)
	t.Key = "file:" + repoID + ":" + path
	t.Path = path
	t.Title = repoName + ": " + path
	return t
}

// implementationContext is the sandbox binding for story targets.
func (t Target) implementationContext() *sandbox.ImplementationContext {
	if t.StoryID == "" {
		return nil
	}
	return &sandbox.ImplementationContext{
		RepositoryID:   t.RepositoryID,
		RepositoryName: t.RepositoryName,
		DefaultBranch:  t.Branch,
		StoryTitle:     t.StoryTitle,
		StoryID:        t.StoryID,
	}
}

// Flow is one kind of agent job.
type Flow interface {
	Name() string
	Prompt(t Target) (string, error)
	// Accept is the readiness predicate applied to stable answers. A nil
	// predicate accepts anything.
	Accept() func(content string) bool
	Deadline() time.Duration
	Parse(raw string) (any, error)
	Save(ctx context.Context, t Target, parsed any) error
	// DestroyOnComplete tears the sandbox down after a successful save.
	DestroyOnComplete() bool
}

func renderPrompt(name string, t Target) (string, error) {
	var buf bytes.Buffer
	templateName := name + ".gotmpl"
	if err := prompts.ExecuteTemplate(&buf, templateName, t); err != nil {
		return "", fmt.Errorf("execute prompt template %q: %w", templateName, err)
	}
	return buf.String(), nil
}
