// Package reconcile keeps story status in step with sandboxes and pull
// requests.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/git"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/metalagman/deckhand/internal/tracker"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/rs/zerolog"
)

var (
	// ErrNotStory is returned when a story operation gets an epic or feature.
	ErrNotStory = errors.New("work item is not a story")
	// ErrNoSandbox is returned when a story has no open sandbox to push from.
	ErrNoSandbox = errors.New("no open sandbox for story")
	// ErrAgentNotConfigured is returned when implementation is requested
	// without a usable agent configuration.
	ErrAgentNotConfigured = errors.New("agent not configured")
)

// Runner executes a workflow flow.
type Runner interface {
	Run(ctx context.Context, t workflow.Target, f workflow.Flow) (workflow.Outcome, error)
	Busy(targetKey string) bool
}

// Service owns the status write paths for stories.
type Service struct {
	items     *backlog.Store
	tracker   tracker.Tracker
	registry  *sandbox.Registry
	runner    Runner
	implement workflow.Flow
	agent     *config.AgentConfig
	quota     *sandbox.Quota

	defaultBranch func(ctx context.Context, remoteURL string) (string, error)
	logger        zerolog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDefaultBranch replaces the remote default branch lookup.
func WithDefaultBranch(fn func(ctx context.Context, remoteURL string) (string, error)) ServiceOption {
	return func(s *Service) { s.defaultBranch = fn }
}

// WithAgent makes Implement refuse to start while agent is incomplete.
func WithAgent(agent config.AgentConfig) ServiceOption {
	return func(s *Service) { s.agent = &agent }
}

// WithQuota makes Implement refuse stories that would need a sandbox while
// the quota is full.
func WithQuota(q *sandbox.Quota) ServiceOption {
	return func(s *Service) { s.quota = q }
}

// NewService creates a Service. implement is the flow Implement runs.
func NewService(items *backlog.Store, tr tracker.Tracker, registry *sandbox.Registry, runner Runner, implement workflow.Flow, opts ...ServiceOption) *Service {
	s := &Service{
		items:         items,
		tracker:       tr,
		registry:      registry,
		runner:        runner,
		implement:     implement,
		defaultBranch: git.DefaultBranch,
		logger:        logging.Component("reconcile"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start describes how implementation of a story begins.
type Start struct {
	Story backlog.Item
	// Branch is the existing PR head branch when Continuing, else empty.
	Branch     string
	Continuing bool
}

// StartImplementation prepares a story for work. Without a PR the story
// moves to in progress. With a PR the stored status is left alone and the
// PR's head branch is returned so the agent keeps working on it.
func (s *Service) StartImplementation(ctx context.Context, storyID string) (Start, error) {
	item, err := s.story(ctx, storyID)
	if err != nil {
		return Start{}, err
	}
	if item.Status.Terminal() {
		return Start{}, fmt.Errorf("start implementation of %s: %w", storyID, backlog.ErrDone)
	}
	if item.PRURL != "" {
		branch, err := s.tracker.PRHeadBranch(ctx, item.PRURL)
		if err != nil {
			return Start{}, fmt.Errorf("read head branch of %s: %w", item.PRURL, err)
		}
		return Start{Story: item, Branch: branch, Continuing: true}, nil
	}
	if err := s.items.SetStatus(ctx, storyID, backlog.StatusInProgress); err != nil {
		return Start{}, err
	}
	item.Status = backlog.StatusInProgress
	return Start{Story: item}, nil
}

// CheckImplement reports why Implement would be refused right now. It
// writes nothing, so a refused story keeps its stored status.
func (s *Service) CheckImplement(ctx context.Context, storyID string) error {
	item, err := s.story(ctx, storyID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return fmt.Errorf("implement %s: %w", storyID, backlog.ErrDone)
	}
	if s.agent != nil {
		if err := s.agent.Validate(); err != nil {
			return fmt.Errorf("implement %s: %w: %w", storyID, ErrAgentNotConfigured, err)
		}
	}
	if s.runner.Busy(workflow.StoryKey(storyID)) {
		return fmt.Errorf("implement %s: %w", storyID, workflow.ErrTargetBusy)
	}
	if s.quota != nil && s.quota.Full() && !s.registry.BoundToStory(storyID) {
		return fmt.Errorf("implement %s: %w: %d of %d open", storyID, sandbox.ErrQuotaExceeded, s.quota.InUse(), s.quota.Max())
	}
	return nil
}

// Implement starts a story and runs the implementation flow for it. The
// checks of CheckImplement run before the story moves to in progress.
func (s *Service) Implement(ctx context.Context, storyID string) (workflow.Outcome, error) {
	if err := s.CheckImplement(ctx, storyID); err != nil {
		return workflow.Outcome{}, err
	}
	start, err := s.StartImplementation(ctx, storyID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	item := start.Story
	repoURL := RepositoryURL(item.RepositoryID)
	branch := start.Branch
	if branch == "" {
		if branch, err = s.defaultBranch(ctx, repoURL); err != nil {
			s.logger.Warn().Err(err).Str("repo", repoURL).Msg("default branch lookup failed, using the sandbox default")
			branch = ""
		}
	}
	t := workflow.StoryTarget(item.RepositoryID, repoURL, git.RepoName(repoURL), branch, item.ID, item.Title, item.Description)
	s.logger.Info().Str("story_id", item.ID).Str("branch", branch).Bool("continuing", start.Continuing).Msg("implementation started")
	return s.runner.Run(ctx, t, s.implement)
}

// MarkReadyForPR raises the story's ready-for-PR flag.
func (s *Service) MarkReadyForPR(ctx context.Context, storyID string) error {
	if _, err := s.story(ctx, storyID); err != nil {
		return err
	}
	return s.items.SetReadyForPR(ctx, storyID, true)
}

// PROptions describes the pull request to open for a story.
type PROptions struct {
	Title       string
	Body        string
	Credentials *bridge.Credentials
}

// PushAndCreatePR pushes the story's sandbox checkout and records the pull
// request. When the bridge pushes without opening a PR, the tracker opens it.
func (s *Service) PushAndCreatePR(ctx context.Context, storyID string, opts PROptions) (string, error) {
	item, err := s.story(ctx, storyID)
	if err != nil {
		return "", err
	}
	if item.Status.Terminal() {
		return "", fmt.Errorf("push story %s: %w", storyID, backlog.ErrDone)
	}
	viewer, ok := s.registry.ForStory(storyID)
	if !ok {
		return "", fmt.Errorf("push story %s: %w", storyID, ErrNoSandbox)
	}

	branch := git.StoryBranch(item.ID, item.Title)
	if item.PRURL != "" {
		if head, err := s.tracker.PRHeadBranch(ctx, item.PRURL); err == nil && head != "" {
			branch = head
		}
	}
	title := opts.Title
	if title == "" {
		title = item.Title
	}
	body := opts.Body
	if body == "" {
		body = item.Description
	}

	res, err := bridge.New(viewer.BridgeEndpoint).PushAndCreatePR(ctx, bridge.PushRequest{
		BranchName:    branch,
		CommitMessage: title,
		PRTitle:       title,
		PRBody:        body,
		Credentials:   opts.Credentials,
	})
	if err != nil {
		return "", fmt.Errorf("push story %s: %w", storyID, err)
	}
	if res.Branch != "" {
		branch = res.Branch
	}

	prURL := strings.TrimSpace(res.PRURL)
	switch {
	case prURL != "":
	case item.PRURL != "":
		prURL = item.PRURL
	default:
		base := ""
		if viewer.Context != nil {
			base = viewer.Context.DefaultBranch
		}
		prURL, err = s.tracker.CreatePR(ctx, tracker.CreatePROptions{
			Repo:  repoSlug(item.RepositoryID),
			Title: title,
			Body:  body,
			Head:  branch,
			Base:  base,
		})
		if err != nil {
			return "", fmt.Errorf("create pr for story %s: %w", storyID, err)
		}
	}

	if err := s.items.RecordPR(ctx, storyID, prURL); err != nil {
		return "", err
	}
	s.logger.Info().Str("story_id", storyID).Str("branch", branch).Str("pr_url", prURL).Msg("pull request recorded")
	return prURL, nil
}

// BoardItem is a work item with its derived status.
type BoardItem struct {
	backlog.Item
	Effective   backlog.Status
	SandboxOpen bool
}

// Board lists a repository's items with their effective status. An empty
// repositoryID lists everything.
func (s *Service) Board(ctx context.Context, repositoryID string) ([]BoardItem, error) {
	items, err := s.items.List(ctx, backlog.Filter{RepositoryID: repositoryID})
	if err != nil {
		return nil, err
	}
	out := make([]BoardItem, 0, len(items))
	for _, it := range items {
		open := it.Kind == backlog.KindStory && s.registry.BoundToStory(it.ID)
		out = append(out, BoardItem{
			Item:        it,
			Effective:   backlog.Effective(it.Status, it.PRURL, open),
			SandboxOpen: open,
		})
	}
	return out, nil
}

func (s *Service) story(ctx context.Context, id string) (backlog.Item, error) {
	item, err := s.items.Get(ctx, id)
	if err != nil {
		return backlog.Item{}, err
	}
	if item.Kind != backlog.KindStory {
		return backlog.Item{}, fmt.Errorf("%s is a %s: %w", id, item.Kind, ErrNotStory)
	}
	return item, nil
}

// RepositoryURL turns a repository id into a clone URL. Ids that are
// already URLs pass through; owner/name ids are resolved on GitHub.
func RepositoryURL(repositoryID string) string {
	id := strings.TrimSpace(repositoryID)
	if strings.Contains(id, "://") || strings.HasPrefix(id, "git@") {
		return id
	}
	return "https://github.com/" + strings.Trim(id, "/")
}

func repoSlug(repositoryID string) string {
	owner, name, err := tracker.ParseRepo(RepositoryURL(repositoryID))
	if err != nil {
		return repositoryID
	}
	return owner + "/" + name
}
