package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metalagman/deckhand/internal/backlog"
)

// Flow names, persisted in flow_runs.flow.
const (
	FlowImplementStory    = "implement_story"
	FlowGenerateBacklog   = "generate_backlog"
	FlowAnalyzeRepository = "analyze_repository"
	FlowAnalyzeFile       = "analyze_file"
)

// ReadyMarker records that a story's implementation is ready for a PR.
type ReadyMarker interface {
	SetReadyForPR(ctx context.Context, id string, ready bool) error
}

// TreeWriter stores a generated backlog.
type TreeWriter interface {
	AddTree(ctx context.Context, repositoryID string, epics []backlog.EpicDraft) (backlog.TreeResult, error)
}

// AnalysisWriter stores an analysis.
type AnalysisWriter interface {
	Save(ctx context.Context, a Analysis) (Analysis, error)
}

// ImplementStory asks the agent to implement a story. Any stable answer
// counts; saving raises the story's ready-for-PR flag.
type ImplementStory struct {
	Stories ReadyMarker
	Timeout time.Duration
}

func (f *ImplementStory) Name() string { return FlowImplementStory }

func (f *ImplementStory) Prompt(t Target) (string, error) {
	if t.StoryID == "" {
		return "", errors.New("implement story: target has no story")
	}
	return renderPrompt(f.Name(), t)
}

func (f *ImplementStory) Accept() func(string) bool { return nil }

func (f *ImplementStory) Deadline() time.Duration { return f.Timeout }

func (f *ImplementStory) Parse(raw string) (any, error) {
	return strings.TrimSpace(raw), nil
}

func (f *ImplementStory) Save(ctx context.Context, t Target, _ any) error {
	if err := f.Stories.SetReadyForPR(ctx, t.StoryID, true); err != nil {
		return fmt.Errorf("mark story ready for pr: %w", err)
	}
	return nil
}

func (f *ImplementStory) DestroyOnComplete() bool { return false }

// GenerateBacklog asks the agent for an epic/feature/story tree and stores it.
type GenerateBacklog struct {
	Items   TreeWriter
	Timeout time.Duration
}

type backlogDoc struct {
	Epics []backlog.EpicDraft `json:"epics" yaml:"epics"`
}

func (f *GenerateBacklog) Name() string { return FlowGenerateBacklog }

func (f *GenerateBacklog) Prompt(t Target) (string, error) {
	return renderPrompt(f.Name(), t)
}

func (f *GenerateBacklog) Accept() func(string) bool { return HasStructuredBlock }

func (f *GenerateBacklog) Deadline() time.Duration { return f.Timeout }

// Parse accepts either {epics: [...]} or a bare list of epics.
func (f *GenerateBacklog) Parse(raw string) (any, error) {
	var doc backlogDoc
	if err := decodeBlock(raw, &doc); err != nil {
		var list []backlog.EpicDraft
		if lerr := decodeBlock(raw, &list); lerr != nil {
			return nil, err
		}
		doc.Epics = list
	}
	if len(doc.Epics) == 0 {
		return nil, &ParseError{Raw: raw, Err: errors.New("no epics in backlog")}
	}
	for i, e := range doc.Epics {
		if strings.TrimSpace(e.Title) == "" {
			return nil, &ParseError{Raw: raw, Err: fmt.Errorf("epic %d has no title", i+1)}
		}
		for j, ft := range e.Features {
			if strings.TrimSpace(ft.Title) == "" {
				return nil, &ParseError{Raw: raw, Err: fmt.Errorf("feature %d of epic %q has no title", j+1, e.Title)}
			}
			for k, st := range ft.Stories {
				if strings.TrimSpace(st.Title) == "" {
					return nil, &ParseError{Raw: raw, Err: fmt.Errorf("story %d of feature %q has no title", k+1, ft.Title)}
				}
			}
		}
	}
	return doc.Epics, nil
}

func (f *GenerateBacklog) Save(ctx context.Context, t Target, parsed any) error {
	epics, ok := parsed.([]backlog.EpicDraft)
	if !ok {
		return fmt.Errorf("save backlog: unexpected %T", parsed)
	}
	res, err := f.Items.AddTree(ctx, t.RepositoryID, epics)
	if err != nil {
		return fmt.Errorf("save backlog: %w", err)
	}
	logger(f.Name()).Info().
		Str("repository_id", t.RepositoryID).
		Int("epics", res.Epics).
		Int("features", res.Features).
		Int("stories", res.Stories).
		Msg("backlog saved")
	return nil
}

func (f *GenerateBacklog) DestroyOnComplete() bool { return false }

// Analyze asks the agent for a summary and findings about a repository or,
// when File is set, a single file. The sandbox is torn down afterwards.
type Analyze struct {
	File     bool
	Analyses AnalysisWriter
	Timeout  time.Duration
}

type analysisDoc struct {
	Summary  string    `json:"summary" yaml:"summary"`
	Findings []Finding `json:"findings" yaml:"findings"`
}

func (f *Analyze) Name() string {
	if f.File {
		return FlowAnalyzeFile
	}
	return FlowAnalyzeRepository
}

func (f *Analyze) Prompt(t Target) (string, error) {
	if f.File && t.Path == "" {
		return "", errors.New("analyze file: target has no path")
	}
	return renderPrompt(f.Name(), t)
}

func (f *Analyze) Accept() func(string) bool { return HasStructuredBlock }

func (f *Analyze) Deadline() time.Duration { return f.Timeout }

func (f *Analyze) Parse(raw string) (any, error) {
	var doc analysisDoc
	if err := decodeBlock(raw, &doc); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Summary) == "" {
		return nil, &ParseError{Raw: raw, Err: errors.New("analysis has no summary")}
	}
	return doc, nil
}

func (f *Analyze) Save(ctx context.Context, t Target, parsed any) error {
	doc, ok := parsed.(analysisDoc)
	if !ok {
		return fmt.Errorf("save analysis: unexpected %T", parsed)
	}
	a, err := f.Analyses.Save(ctx, Analysis{
		RepositoryID: t.RepositoryID,
		Path:         t.Path,
		Summary:      doc.Summary,
		Findings:     doc.Findings,
	})
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	logger(f.Name()).Info().Str("analysis_id", a.ID).Int("findings", len(a.Findings)).Msg("analysis saved")
	return nil
}

func (f *Analyze) DestroyOnComplete() bool { return true }
