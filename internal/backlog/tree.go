package backlog

import (
	"context"
	"fmt"
)

// EpicDraft is a proposed epic with its features, as produced by backlog generation.
type EpicDraft struct {
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Features    []FeatureDraft `json:"features" yaml:"features"`
}

// FeatureDraft is a proposed feature.
type FeatureDraft struct {
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description" yaml:"description"`
	Stories     []StoryDraft `json:"stories" yaml:"stories"`
}

// StoryDraft is a proposed story.
type StoryDraft struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

// TreeResult counts what AddTree inserted.
type TreeResult struct {
	Epics    int
	Features int
	Stories  int
}

// AddTree inserts a whole epic/feature/story hierarchy for a repository in
// one transaction. Every item starts in backlog.
func (s *Store) AddTree(ctx context.Context, repositoryID string, epics []EpicDraft) (TreeResult, error) {
	var res TreeResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin add tree: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range epics {
		epic, err := addItem(ctx, tx, Item{Kind: KindEpic, RepositoryID: repositoryID, Title: e.Title, Description: e.Description})
		if err != nil {
			return TreeResult{}, err
		}
		res.Epics++
		for _, f := range e.Features {
			feature, err := addItem(ctx, tx, Item{Kind: KindFeature, ParentID: epic.ID, RepositoryID: repositoryID, Title: f.Title, Description: f.Description})
			if err != nil {
				return TreeResult{}, err
			}
			res.Features++
			for _, st := range f.Stories {
				if _, err := addItem(ctx, tx, Item{Kind: KindStory, ParentID: feature.ID, RepositoryID: repositoryID, Title: st.Title, Description: st.Description}); err != nil {
					return TreeResult{}, err
				}
				res.Stories++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return TreeResult{}, fmt.Errorf("commit add tree: %w", err)
	}
	return res, nil
}
