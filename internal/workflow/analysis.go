package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/deckhand/internal/db"
)

// Finding is one observation from an analysis.
type Finding struct {
	Severity string `json:"severity" yaml:"severity"`
	Title    string `json:"title" yaml:"title"`
	Detail   string `json:"detail,omitempty" yaml:"detail"`
	Path     string `json:"path,omitempty" yaml:"path"`
	Line     int    `json:"line,omitempty" yaml:"line"`
}

// Analysis is a stored repository or file analysis.
type Analysis struct {
	ID           string
	RepositoryID string
	Path         string
	Summary      string
	Findings     []Finding
	CreatedAt    time.Time
}

// AnalysisStore persists analyses.
type AnalysisStore struct {
	db *sql.DB
}

func NewAnalysisStore(conn *sql.DB) *AnalysisStore {
	return &AnalysisStore{db: conn}
}

// Save inserts a. Empty ids are generated.
func (s *AnalysisStore) Save(ctx context.Context, a Analysis) (Analysis, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Findings == nil {
		a.Findings = []Finding{}
	}
	findings, err := json.Marshal(a.Findings)
	if err != nil {
		return Analysis{}, fmt.Errorf("encode findings: %w", err)
	}
	now := db.Now()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO analyses(id, repository_id, path, summary, findings_json, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		a.ID, a.RepositoryID, a.Path, a.Summary, string(findings), now); err != nil {
		return Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	a.CreatedAt = db.ParseTime(now)
	return a, nil
}

// List returns a repository's analyses, newest first.
func (s *AnalysisStore) List(ctx context.Context, repositoryID string) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, repository_id, path, summary, findings_json, created_at FROM analyses WHERE repository_id=? ORDER BY created_at DESC`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		var findings, created string
		if err := rows.Scan(&a.ID, &a.RepositoryID, &a.Path, &a.Summary, &findings, &created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		if err := json.Unmarshal([]byte(findings), &a.Findings); err != nil {
			return nil, fmt.Errorf("decode findings of %s: %w", a.ID, err)
		}
		a.CreatedAt = db.ParseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
