package backlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/deckhand/internal/db"
)

// Kind is the level of a work item in the hierarchy.
type Kind string

const (
	KindEpic    Kind = "epic"
	KindFeature Kind = "feature"
	KindStory   Kind = "story"
)

var (
	// ErrNotFound is returned for unknown work item ids.
	ErrNotFound = errors.New("work item not found")
	// ErrDone is returned when a write would move an item out of done.
	ErrDone = errors.New("work item is done")
)

// Item is a stored epic, feature or story.
type Item struct {
	ID           string
	Kind         Kind
	ParentID     string
	RepositoryID string
	Title        string
	Description  string
	Status       Status
	PRURL        string
	ReadyForPR   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	RepositoryID string
	Kind         Kind
	Status       Status
	ParentID     string
}

// Store persists work items in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a work item store.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

const itemColumns = `id, kind, COALESCE(parent_id, ''), repository_id, title, description, status, COALESCE(pr_url, ''), ready_for_pr, created_at, updated_at`

// Add inserts an item in backlog status and returns it with its id.
func (s *Store) Add(ctx context.Context, item Item) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, fmt.Errorf("begin add item: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := addItem(ctx, tx, item)
	if err != nil {
		return Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return Item{}, fmt.Errorf("commit add item: %w", err)
	}
	return out, nil
}

func addItem(ctx context.Context, tx *sql.Tx, item Item) (Item, error) {
	if strings.TrimSpace(item.Title) == "" {
		return Item{}, errors.New("add item: title is required")
	}
	if err := checkParent(ctx, tx, item); err != nil {
		return Item{}, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusBacklog
	}
	now := db.Now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_items(id, kind, parent_id, repository_id, title, description, status, pr_url, ready_for_pr, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, db.NullString(item.ParentID), item.RepositoryID, item.Title, item.Description,
		item.Status, db.NullString(item.PRURL), item.ReadyForPR, now, now); err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	item.CreatedAt = db.ParseTime(now)
	item.UpdatedAt = item.CreatedAt
	return item, nil
}

func checkParent(ctx context.Context, tx *sql.Tx, item Item) error {
	var want Kind
	switch item.Kind {
	case KindEpic:
		if item.ParentID != "" {
			return errors.New("add item: an epic cannot have a parent")
		}
		return nil
	case KindFeature:
		want = KindEpic
	case KindStory:
		if item.ParentID == "" {
			return nil
		}
		want = KindFeature
	default:
		return fmt.Errorf("add item: unknown kind %q", item.Kind)
	}
	if item.ParentID == "" {
		return fmt.Errorf("add item: a %s needs a parent %s", item.Kind, want)
	}
	var kind string
	err := tx.QueryRowContext(ctx, `SELECT kind FROM work_items WHERE id=?`, item.ParentID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("add item: parent %s: %w", item.ParentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read parent: %w", err)
	}
	if Kind(kind) != want {
		return fmt.Errorf("add item: parent of a %s must be a %s, got %s", item.Kind, want, kind)
	}
	return nil
}

// Get fetches one item.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("get item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Item{}, fmt.Errorf("read item: %w", err)
	}
	return item, nil
}

// List returns items matching f in creation order.
func (s *Store) List(ctx context.Context, f Filter) ([]Item, error) {
	var where []string
	var args []any
	if f.RepositoryID != "" {
		where = append(where, "repository_id=?")
		args = append(args, f.RepositoryID)
	}
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		// status is filtered after parsing so legacy spellings match
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

// Children returns the direct children of parentID.
func (s *Store) Children(ctx context.Context, parentID string) ([]Item, error) {
	return s.List(ctx, Filter{ParentID: parentID})
}

// ListPendingReview returns items waiting on a pull request.
func (s *Store) ListPendingReview(ctx context.Context) ([]Item, error) {
	items, err := s.List(ctx, Filter{Status: StatusPendingReview})
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.PRURL != "" {
			out = append(out, it)
		}
	}
	return out, nil
}

// SetStatus stores a new status. Moving an item out of done fails with ErrDone.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, func(item *Item) error {
		if item.Status.Terminal() && status != StatusDone {
			return ErrDone
		}
		item.Status = status
		return nil
	})
}

// SetReadyForPR toggles the ready-for-PR flag.
func (s *Store) SetReadyForPR(ctx context.Context, id string, ready bool) error {
	return s.update(ctx, id, func(item *Item) error {
		item.ReadyForPR = ready
		return nil
	})
}

// RecordPR stores the PR URL, moves the item to pending review and clears the ready flag.
func (s *Store) RecordPR(ctx context.Context, id, prURL string) error {
	if strings.TrimSpace(prURL) == "" {
		return errors.New("record pr: url is required")
	}
	return s.update(ctx, id, func(item *Item) error {
		if item.Status.Terminal() {
			return ErrDone
		}
		item.PRURL = prURL
		item.Status = StatusPendingReview
		item.ReadyForPR = false
		return nil
	})
}

// Delete removes an item and its descendants.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Item) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update item: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read item: %w", err)
	}
	if err := mutate(&item); err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, pr_url=?, ready_for_pr=?, updated_at=? WHERE id=?`,
		item.Status, db.NullString(item.PRURL), item.ReadyForPR, db.Now(), id); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update item: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var item Item
	var kind, status, created, updated string
	if err := row.Scan(&item.ID, &kind, &item.ParentID, &item.RepositoryID, &item.Title, &item.Description,
		&status, &item.PRURL, &item.ReadyForPR, &created, &updated); err != nil {
		return Item{}, err
	}
	item.Kind = Kind(kind)
	parsed, err := ParseStatus(status)
	if err != nil {
		return Item{}, err
	}
	item.Status = parsed
	item.CreatedAt = db.ParseTime(created)
	item.UpdatedAt = db.ParseTime(updated)
	return item, nil
}
