package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metalagman/deckhand/internal/db"
)

// Record is the persisted binding of a sandbox to a viewer, kept so open
// viewers can be restored after a restart.
type Record struct {
	SandboxID       string
	Title           string
	BridgeEndpoint  string
	DisplayEndpoint string
	Context         *ImplementationContext
	CreatedAt       time.Time
}

// Records persists sandbox context records.
type Records interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sandboxID string) error
	List(ctx context.Context) ([]Record, error)
}

// ContextStore keeps records in the sandbox_contexts table.
type ContextStore struct {
	db *sql.DB
}

// NewContextStore creates a SQLite-backed record store.
func NewContextStore(conn *sql.DB) *ContextStore {
	return &ContextStore{db: conn}
}

// Save inserts or replaces the record for rec.SandboxID.
func (s *ContextStore) Save(ctx context.Context, rec Record) error {
	var ctxJSON any
	if rec.Context != nil {
		raw, err := json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("marshal implementation context: %w", err)
		}
		ctxJSON = string(raw)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sandbox_contexts(sandbox_id, title, bridge_endpoint, display_endpoint, context_json, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(sandbox_id) DO UPDATE SET title=excluded.title, bridge_endpoint=excluded.bridge_endpoint,
			display_endpoint=excluded.display_endpoint, context_json=excluded.context_json`,
		rec.SandboxID, rec.Title, rec.BridgeEndpoint, rec.DisplayEndpoint, ctxJSON, db.Now()); err != nil {
		return fmt.Errorf("save sandbox context: %w", err)
	}
	return nil
}

// Delete removes the record for sandboxID. Missing records are not an error.
func (s *ContextStore) Delete(ctx context.Context, sandboxID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_contexts WHERE sandbox_id=?`, sandboxID); err != nil {
		return fmt.Errorf("delete sandbox context: %w", err)
	}
	return nil
}

// List returns all records, oldest first.
func (s *ContextStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sandbox_id, title, bridge_endpoint, display_endpoint, COALESCE(context_json, ''), created_at
		FROM sandbox_contexts ORDER BY created_at, sandbox_id`)
	if err != nil {
		return nil, fmt.Errorf("query sandbox contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var ctxJSON, created string
		if err := rows.Scan(&rec.SandboxID, &rec.Title, &rec.BridgeEndpoint, &rec.DisplayEndpoint, &ctxJSON, &created); err != nil {
			return nil, fmt.Errorf("scan sandbox context: %w", err)
		}
		if ctxJSON != "" {
			rec.Context = &ImplementationContext{}
			if err := json.Unmarshal([]byte(ctxJSON), rec.Context); err != nil {
				return nil, fmt.Errorf("parse implementation context for %s: %w", rec.SandboxID, err)
			}
		}
		rec.CreatedAt = db.ParseTime(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandbox contexts: %w", err)
	}
	return out, nil
}
