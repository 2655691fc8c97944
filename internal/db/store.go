package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const timeLayout = time.RFC3339Nano

var nowFunc = time.Now

// ParseTime parses a timestamp written by Now. Malformed values yield the zero time.
func ParseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ErrRunNotFound is returned when a flow run id is unknown.
var ErrRunNotFound = errors.New("flow run not found")

// FlowRun is a persisted workflow execution.
type FlowRun struct {
	ID             string
	Flow           string
	TargetKey      string
	TargetJSON     string
	SandboxID      string
	BridgeEndpoint string
	State          string
	BaselineTurnID string
	Error          string
	Raw            string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunUpdate carries the mutable columns of a flow run.
type RunUpdate struct {
	State          string
	SandboxID      string
	BridgeEndpoint string
	BaselineTurnID string
	Error          string
	Raw            string
}

// Event is a timeline entry attached to a flow run.
type Event struct {
	Seq      int
	At       time.Time
	Type     string
	Message  string
	DataJSON string
}

// Store persists flow runs and their event timeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a flow run store.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateRun inserts a run in its initial state together with a run_started event.
func (s *Store) CreateRun(ctx context.Context, run FlowRun) error {
	now := Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	targetJSON := run.TargetJSON
	if targetJSON == "" {
		targetJSON = "{}"
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO flow_runs(run_id, flow, target_key, target_json, sandbox_id, bridge_endpoint, state, baseline_turn_id, error, raw, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		run.ID, run.Flow, run.TargetKey, targetJSON, run.SandboxID, run.BridgeEndpoint, run.State, run.BaselineTurnID, now, now); err != nil {
		return fmt.Errorf("insert flow run: %w", err)
	}
	if err := insertEvent(ctx, tx, run.ID, Event{Type: "run_started", Message: run.Flow + " started"}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// UpdateRun writes the new run columns and, if given, appends an event in the same transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, update RunUpdate, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE flow_runs SET state=?, sandbox_id=?, bridge_endpoint=?, baseline_turn_id=?, error=?, raw=?, updated_at=? WHERE run_id=?`,
		update.State, update.SandboxID, update.BridgeEndpoint, update.BaselineTurnID, update.Error, update.Raw, Now(), runID)
	if err != nil {
		return fmt.Errorf("update flow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update flow run %s: %w", runID, ErrRunNotFound)
	}
	if event != nil {
		if err := insertEvent(ctx, tx, runID, *event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update run: %w", err)
	}
	return nil
}

// GetRun loads one flow run.
func (s *Store) GetRun(ctx context.Context, runID string) (FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, flow, target_key, target_json, sandbox_id, bridge_endpoint, state, baseline_turn_id, error, raw, created_at, updated_at
		FROM flow_runs WHERE run_id=?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FlowRun{}, fmt.Errorf("get flow run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return FlowRun{}, fmt.Errorf("get flow run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by state.
func (s *Store) ListRuns(ctx context.Context, state string) ([]FlowRun, error) {
	query := `SELECT run_id, flow, target_key, target_json, sandbox_id, bridge_endpoint, state, baseline_turn_id, error, raw, created_at, updated_at FROM flow_runs`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Events returns a run's timeline in order.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, type, message, COALESCE(data_json, '') FROM flow_events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list flow events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts string
		if err := rows.Scan(&ev.Seq, &ts, &ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan flow event: %w", err)
		}
		ev.At = ParseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (FlowRun, error) {
	var run FlowRun
	var created, updated string
	if err := row.Scan(&run.ID, &run.Flow, &run.TargetKey, &run.TargetJSON, &run.SandboxID, &run.BridgeEndpoint, &run.State,
		&run.BaselineTurnID, &run.Error, &run.Raw, &created, &updated); err != nil {
		return FlowRun{}, err
	}
	run.CreatedAt = ParseTime(created)
	run.UpdatedAt = ParseTime(updated)
	return run, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev Event) error {
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM flow_events WHERE run_id=?`, runID).Scan(&seq); err != nil {
		return fmt.Errorf("read event seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO flow_events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq+1, Now(), ev.Type, ev.Message, NullString(ev.DataJSON)); err != nil {
		return fmt.Errorf("insert flow event: %w", err)
	}
	return nil
}
