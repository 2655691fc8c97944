package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "state", "deckhand.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn)
}

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()

	store := openTestDB(t)
	v, err := SchemaVersion(store.DB())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v < 1 {
		t.Fatalf("schema version = %d, want >= 1", v)
	}

	for _, table := range []string{"work_items", "sandbox_contexts", "flow_runs", "flow_events", "analyses"} {
		var name string
		err := store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestRunLifecycleRecordsEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestDB(t)

	if err := store.CreateRun(ctx, FlowRun{ID: "run-1", Flow: "generate_backlog", TargetKey: "repo:acme", State: "idle"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	err := store.UpdateRun(ctx, "run-1", RunUpdate{
		State:          "waiting_response",
		SandboxID:      "sb-1",
		BridgeEndpoint: "http://sb-1:9000",
		BaselineTurnID: "41",
	}, &Event{Type: "transition", Message: "sending -> waiting_response"})
	if err != nil {
		t.Fatalf("update run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != "waiting_response" || run.BaselineTurnID != "41" || run.SandboxID != "sb-1" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.CreatedAt.IsZero() || run.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not parsed: %+v", run)
	}

	events, err := store.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != "run_started" || events[1].Seq != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}

	waiting, err := store.ListRuns(ctx, "waiting_response")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != "run-1" {
		t.Fatalf("waiting runs = %+v", waiting)
	}
}

func TestMissingRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestDB(t)

	if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("get err = %v, want ErrRunNotFound", err)
	}
	if err := store.UpdateRun(ctx, "nope", RunUpdate{State: "error"}, nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("update err = %v, want ErrRunNotFound", err)
	}
}
