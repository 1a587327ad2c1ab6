package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "narrations.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendRun(ctx, "run", "key", RunStateRunning); err != nil {
		t.Fatalf("append run on ephemeral store: %v", err)
	}
	runs, err := es.ListRuns(ctx, "", 10)
	if err != nil || runs != nil {
		t.Fatalf("expected no runs, got %v, %v", runs, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendRun(ctx, "run-1", "tab-1", RunStateRunning); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "run-1", Type: "audio", ChunkIndex: 2, AudioBytes: 512, Detail: "mp3"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.UpdateRun(ctx, "run-1", RunStateCompleted, 1); err != nil {
		t.Fatalf("update run: %v", err)
	}

	events, err := es.ListRunEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ChunkIndex != 2 || events[0].AudioBytes != 512 || events[0].Detail != "mp3" {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	run, err := es.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != RunStateCompleted || run.Chunks != 1 || run.SessionKey != "tab-1" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestAppendEventRequiresRun(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{RunID: "missing", Type: "status"}); err == nil {
		t.Fatalf("expected foreign key violation")
	}
	if err := es.UpdateRun(context.Background(), "missing", RunStateFailed, 0); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestListRunsByKey(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	for i, id := range []string{"a1", "b1", "a2"} {
		es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, i, 0, 0, time.UTC) }
		key := id[:1]
		if err := es.AppendRun(ctx, id, key, RunStateRunning); err != nil {
			t.Fatalf("append run: %v", err)
		}
	}
	runs, err := es.ListRuns(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "a2" || runs[1].RunID != "a1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	all, err := es.ListRuns(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d (%v)", len(all), err)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRuns: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRun(ctx, "old-run", "tab", RunStateCompleted); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "old-run", Type: "complete"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"new-1", "new-2"} {
		if err := es.AppendRun(ctx, id, "tab", RunStateRunning); err != nil {
			t.Fatalf("append run: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRunEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old run events pruned")
	}
	runs, err := es.ListRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "new-2" {
		t.Fatalf("expected only newest run kept, got %+v", runs)
	}
}
