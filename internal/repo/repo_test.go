package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"flowlens/internal/db"
	"flowlens/internal/domain"
	"flowlens/internal/migrate"
	"flowlens/internal/repo"
	"flowlens/internal/store"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func snapshotOn(id string, day int) domain.Snapshot {
	return domain.Snapshot{
		ID:   id,
		Date: time.Date(2024, 1, day, 9, 0, 0, 0, time.UTC),
		Columns: map[domain.CardStatus][]domain.Item{
			domain.StatusReady: {{ID: "US-1", Title: "Login", Type: domain.ItemUserStory}},
			domain.StatusDone:  {{ID: "T-2", Title: "Fix", Type: domain.ItemTask}},
		},
		WIP:     map[domain.CardStatus]domain.WIPReading{domain.StatusReady: {Current: 1, Limit: 3}},
		Blocked: 2,
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	v1, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 || v1 < 2 {
		t.Fatalf("unexpected versions %d %d", v1, v2)
	}
}

func TestSnapshotRoundTripAndOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, s := range []domain.Snapshot{snapshotOn("s3", 3), snapshotOn("s1", 1), snapshotOn("s2", 2)} {
		if err := r.SaveSnapshot(ctx, s); err != nil {
			t.Fatalf("save %s: %v", s.ID, err)
		}
	}
	all, err := r.ListSnapshots(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "s1" || all[2].ID != "s3" {
		t.Fatalf("unexpected order: %+v", all)
	}
	got := all[0]
	if !got.Date.Equal(snapshotOn("s1", 1).Date) || got.Blocked != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.Count(domain.StatusReady) != 1 || got.Columns[domain.StatusDone][0].Type != domain.ItemTask {
		t.Fatalf("columns not restored: %+v", got.Columns)
	}
	if got.WIP[domain.StatusReady] != (domain.WIPReading{Current: 1, Limit: 3}) {
		t.Fatalf("wip not restored: %+v", got.WIP)
	}

	since, err := r.ListSnapshots(ctx, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 snapshots since Jan 2, got %d", len(since))
	}
}

func TestSaveSnapshotReplacesSameDay(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	morning := snapshotOn("morning", 4)
	evening := snapshotOn("evening", 4)
	evening.Date = evening.Date.Add(8 * time.Hour)
	evening.Blocked = 5
	for _, s := range []domain.Snapshot{snapshotOn("prev", 3), morning, evening} {
		if err := r.SaveSnapshot(ctx, s); err != nil {
			t.Fatalf("save %s: %v", s.ID, err)
		}
	}
	all, err := r.ListSnapshots(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "prev" || all[1].ID != "evening" || all[1].Blocked != 5 {
		t.Fatalf("expected prev and evening only, got %+v", all)
	}
}

func TestPruneSnapshots(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := r.SaveSnapshot(ctx, snapshotOn(string(rune('a'+i)), i)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := r.PruneSnapshots(ctx, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	n, err = r.PruneSnapshots(ctx, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 0 {
		t.Fatalf("second prune: n=%d err=%v", n, err)
	}
	evts, err := r.LatestEvents(ctx, store.EventFilter{Type: store.EventSnapshotsPruned})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one prune event, got %d", len(evts))
	}
}

func TestAnalysisRuns(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	payload, _ := json.Marshal(map[string]any{"analysis": "ok"})
	first := store.AnalysisRun{ID: "run-1", CreatedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Kind: "global", Provider: "simulation", MaxSeverity: domain.SeverityInfo, Payload: payload}
	second := store.AnalysisRun{ID: "run-2", CreatedAt: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), Kind: "full", MaxSeverity: domain.SeverityCritical, Payload: payload}
	for _, run := range []store.AnalysisRun{first, second} {
		if err := r.SaveAnalysis(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := r.ListAnalyses(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	got, err := r.GetAnalysis(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != "simulation" || string(got.Payload) != string(payload) || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("unexpected run: %+v", got)
	}
	if _, err := r.GetAnalysis(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	evts, err := r.LatestEvents(ctx, store.EventFilter{EntityKind: "analysis", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].EntityID != "run-2" || evts[0].Type != store.EventAnalysisCompleted {
		t.Fatalf("unexpected events: %+v", evts)
	}
	older, err := r.LatestEvents(ctx, store.EventFilter{EntityKind: "analysis", Before: evts[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].EntityID != "run-1" {
		t.Fatalf("unexpected older events: %+v", older)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key, plain, err := r.CreateAPIKey(ctx, "ops-bot", "ci")
	if err != nil {
		t.Fatal(err)
	}
	if key.KeyHash == plain || key.KeyHash != repo.HashAPIKey(plain) {
		t.Fatalf("key must be stored hashed")
	}
	principal, err := r.VerifyAPIKey(ctx, plain)
	if err != nil || principal != "ops-bot" {
		t.Fatalf("verify: %q %v", principal, err)
	}
	if _, err := r.VerifyAPIKey(ctx, "fl_wrong"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	keys, err := r.ListAPIKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v %v", keys, err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
