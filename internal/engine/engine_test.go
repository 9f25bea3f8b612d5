package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"flowlens/internal/ai"
	"flowlens/internal/config"
	"flowlens/internal/db"
	"flowlens/internal/domain"
	"flowlens/internal/engine"
	"flowlens/internal/migrate"
	"flowlens/internal/repo"
	"flowlens/internal/store"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn, Now: func() time.Time { return day0 }}
	eng := engine.New(cfg, r, nil)
	eng.Now = func() time.Time { return day0 }
	t.Cleanup(func() { _ = eng.Close() })
	return testEnv{Engine: eng, Repo: r, Ctx: ctx}
}

func board(review int) string {
	text := "## 🔄 IN PROGRESS (WIP: 1/3)\n- [ ] **[US-1]** Checkout\n## 👀 REVIEW\n"
	for i := 0; i < review; i++ {
		text += "- [ ] **[T-" + string(rune('a'+i)) + "]** Review item\n"
	}
	return text + "## ✔️ DONE\n- [ ] **[US-9]** Login\n"
}

func TestRecordBoardPersistsAndReloads(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordBoard(env.Ctx, board(i), day0.AddDate(0, 0, i)); err != nil {
			t.Fatalf("record day %d: %v", i, err)
		}
	}
	if n := len(env.Engine.Snapshots()); n != 3 {
		t.Fatalf("expected 3 snapshots in memory, got %d", n)
	}
	report := env.Engine.Report()
	if report.Snapshots != 3 || report.Status != "ok" {
		t.Fatalf("unexpected report: %+v", report)
	}

	fresh := engine.New(config.Default(), env.Repo, nil)
	n, err := fresh.LoadHistory(env.Ctx)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 reloaded snapshots, got %d", n)
	}
	latest := fresh.Snapshots()[2]
	if latest.Count(domain.StatusReview) != 2 {
		t.Fatalf("expected 2 review items in latest snapshot, got %d", latest.Count(domain.StatusReview))
	}

	runs, err := env.Engine.Analyses(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(runs) != 3 || runs[0].Kind != engine.KindMetrics {
		t.Fatalf("expected one metrics run per snapshot, got %+v", runs)
	}
}

func TestRecordBoardSameDayReplaces(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordBoard(env.Ctx, board(i), day0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record save %d: %v", i, err)
		}
	}
	snaps := env.Engine.Snapshots()
	if len(snaps) != 1 || snaps[0].Count(domain.StatusReview) != 2 {
		t.Fatalf("expected the last save of the day only, got %+v", snaps)
	}
	stored, err := env.Repo.ListSnapshots(env.Ctx, time.Time{})
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != snaps[0].ID {
		t.Fatalf("expected store to match history, got %+v", stored)
	}
}

func TestRecordSnapshotPrunesStore(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.RetentionDays = 30
	env := newTestEnv(t, cfg)

	if _, err := env.Engine.RecordSnapshot(env.Ctx, domain.Snapshot{Date: day0}); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if _, err := env.Engine.RecordSnapshot(env.Ctx, domain.Snapshot{Date: day0.AddDate(0, 0, 45)}); err != nil {
		t.Fatalf("record new: %v", err)
	}
	if n := len(env.Engine.Snapshots()); n != 1 {
		t.Fatalf("expected 1 snapshot in memory, got %d", n)
	}
	stored, err := env.Repo.ListSnapshots(env.Ctx, time.Time{})
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(stored) != 1 || !stored[0].Date.Equal(day0.AddDate(0, 0, 45)) {
		t.Fatalf("expected only the newest snapshot stored, got %+v", stored)
	}
	evts, err := env.Engine.Events(env.Ctx, store.EventFilter{Type: store.EventSnapshotsPruned})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected a prune event, got %d", len(evts))
	}
}

func hours(v float64) *float64 { return &v }

func entities() domain.Entities {
	ents := domain.Entities{
		Teams: []domain.Team{
			{ID: "t1", Name: "Core", Members: []domain.Member{{UserID: "u1", Capacity: 1}}},
			{ID: "t2", Name: "Edge", Members: []domain.Member{{UserID: "u2", Capacity: 1}}},
		},
		Projects: []domain.Project{{ID: "p1", Name: "Payments", Status: domain.ProjectActive, TeamIDs: []string{"t1", "t2"}}},
		Users: []domain.User{
			{ID: "u1", Name: "Ada", DailyCapacity: 8},
			{ID: "u2", Name: "Lin", DailyCapacity: 8},
		},
	}
	for i := 0; i < 6; i++ {
		ents.Cards = append(ents.Cards, domain.Card{
			ID: "c" + string(rune('a'+i)), TeamID: "t1", ProjectID: "p1", AssigneeID: "u1",
			Status: domain.StatusReview, EstimatedHours: hours(8),
		})
	}
	ents.Cards = append(ents.Cards, domain.Card{ID: "d1", TeamID: "t2", ProjectID: "p1", Status: domain.StatusDone, Dependencies: []string{"ca"}})
	return ents
}

func TestAnalyzeCombinesFindingsAndPersists(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.Engine.Analyze(env.Ctx, entities())

	if len(a.Bottlenecks) != 1 || a.Bottlenecks[0].Type != domain.KindReviewBottleneck {
		t.Fatalf("expected one review bottleneck, got %+v", a.Bottlenecks)
	}
	if a.MaxSeverity != domain.SeverityHigh && a.MaxSeverity != domain.SeverityCritical {
		t.Fatalf("expected high or critical max severity, got %s", a.MaxSeverity)
	}
	if a.AI.Provider != ai.SimulationName {
		t.Fatalf("expected simulation provider, got %q", a.AI.Provider)
	}
	if a.AI.Payload.Analysis == "" {
		t.Fatalf("expected simulated analysis text")
	}
	if a.Dependencies.Edges != 1 {
		t.Fatalf("expected one dependency edge, got %+v", a.Dependencies)
	}

	run, err := env.Engine.GetAnalysis(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if run.Kind != engine.KindFull || run.MaxSeverity != a.MaxSeverity {
		t.Fatalf("unexpected stored run: %+v", run)
	}
	var decoded engine.Analysis
	if err := json.Unmarshal(run.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ID != a.ID || len(decoded.Bottlenecks) != 1 {
		t.Fatalf("payload does not round trip: %+v", decoded)
	}
}

func TestAnalyzeGlobalPersistsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.Engine.AnalyzeGlobal(env.Ctx, entities())
	if res.ID == "" || res.Provider != ai.SimulationName || res.Failed() {
		t.Fatalf("unexpected global analysis: %+v", res)
	}
	run, err := env.Engine.GetAnalysis(env.Ctx, res.ID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if run.Kind != engine.KindGlobal || run.Provider != ai.SimulationName {
		t.Fatalf("unexpected stored run: %+v", run)
	}
	if _, err := env.Engine.GetAnalysis(env.Ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAnalyzeNotifiesWebhooks(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: srv.URL, MinSeverity: "high"}}
	env := newTestEnv(t, cfg)

	a := env.Engine.Analyze(env.Ctx, entities())
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected one webhook delivery, got %d", len(bodies))
	}
	if bodies[0]["id"] != a.ID {
		t.Fatalf("expected delivery for %s, got %v", a.ID, bodies[0]["id"])
	}

	quiet := env.Engine.Analyze(env.Ctx, domain.Entities{})
	if quiet.MaxSeverity != domain.SeverityInfo {
		t.Fatalf("expected info severity for empty entities, got %s", quiet.MaxSeverity)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected no delivery below min severity, got %d", len(bodies))
	}
}

func TestMemoryEngine(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	eng := engine.New(nil, nil, nil)
	eng.Now = func() time.Time { return day0 }
	ctx := context.Background()

	if n, err := eng.LoadHistory(ctx); err != nil || n != 0 {
		t.Fatalf("load history: n=%d err=%v", n, err)
	}
	snap, err := eng.RecordBoard(ctx, board(1), time.Time{})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if snap.ID == "" || !snap.Date.Equal(day0) {
		t.Fatalf("expected id and default date, got %+v", snap)
	}
	if report := eng.Report(); report.Status != "insufficient_data" {
		t.Fatalf("expected insufficient_data with one snapshot, got %s", report.Status)
	}
	runs, err := eng.Analyses(ctx, 10)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected no runs without a store: %v %v", runs, err)
	}
	if res := eng.AnalyzeGlobal(ctx, entities()); res.ID != "" {
		t.Fatalf("expected empty id without a store, got %q", res.ID)
	}
	if _, err := eng.GetAnalysis(ctx, "x"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
