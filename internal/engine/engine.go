// Package engine wires the analysis components together. Every dependency
// is a field set by New; nothing is package-global.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"flowlens/internal/ai"
	"flowlens/internal/board"
	"flowlens/internal/config"
	"flowlens/internal/deps"
	"flowlens/internal/detect"
	"flowlens/internal/domain"
	"flowlens/internal/logging"
	"flowlens/internal/metrics"
	"flowlens/internal/notify"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
	"flowlens/internal/workload"
)

// Analysis kinds persisted as runs.
const (
	KindFull         = "full"
	KindGlobal       = "global"
	KindMetrics      = "metrics"
	KindBottlenecks  = "bottlenecks"
	KindWorkload     = "workload"
	KindCoordination = "coordination"
)

type Engine struct {
	Config    *config.Config
	Store     store.Store
	Metrics   *metrics.Engine
	Workload  workload.Optimizer
	Detector  detect.Detector
	AI        *ai.Orchestrator
	Notifier  *notify.Notifier
	Telemetry *telemetry.Telemetry
	Log       *zap.SugaredLogger
	Now       func() time.Time

	recordMu sync.Mutex
}

// New builds an engine from config. st may be nil, in which case history
// lives only in memory.
func New(cfg *config.Config, st store.Store, log *zap.SugaredLogger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logging.OrNop(log)
	m := metrics.New(metrics.NewHistory(cfg.Metrics.Retention()))
	m.ThroughputWindow = cfg.Metrics.ThroughputWindow
	m.TrendWindow = cfg.Metrics.TrendWindow
	m.Alerts = metrics.AlertThresholds{
		BlockedPercent: cfg.Metrics.BlockedAlert,
		FlowPercent:    cfg.Metrics.FlowAlert,
		WIPPercent:     cfg.Metrics.WIPAlert,
	}
	e := &Engine{
		Config:  cfg,
		Store:   st,
		Metrics: m,
		Workload: workload.Optimizer{
			Overload:         cfg.Thresholds.Overload,
			Underutilization: cfg.Thresholds.Underutilization,
			WorkDays:         cfg.Thresholds.WorkDaysPerWeek,
		},
		Detector: detect.Detector{
			ReviewThreshold:     cfg.Thresholds.ReviewBottleneck,
			BlockedThreshold:    cfg.Thresholds.BlockedCards,
			DivergenceThreshold: cfg.Thresholds.SyncDivergence,
		},
		AI:       ai.New(cfg, log),
		Notifier: notify.New(cfg.Webhooks, log),
		Log:      log.Named("engine"),
		Now:      time.Now,
	}
	m.Now = e.now
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.SugaredLogger {
	return logging.OrNop(e.Log)
}

func (e *Engine) Close() error {
	if e.Store == nil {
		return nil
	}
	return e.Store.Close()
}

// LoadHistory fills the in-memory history from the store and returns the
// number of snapshots retained.
func (e *Engine) LoadHistory(ctx context.Context) (int, error) {
	if e.Store == nil {
		return e.Metrics.History.Len(), nil
	}
	snaps, err := e.Store.ListSnapshots(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	for _, s := range snaps {
		e.Metrics.Record(s)
	}
	n := e.Metrics.History.Len()
	e.log().Debugw("history loaded", "stored", len(snaps), "retained", n)
	return n, nil
}

// RecordSnapshot adds snap to the history, persists it, prunes stored
// snapshots outside the retention window and stores the resulting metrics
// report. A snapshot replaces an earlier one of the same day. Writers are
// serialized.
func (e *Engine) RecordSnapshot(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Date.IsZero() {
		snap.Date = e.now()
	}
	snap.Date = snap.Date.UTC()
	if snap.Columns == nil {
		snap.Columns = map[domain.CardStatus][]domain.Item{}
	}

	e.recordMu.Lock()
	defer e.recordMu.Unlock()

	if e.Store != nil {
		if err := e.Store.SaveSnapshot(ctx, snap); err != nil {
			return snap, fmt.Errorf("save snapshot: %w", err)
		}
	}
	evicted := e.Metrics.Record(snap)
	e.Telemetry.RecordSnapshot(ctx, len(evicted))
	if e.Store == nil {
		return snap, nil
	}
	if cutoff := e.Metrics.History.Cutoff(); !cutoff.IsZero() {
		n, err := e.Store.PruneSnapshots(ctx, cutoff)
		if err != nil {
			return snap, fmt.Errorf("prune snapshots: %w", err)
		}
		if n > 0 {
			e.log().Debugw("snapshots pruned", "count", n, "cutoff", cutoff)
		}
	}
	report := e.Metrics.Calculate()
	if _, err := e.persist(ctx, KindMetrics, "", maxAlertSeverity(report.Alerts), report); err != nil {
		return snap, err
	}
	return snap, nil
}

// RecordBoard parses board text dated date and records the snapshot.
func (e *Engine) RecordBoard(ctx context.Context, text string, date time.Time) (domain.Snapshot, error) {
	if date.IsZero() {
		date = e.now()
	}
	return e.RecordSnapshot(ctx, board.Parse(text, date))
}

// Snapshots returns the in-memory history, oldest first.
func (e *Engine) Snapshots() []domain.Snapshot {
	return e.Metrics.History.Snapshots()
}

// Report computes the composite metrics report over the current history.
func (e *Engine) Report() metrics.Report {
	return e.Metrics.Calculate()
}

func (e *Engine) Bottlenecks(ctx context.Context, ents domain.Entities) []domain.Bottleneck {
	out := e.Detector.Bottlenecks(ents.Teams, ents.Cards)
	e.Telemetry.RecordAnalysis(ctx, KindBottlenecks)
	for _, b := range out {
		e.Telemetry.RecordFinding(ctx, string(b.Type), string(b.Severity))
	}
	return out
}

func (e *Engine) OptimizeWorkload(ctx context.Context, ents domain.Entities) workload.Assessment {
	out := e.Workload.Optimize(ents.Teams, ents.Users, ents.Cards)
	e.Telemetry.RecordAnalysis(ctx, KindWorkload)
	for _, r := range out.Recommendations {
		e.Telemetry.RecordFinding(ctx, string(r.Type), string(r.FindingSeverity()))
	}
	return out
}

func (e *Engine) Coordinate(ctx context.Context, ents domain.Entities) detect.Coordination {
	out := e.Detector.Coordinate(ents.Teams, ents.Projects, ents.Cards)
	e.Telemetry.RecordAnalysis(ctx, KindCoordination)
	for _, s := range out.Issues {
		e.Telemetry.RecordFinding(ctx, string(s.Type), string(s.Severity))
	}
	return out
}

// GlobalAnalysis is a persisted AI analysis.
type GlobalAnalysis struct {
	ID string `json:"id,omitempty"`
	ai.Result
}

// AnalyzeGlobal runs the AI orchestration layer and persists the result.
func (e *Engine) AnalyzeGlobal(ctx context.Context, ents domain.Entities) GlobalAnalysis {
	res := e.AI.Analyze(ctx, ents)
	e.Telemetry.RecordAnalysis(ctx, KindGlobal)
	e.Telemetry.RecordAICall(ctx, res.Provider, res.Failed(), res.Duration)
	id, err := e.persist(ctx, KindGlobal, res.Provider, maxRiskSeverity(res.Payload.Risks), res)
	if err != nil {
		e.log().Warnw("persist analysis failed", "kind", KindGlobal, "error", err)
	}
	return GlobalAnalysis{ID: id, Result: res}
}

// Analysis is the combined result of every analysis over one entity set.
type Analysis struct {
	ID           string              `json:"id"`
	CreatedAt    time.Time           `json:"created_at"`
	MaxSeverity  domain.Severity     `json:"max_severity"`
	Bottlenecks  []domain.Bottleneck `json:"bottlenecks"`
	Workload     workload.Assessment `json:"workload"`
	Coordination detect.Coordination `json:"coordination"`
	Dependencies deps.Summary        `json:"dependencies"`
	AI           ai.Result           `json:"ai"`
}

// Findings returns every deterministic finding in the analysis.
func (a Analysis) Findings() []domain.Finding {
	var out []domain.Finding
	for _, b := range a.Bottlenecks {
		out = append(out, b)
	}
	out = append(out, a.Workload.Findings()...)
	for _, s := range a.Coordination.Issues {
		out = append(out, s)
	}
	return out
}

// Analyze runs the deterministic analyses and the AI layer concurrently.
// The deterministic results never wait on a provider. The combined result
// is persisted and sent to webhooks; failures there are logged only.
func (e *Engine) Analyze(ctx context.Context, ents domain.Entities) Analysis {
	a := Analysis{ID: uuid.NewString(), CreatedAt: e.now()}

	var wg conc.WaitGroup
	wg.Go(func() { a.Bottlenecks = e.Bottlenecks(ctx, ents) })
	wg.Go(func() { a.Workload = e.OptimizeWorkload(ctx, ents) })
	wg.Go(func() { a.Coordination = e.Coordinate(ctx, ents) })
	wg.Go(func() { a.Dependencies = deps.Summarize(ents.Cards) })
	wg.Go(func() {
		a.AI = e.AI.Analyze(ctx, ents)
		e.Telemetry.RecordAICall(ctx, a.AI.Provider, a.AI.Failed(), a.AI.Duration)
	})
	wg.Wait()

	findings := a.Findings()
	a.MaxSeverity = domain.MaxSeverity(findings...)
	e.Telemetry.RecordAnalysis(ctx, KindFull)

	if e.Store != nil {
		if err := e.save(ctx, a.ID, a.CreatedAt, KindFull, a.AI.Provider, a.MaxSeverity, a); err != nil {
			e.log().Warnw("persist analysis failed", "kind", KindFull, "error", err)
		}
	}
	if e.Notifier.Enabled() {
		err := e.Notifier.Notify(ctx, notify.Notification{
			ID:          a.ID,
			Kind:        KindFull,
			CreatedAt:   a.CreatedAt,
			MaxSeverity: a.MaxSeverity,
			Findings:    notify.FindingsOf(findings...),
			Analysis:    a.AI.Payload.Analysis,
		})
		if err != nil {
			e.log().Warnw("notify failed", "analysis", a.ID, "error", err)
		}
	}
	return a
}

// Providers reports which AI providers are usable.
func (e *Engine) Providers() map[string]bool {
	return e.AI.Available()
}

func (e *Engine) Analyses(ctx context.Context, limit int) ([]store.AnalysisRun, error) {
	if e.Store == nil {
		return []store.AnalysisRun{}, nil
	}
	return e.Store.ListAnalyses(ctx, limit)
}

func (e *Engine) GetAnalysis(ctx context.Context, id string) (store.AnalysisRun, error) {
	if e.Store == nil {
		return store.AnalysisRun{}, store.ErrNotFound
	}
	return e.Store.GetAnalysis(ctx, id)
}

func (e *Engine) Events(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	if e.Store == nil {
		return []domain.Event{}, nil
	}
	return e.Store.LatestEvents(ctx, f)
}

// persist stores v as a new run and returns its id. Without a store it
// returns an empty id.
func (e *Engine) persist(ctx context.Context, kind, provider string, sev domain.Severity, v any) (string, error) {
	if e.Store == nil {
		return "", nil
	}
	id := uuid.NewString()
	if err := e.save(ctx, id, e.now(), kind, provider, sev, v); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) save(ctx context.Context, id string, at time.Time, kind, provider string, sev domain.Severity, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s analysis: %w", kind, err)
	}
	return e.Store.SaveAnalysis(ctx, store.AnalysisRun{
		ID:          id,
		CreatedAt:   at,
		Kind:        kind,
		Provider:    provider,
		MaxSeverity: sev,
		Payload:     payload,
	})
}

func maxRiskSeverity(risks []domain.Risk) domain.Severity {
	worst := domain.SeverityInfo
	for _, r := range risks {
		if r.Severity.Rank() > worst.Rank() {
			worst = r.Severity
		}
	}
	return worst
}

func maxAlertSeverity(alerts []metrics.Alert) domain.Severity {
	worst := domain.SeverityInfo
	for _, a := range alerts {
		switch a.Level {
		case metrics.AlertCritical:
			return domain.SeverityCritical
		case metrics.AlertWarning:
			worst = domain.SeverityMedium
		}
	}
	return worst
}
