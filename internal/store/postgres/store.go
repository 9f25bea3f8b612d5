// Package postgres is the PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"flowlens/internal/domain"
	"flowlens/internal/logging"
	"flowlens/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists history in PostgreSQL.
type Store struct {
	Pool *pgxpool.Pool
	Log  *zap.SugaredLogger
	Now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects and runs migrations. An empty dsn falls back to DATABASE_URL.
func Open(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{Pool: pool, Log: logging.OrNop(log).Named("store.postgres")}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	applied := map[int]bool{}
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type migration struct {
		version int
		name    string
		sql     string
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var pending []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		if applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		pending = append(pending, migration{v, f.Name(), string(body)})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
		s.Log.Infow("migration applied", "name", m.name)
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, ts time.Time, evtType, entityKind, entityID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES ($1,$2,$3,$4,$5)`,
		ts.UTC(), evtType, entityKind, entityID, data)
	return err
}

func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id required")
	}
	cols, wip, err := store.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	day := snap.Day()
	tag, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE date >= $1 AND date < $2`, day, day.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO snapshots(id,date,blocked_items,columns_json,wip_json,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		snap.ID, snap.Date.UTC(), snap.Blocked, cols, wip, s.now()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := appendEvent(ctx, tx, s.now(), store.EventSnapshotRecorded, "snapshot", snap.ID, map[string]any{
		"date":          snap.Date.UTC().Format(time.RFC3339),
		"blocked_items": snap.Blocked,
		"total_wip":     snap.TotalWIP(),
		"done":          snap.Count(domain.StatusDone),
		"replaced":      tag.RowsAffected(),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSnapshots(ctx context.Context, since time.Time) ([]domain.Snapshot, error) {
	query := `SELECT id,date,blocked_items,columns_json,wip_json FROM snapshots`
	var args []any
	if !since.IsZero() {
		query += ` WHERE date >= $1`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY date ASC, id ASC`
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		var snap domain.Snapshot
		var cols, wip []byte
		if err := rows.Scan(&snap.ID, &snap.Date, &snap.Blocked, &cols, &wip); err != nil {
			return nil, err
		}
		snap.Date = snap.Date.UTC()
		if err := store.DecodeSnapshot(&snap, cols, wip); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE date < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	if err := appendEvent(ctx, tx, s.now(), store.EventSnapshotsPruned, "snapshot", "", map[string]any{
		"cutoff": cutoff.UTC().Format(time.RFC3339),
		"count":  n,
	}); err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

func (s *Store) SaveAnalysis(ctx context.Context, run store.AnalysisRun) error {
	if run.ID == "" {
		return errors.New("analysis id required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `INSERT INTO analysis_runs(id,created_at,kind,provider,max_severity,payload_json) VALUES ($1,$2,$3,$4,$5,$6)`,
		run.ID, run.CreatedAt.UTC(), run.Kind, run.Provider, string(run.MaxSeverity), []byte(run.Payload)); err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	if err := appendEvent(ctx, tx, s.now(), store.EventAnalysisCompleted, "analysis", run.ID, map[string]any{
		"kind":         run.Kind,
		"provider":     run.Provider,
		"max_severity": run.MaxSeverity,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanRun(row pgx.Row) (store.AnalysisRun, error) {
	var run store.AnalysisRun
	var severity string
	var payload []byte
	if err := row.Scan(&run.ID, &run.CreatedAt, &run.Kind, &run.Provider, &severity, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run, store.ErrNotFound
		}
		return run, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.MaxSeverity = domain.Severity(severity)
	run.Payload = payload
	return run, nil
}

func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]store.AnalysisRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Pool.Query(ctx, `SELECT id,created_at,kind,provider,max_severity,payload_json FROM analysis_runs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (store.AnalysisRun, error) {
	return scanRun(s.Pool.QueryRow(ctx, `SELECT id,created_at,kind,provider,max_severity,payload_json FROM analysis_runs WHERE id=$1`, id))
}

func (s *Store) LatestEvents(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("type=$%d", f.Type)
	}
	if f.EntityKind != "" {
		add("entity_kind=$%d", f.EntityKind)
	}
	if f.EntityID != "" {
		add("entity_id=$%d", f.EntityID)
	}
	if f.Before > 0 {
		add("id<$%d", f.Before)
	}
	args = append(args, f.PageSize())
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT $%d`,
		strings.Join(clauses, " AND "), len(args))
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts time.Time
		var payload []byte
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		e.TS = ts.UTC().Format(time.RFC3339)
		e.Payload = string(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
