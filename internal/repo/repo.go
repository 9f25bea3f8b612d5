// Package repo is the SQLite implementation of store.Store.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowlens/internal/domain"
	"flowlens/internal/events"
	"flowlens/internal/store"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = store.ErrNotFound

// timeLayout has fixed-width fractional seconds so stored timestamps sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var _ store.Store = Repo{}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r Repo) events() events.Writer {
	return events.Writer{Now: r.Now}
}

func (r Repo) Close() error {
	return r.DB.Close()
}

// SaveSnapshot stores snap in place of any snapshot of the same day and
// appends a snapshot.recorded event.
func (r Repo) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id required")
	}
	cols, wip, err := store.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	date := snap.Date.UTC()
	day := snap.Day()
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE date_unix>=? AND date_unix<?`,
		day.UnixNano(), day.Add(24*time.Hour).UnixNano())
	if err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	replaced, err := res.RowsAffected()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(id,date,date_unix,blocked_items,columns_json,wip_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		snap.ID, date.Format(timeLayout), date.UnixNano(), snap.Blocked, string(cols), string(wip), r.now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := r.events().Append(ctx, tx, store.EventSnapshotRecorded, "snapshot", snap.ID, events.Payload{
		"date":          date.Format(time.RFC3339),
		"blocked_items": snap.Blocked,
		"total_wip":     snap.TotalWIP(),
		"done":          snap.Count(domain.StatusDone),
		"replaced":      replaced,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListSnapshots(ctx context.Context, since time.Time) ([]domain.Snapshot, error) {
	query := `SELECT id,date,blocked_items,columns_json,wip_json FROM snapshots`
	var args []any
	if !since.IsZero() {
		query += ` WHERE date_unix>=?`
		args = append(args, since.UTC().UnixNano())
	}
	query += ` ORDER BY date_unix ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		var date, cols, wip string
		if err := rows.Scan(&s.ID, &date, &s.Blocked, &cols, &wip); err != nil {
			return nil, err
		}
		if s.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
			return nil, fmt.Errorf("snapshot %s date: %w", s.ID, err)
		}
		if err := store.DecodeSnapshot(&s, []byte(cols), []byte(wip)); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", s.ID, err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// PruneSnapshots deletes snapshots older than cutoff and records how many
// were removed.
func (r Repo) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE date_unix<?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.events().Append(ctx, tx, store.EventSnapshotsPruned, "snapshot", "", events.Payload{
		"cutoff": cutoff.UTC().Format(time.RFC3339),
		"count":  n,
	}); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (r Repo) SaveAnalysis(ctx context.Context, run store.AnalysisRun) error {
	if run.ID == "" {
		return errors.New("analysis id required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO analysis_runs(id,created_at,kind,provider,max_severity,payload_json) VALUES (?,?,?,?,?,?)`,
		run.ID, run.CreatedAt.UTC().Format(timeLayout), run.Kind, nullable(run.Provider), string(run.MaxSeverity), string(run.Payload))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	if err := r.events().Append(ctx, tx, store.EventAnalysisCompleted, "analysis", run.ID, events.Payload{
		"kind":         run.Kind,
		"provider":     run.Provider,
		"max_severity": run.MaxSeverity,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

const analysisColumns = `id,created_at,kind,COALESCE(provider,''),max_severity,payload_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row scanner) (store.AnalysisRun, error) {
	var run store.AnalysisRun
	var created, severity, payload string
	if err := row.Scan(&run.ID, &created, &run.Kind, &run.Provider, &severity, &payload); err != nil {
		if err == sql.ErrNoRows {
			return run, ErrNotFound
		}
		return run, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return run, fmt.Errorf("analysis %s created_at: %w", run.ID, err)
	}
	run.CreatedAt = ts
	run.MaxSeverity = domain.Severity(severity)
	run.Payload = []byte(payload)
	return run, nil
}

// ListAnalyses returns the most recent runs first.
func (r Repo) ListAnalyses(ctx context.Context, limit int) ([]store.AnalysisRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+analysisColumns+` FROM analysis_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []store.AnalysisRun
	for rows.Next() {
		run, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) GetAnalysis(ctx context.Context, id string) (store.AnalysisRun, error) {
	return scanAnalysis(r.DB.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analysis_runs WHERE id=?`, id))
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.PageSize())
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
