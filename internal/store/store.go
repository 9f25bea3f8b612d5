// Package store defines durable persistence of snapshot history, analysis
// runs and the event log. The in-memory metrics history stays authoritative
// for computation; a Store only mirrors it across restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flowlens/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is implemented by the SQLite repo and the PostgreSQL store.
type Store interface {
	// SaveSnapshot replaces any stored snapshot of the same UTC day.
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
	// ListSnapshots returns snapshots dated at or after since, oldest first.
	// A zero since returns everything.
	ListSnapshots(ctx context.Context, since time.Time) ([]domain.Snapshot, error)
	// PruneSnapshots deletes snapshots dated before cutoff.
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error)
	SaveAnalysis(ctx context.Context, run AnalysisRun) error
	ListAnalyses(ctx context.Context, limit int) ([]AnalysisRun, error)
	GetAnalysis(ctx context.Context, id string) (AnalysisRun, error)
	LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
	Close() error
}

// AnalysisRun is one persisted analysis. Payload holds the JSON body that
// was returned to the caller.
type AnalysisRun struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	Kind        string          `json:"kind"`
	Provider    string          `json:"provider,omitempty"`
	MaxSeverity domain.Severity `json:"max_severity"`
	Payload     json.RawMessage `json:"payload"`
}

type EventFilter struct {
	Limit      int
	Before     int64
	Type       string
	EntityKind string
	EntityID   string
}

// Event types appended alongside writes.
const (
	EventSnapshotRecorded  = "snapshot.recorded"
	EventSnapshotsPruned   = "snapshot.pruned"
	EventAnalysisCompleted = "analysis.completed"
)

// EncodeSnapshot returns the columns and WIP JSON of snap.
func EncodeSnapshot(snap domain.Snapshot) ([]byte, []byte, error) {
	cols, err := json.Marshal(snap.Columns)
	if err != nil {
		return nil, nil, err
	}
	wip, err := json.Marshal(snap.WIP)
	if err != nil {
		return nil, nil, err
	}
	return cols, wip, nil
}

// DecodeSnapshot fills the columns and WIP of snap from stored JSON.
func DecodeSnapshot(snap *domain.Snapshot, cols, wip []byte) error {
	if len(cols) > 0 {
		if err := json.Unmarshal(cols, &snap.Columns); err != nil {
			return err
		}
	}
	if len(wip) > 0 && string(wip) != "null" {
		if err := json.Unmarshal(wip, &snap.WIP); err != nil {
			return err
		}
	}
	if snap.Columns == nil {
		snap.Columns = map[domain.CardStatus][]domain.Item{}
	}
	return nil
}

// PageSize returns the effective limit: 50 by default, at most 500.
func (f EventFilter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 500:
		return 500
	default:
		return f.Limit
	}
}
