package server

import (
	"encoding/json"
	"time"

	"flowlens/internal/domain"
	"flowlens/internal/metrics"
	"flowlens/internal/store"
)

type WhoAmIResponse struct {
	Subject string `json:"subject"`
	Source  string `json:"source" enum:"jwt,api_key,none"`
}

type ProvidersResponse struct {
	Providers  map[string]bool `json:"providers"`
	Simulation bool            `json:"simulation" doc:"True when no provider is usable and analyses are simulated"`
}

// SnapshotRequest carries either raw board text or an already parsed
// snapshot.
type SnapshotRequest struct {
	Board    string           `json:"board,omitempty" doc:"Markdown board text"`
	Date     *time.Time       `json:"date,omitempty" format:"date-time" doc:"Snapshot date, defaults to now"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
}

type SnapshotList struct {
	Items []domain.Snapshot `json:"items"`
}

type ReportResponse struct {
	Report   metrics.Report `json:"report"`
	Markdown string         `json:"markdown,omitempty"`
}

type BottlenecksResponse struct {
	Items       []domain.Bottleneck `json:"items"`
	MaxSeverity domain.Severity     `json:"max_severity"`
}

type RunResponse struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at" format:"date-time"`
	Kind        string          `json:"kind" enum:"full,global,metrics,bottlenecks,workload,coordination"`
	Provider    string          `json:"provider,omitempty"`
	MaxSeverity domain.Severity `json:"max_severity"`
	Payload     map[string]any  `json:"payload"`
}

type RunList struct {
	Items []RunResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func runResponse(r store.AnalysisRun) RunResponse {
	return RunResponse{
		ID:          r.ID,
		CreatedAt:   r.CreatedAt,
		Kind:        r.Kind,
		Provider:    r.Provider,
		MaxSeverity: r.MaxSeverity,
		Payload:     decodeJSONMap(r.Payload),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap([]byte(e.Payload)),
	}
}

func decodeJSONMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
