// Package metrics derives flow metrics from the snapshot history.
package metrics

import (
	"math"
	"time"

	"flowlens/internal/domain"
)

// Status distinguishes a computed value from "not enough history".
type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
)

type Direction string

const (
	Increasing Direction = "increasing"
	Decreasing Direction = "decreasing"
	Stable     Direction = "stable"
)

const (
	DefaultThroughputWindow = 14
	DefaultTrendWindow      = 7
)

type Throughput struct {
	Status         Status  `json:"status" enum:"ok,insufficient_data"`
	ItemsPerDay    float64 `json:"items_per_day"`
	ItemsPerWeek   float64 `json:"items_per_week"`
	TotalCompleted int     `json:"total_completed"`
	SpanDays       float64 `json:"span_days"`
	Snapshots      int     `json:"snapshots"`
}

type WIPUsage struct {
	Current    int     `json:"current"`
	Limit      int     `json:"limit"`
	Percentage float64 `json:"percentage"`
}

type Trend struct {
	Status             Status    `json:"status" enum:"ok,insufficient_data"`
	ThroughputTrend    Direction `json:"throughput_trend,omitempty"`
	WIPTrend           Direction `json:"wip_trend,omitempty"`
	AvgDailyThroughput float64   `json:"avg_daily_throughput"`
	CurrentWIP         int       `json:"current_wip"`
}

// CalculateThroughput compares the done column of the oldest and newest
// snapshot in snaps. The span is measured in calendar days and floored at one.
func CalculateThroughput(snaps []domain.Snapshot) Throughput {
	if len(snaps) < 2 {
		return Throughput{Status: StatusInsufficientData, Snapshots: len(snaps)}
	}
	first, last := snaps[0], snaps[len(snaps)-1]
	completed := last.Count(domain.StatusDone) - first.Count(domain.StatusDone)
	span := last.Date.Sub(first.Date).Hours() / 24
	divisor := math.Max(span, 1)
	perDay := float64(completed) / divisor
	return Throughput{
		Status:         StatusOK,
		ItemsPerDay:    round(perDay, 2),
		ItemsPerWeek:   round(perDay*7, 2),
		TotalCompleted: completed,
		SpanDays:       round(span, 2),
		Snapshots:      len(snaps),
	}
}

// WIPUtilization reports current/limit for every column with a positive limit.
func WIPUtilization(snap domain.Snapshot) map[domain.CardStatus]WIPUsage {
	out := make(map[domain.CardStatus]WIPUsage, len(snap.WIP))
	for col, r := range snap.WIP {
		if r.Limit <= 0 {
			continue
		}
		out[col] = WIPUsage{
			Current:    r.Current,
			Limit:      r.Limit,
			Percentage: round(float64(r.Current)/float64(r.Limit)*100, 1),
		}
	}
	return out
}

// BlockedRatio is the blocked count as a percentage of ready, in progress,
// review and blocked items. Zero when there is no active work.
func BlockedRatio(snap domain.Snapshot) float64 {
	active := snap.Count(domain.StatusReady) + snap.Count(domain.StatusInProgress) +
		snap.Count(domain.StatusReview) + snap.Count(domain.StatusBlocked)
	return percentage(snap.Blocked, active)
}

// FlowEfficiency is in-progress items as a percentage of ready, in progress
// and review items. Zero when there is no active work.
func FlowEfficiency(snap domain.Snapshot) float64 {
	return percentage(snap.Count(domain.StatusInProgress), snap.TotalWIP())
}

// CalculateTrend classifies the done and WIP direction over snaps. It needs
// at least minWindow snapshots and only looks at the last minWindow.
func CalculateTrend(snaps []domain.Snapshot, minWindow int) Trend {
	if minWindow < 2 {
		minWindow = DefaultTrendWindow
	}
	if len(snaps) < minWindow {
		return Trend{Status: StatusInsufficientData}
	}
	recent := lastN(snaps, minWindow)
	total := 0
	for i := 1; i < len(recent); i++ {
		total += recent[i].Count(domain.StatusDone) - recent[i-1].Count(domain.StatusDone)
	}
	avg := float64(total) / float64(len(recent)-1)
	firstWIP, lastWIP := recent[0].TotalWIP(), recent[len(recent)-1].TotalWIP()
	return Trend{
		Status:             StatusOK,
		ThroughputTrend:    direction(avg),
		WIPTrend:           direction(float64(lastWIP - firstWIP)),
		AvgDailyThroughput: round(avg, 2),
		CurrentWIP:         lastWIP,
	}
}

// Engine computes metrics over a History using configured windows.
type Engine struct {
	History          *History
	ThroughputWindow int
	TrendWindow      int
	Alerts           AlertThresholds
	Now              func() time.Time
}

// New returns an Engine with the default windows.
func New(h *History) *Engine {
	if h == nil {
		h = NewHistory(DefaultRetention)
	}
	return &Engine{
		History:          h,
		ThroughputWindow: DefaultThroughputWindow,
		TrendWindow:      DefaultTrendWindow,
		Alerts:           DefaultAlertThresholds(),
		Now:              time.Now,
	}
}

// Record appends snap to the history and returns evicted snapshots.
func (e *Engine) Record(snap domain.Snapshot) []domain.Snapshot {
	return e.History.Record(snap)
}

// Throughput over the last ThroughputWindow snapshots.
func (e *Engine) Throughput() Throughput {
	return CalculateThroughput(e.History.Window(e.ThroughputWindow))
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// percentage is clamped to [0,100]; a hand-edited blocked count can exceed
// the number of parsed items.
func percentage(n, d int) float64 {
	if d <= 0 || n <= 0 {
		return 0
	}
	return math.Min(round(float64(n)/float64(d)*100, 1), 100)
}

func direction(v float64) Direction {
	switch {
	case v > 0:
		return Increasing
	case v < 0:
		return Decreasing
	default:
		return Stable
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
