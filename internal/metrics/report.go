package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"flowlens/internal/domain"
)

type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertOK       AlertLevel = "ok"
)

type Alert struct {
	Level   AlertLevel `json:"level" enum:"critical,warning,ok"`
	Message string     `json:"message"`
}

type AlertThresholds struct {
	BlockedPercent float64
	FlowPercent    float64
	WIPPercent     float64
}

func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{BlockedPercent: 20, FlowPercent: 30, WIPPercent: 90}
}

// Report is the composite metrics view over the current history.
type Report struct {
	Date           time.Time                      `json:"date" format:"date-time"`
	Status         Status                         `json:"status" enum:"ok,insufficient_data"`
	Snapshots      int                            `json:"snapshots"`
	Throughput     Throughput                     `json:"throughput"`
	WIPUtilization map[domain.CardStatus]WIPUsage `json:"wip_utilization"`
	BlockedRatio   float64                        `json:"blocked_ratio"`
	FlowEfficiency float64                        `json:"flow_efficiency"`
	Trend          Trend                          `json:"trend_analysis"`
	Alerts         []Alert                        `json:"alerts"`
}

// Calculate builds a Report from the newest snapshot and the configured
// windows. With fewer than two snapshots the report status is
// insufficient_data, but point-in-time values for the newest snapshot are
// still filled in.
func (e *Engine) Calculate() Report {
	snaps := e.History.Snapshots()
	r := Report{
		Date:           e.now().UTC(),
		Status:         StatusOK,
		Snapshots:      len(snaps),
		Throughput:     CalculateThroughput(lastN(snaps, e.ThroughputWindow)),
		WIPUtilization: map[domain.CardStatus]WIPUsage{},
		Trend:          CalculateTrend(snaps, e.TrendWindow),
	}
	if len(snaps) < 2 {
		r.Status = StatusInsufficientData
	}
	if len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		r.WIPUtilization = WIPUtilization(latest)
		r.BlockedRatio = BlockedRatio(latest)
		r.FlowEfficiency = FlowEfficiency(latest)
	}
	r.Alerts = Alerts(r, e.Alerts)
	return r
}

// Alerts flags a high blocked ratio, low flow efficiency and WIP columns
// near their limit. An empty result is reported as a single ok alert.
func Alerts(r Report, t AlertThresholds) []Alert {
	var alerts []Alert
	if r.Snapshots == 0 {
		return []Alert{{Level: AlertOK, Message: "no snapshots recorded"}}
	}
	if r.BlockedRatio > t.BlockedPercent {
		alerts = append(alerts, Alert{Level: AlertCritical, Message: fmt.Sprintf("high share of blocked items (%.1f%%)", r.BlockedRatio)})
	}
	if r.FlowEfficiency < t.FlowPercent {
		alerts = append(alerts, Alert{Level: AlertWarning, Message: fmt.Sprintf("low flow efficiency (%.1f%%)", r.FlowEfficiency)})
	}
	for _, col := range sortedColumns(r.WIPUtilization) {
		if u := r.WIPUtilization[col]; u.Percentage > t.WIPPercent {
			alerts = append(alerts, Alert{Level: AlertCritical, Message: fmt.Sprintf("WIP limit near maximum in %s (%d/%d)", col, u.Current, u.Limit)})
		}
	}
	if len(alerts) == 0 {
		alerts = append(alerts, Alert{Level: AlertOK, Message: "no critical alerts"})
	}
	return alerts
}

// RenderMarkdown formats a report as a markdown document.
func RenderMarkdown(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Flow metrics report\n*Generated: %s*\n\n", r.Date.Format("2006-01-02 15:04"))

	b.WriteString("## Current metrics\n\n### Throughput\n")
	if r.Throughput.Status == StatusOK {
		fmt.Fprintf(&b, "- **Items per day**: %v\n", r.Throughput.ItemsPerDay)
		fmt.Fprintf(&b, "- **Items per week**: %v\n", r.Throughput.ItemsPerWeek)
		fmt.Fprintf(&b, "- **Total completed**: %d\n", r.Throughput.TotalCompleted)
	} else {
		b.WriteString("- insufficient data (need at least 2 snapshots)\n")
	}

	b.WriteString("\n### WIP utilization\n")
	if len(r.WIPUtilization) == 0 {
		b.WriteString("- no WIP limits recorded\n")
	}
	for _, col := range sortedColumns(r.WIPUtilization) {
		u := r.WIPUtilization[col]
		fmt.Fprintf(&b, "- **%s**: %d/%d (%v%%) %s\n", col, u.Current, u.Limit, u.Percentage, marker(u.Percentage))
	}

	b.WriteString("\n### Flow state\n")
	fmt.Fprintf(&b, "- **Blocked items**: %v%%\n", r.BlockedRatio)
	fmt.Fprintf(&b, "- **Flow efficiency**: %v%%\n", r.FlowEfficiency)

	b.WriteString("\n## Trends\n")
	if r.Trend.Status == StatusOK {
		fmt.Fprintf(&b, "- **Throughput**: %s\n", r.Trend.ThroughputTrend)
		fmt.Fprintf(&b, "- **WIP**: %s\n", r.Trend.WIPTrend)
		fmt.Fprintf(&b, "- **Current WIP**: %d items\n", r.Trend.CurrentWIP)
	} else {
		b.WriteString("- insufficient data\n")
	}

	b.WriteString("\n## Alerts\n")
	for _, a := range r.Alerts {
		fmt.Fprintf(&b, "- [%s] %s\n", a.Level, a.Message)
	}
	return b.String()
}

func marker(pct float64) string {
	switch {
	case pct > 90:
		return "🔴"
	case pct > 70:
		return "🟡"
	default:
		return "🟢"
	}
}

// sortedColumns returns map keys in board order.
func sortedColumns[V any](m map[domain.CardStatus]V) []domain.CardStatus {
	order := map[domain.CardStatus]int{}
	for i, s := range domain.Statuses {
		order[s] = i
	}
	cols := make([]domain.CardStatus, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool {
		oi, iok := order[cols[i]]
		oj, jok := order[cols[j]]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return cols[i] < cols[j]
	})
	return cols
}
