package domain

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

type FindingKind string

const (
	KindReviewBottleneck FindingKind = "review_bottleneck"
	KindBlockedCards     FindingKind = "blocked_cards"
	KindTeamSyncIssue    FindingKind = "team_sync_issue"
	KindRedistribute     FindingKind = "redistribute_work"
	KindIncreaseCapacity FindingKind = "increase_capacity"
)

// Finding is implemented by every deterministic analysis record.
type Finding interface {
	FindingKind() FindingKind
	FindingSeverity() Severity
}

// Bottleneck flags work accumulating in one team's column.
type Bottleneck struct {
	Type           FindingKind `json:"type" enum:"review_bottleneck,blocked_cards"`
	TeamID         string      `json:"team_id"`
	Severity       Severity    `json:"severity"`
	Count          int         `json:"count"`
	Description    string      `json:"description"`
	Recommendation string      `json:"recommendation"`
}

func (b Bottleneck) FindingKind() FindingKind  { return b.Type }
func (b Bottleneck) FindingSeverity() Severity { return b.Severity }

// SyncIssue flags teams progressing at different rates on a shared project.
type SyncIssue struct {
	Type           FindingKind        `json:"type" enum:"team_sync_issue"`
	ProjectID      string             `json:"project_id"`
	Severity       Severity           `json:"severity"`
	Divergence     float64            `json:"divergence"`
	TeamProgress   map[string]float64 `json:"team_progress"`
	Description    string             `json:"description"`
	Recommendation string             `json:"recommendation"`
}

func (s SyncIssue) FindingKind() FindingKind  { return s.Type }
func (s SyncIssue) FindingSeverity() Severity { return s.Severity }

// WorkloadRecommendation targets users outside the healthy utilization band.
type WorkloadRecommendation struct {
	Type          FindingKind `json:"type" enum:"redistribute_work,increase_capacity"`
	Priority      Priority    `json:"priority"`
	Description   string      `json:"description"`
	AffectedUsers []string    `json:"affected_users"`
	Action        string      `json:"action"`
}

func (w WorkloadRecommendation) FindingKind() FindingKind { return w.Type }

func (w WorkloadRecommendation) FindingSeverity() Severity {
	switch w.Priority {
	case PriorityCritical:
		return SeverityCritical
	case PriorityHigh:
		return SeverityHigh
	case PriorityLow:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// MaxSeverity returns the most severe finding, or info when empty.
func MaxSeverity(findings ...Finding) Severity {
	worst := SeverityInfo
	for _, f := range findings {
		if f.FindingSeverity().Rank() > worst.Rank() {
			worst = f.FindingSeverity()
		}
	}
	return worst
}
