// Package detect scans team status distributions and multi-team projects
// for accumulation and divergence.
package detect

import (
	"fmt"

	"flowlens/internal/domain"
)

const (
	DefaultReviewThreshold     = 5
	DefaultBlockedThreshold    = 2
	DefaultDivergenceThreshold = 0.3
)

// divergenceEpsilon absorbs float error so a spread equal to the threshold
// (0.9-0.6, say) is not reported.
const divergenceEpsilon = 1e-9

const (
	reviewRecommendation  = "Increase review capacity or revisit acceptance criteria"
	blockedRecommendation = "Resolve blockers immediately"
	syncRecommendation    = "Synchronize teams and review cross-team dependencies"
)

// Detector holds the fixed thresholds. The zero value uses defaults.
type Detector struct {
	ReviewThreshold     int
	BlockedThreshold    int
	DivergenceThreshold float64
}

func (d Detector) review() int {
	if d.ReviewThreshold <= 0 {
		return DefaultReviewThreshold
	}
	return d.ReviewThreshold
}

func (d Detector) blocked() int {
	if d.BlockedThreshold <= 0 {
		return DefaultBlockedThreshold
	}
	return d.BlockedThreshold
}

func (d Detector) divergence() float64 {
	if d.DivergenceThreshold <= 0 {
		return DefaultDivergenceThreshold
	}
	return d.DivergenceThreshold
}

// StatusCounts tallies cards per status for one team.
func StatusCounts(teamID string, cards []domain.Card) map[domain.CardStatus]int {
	out := map[domain.CardStatus]int{}
	for _, c := range cards {
		if c.TeamID == teamID {
			out[c.Status]++
		}
	}
	return out
}

// Bottlenecks emits review and blocked findings per team, in team order.
func (d Detector) Bottlenecks(teams []domain.Team, cards []domain.Card) []domain.Bottleneck {
	out := []domain.Bottleneck{}
	for _, team := range teams {
		counts := StatusCounts(team.ID, cards)
		if n := counts[domain.StatusReview]; n > d.review() {
			out = append(out, domain.Bottleneck{
				Type:           domain.KindReviewBottleneck,
				TeamID:         team.ID,
				Severity:       domain.SeverityHigh,
				Count:          n,
				Description:    fmt.Sprintf("Team %s has %d cards in review", teamName(team), n),
				Recommendation: reviewRecommendation,
			})
		}
		if n := counts[domain.StatusBlocked]; n > d.blocked() {
			out = append(out, domain.Bottleneck{
				Type:           domain.KindBlockedCards,
				TeamID:         team.ID,
				Severity:       domain.SeverityCritical,
				Count:          n,
				Description:    fmt.Sprintf("Team %s has %d blocked cards", teamName(team), n),
				Recommendation: blockedRecommendation,
			})
		}
	}
	return out
}

// Coordination is the result of a multi-team project scan.
type Coordination struct {
	Issues            []domain.SyncIssue `json:"coordination_issues"`
	MultiTeamProjects int                `json:"multi_team_projects"`
}

// Coordinate compares per-team completion ratios inside every project with
// more than one associated team.
func (d Detector) Coordinate(teams []domain.Team, projects []domain.Project, cards []domain.Card) Coordination {
	known := make(map[string]bool, len(teams))
	for _, t := range teams {
		known[t.ID] = true
	}
	res := Coordination{Issues: []domain.SyncIssue{}}
	for _, p := range projects {
		if len(p.TeamIDs) > 1 {
			res.MultiTeamProjects++
		}
		var projectTeams []string
		for _, id := range p.TeamIDs {
			if known[id] {
				projectTeams = append(projectTeams, id)
			}
		}
		if len(projectTeams) < 2 {
			continue
		}
		progress := CompletionRatios(p.ID, projectTeams, cards)
		if !hasCards(p.ID, cards) {
			continue
		}
		lo, hi := minMax(progress)
		spread := hi - lo
		if spread-d.divergence() <= divergenceEpsilon {
			continue
		}
		res.Issues = append(res.Issues, domain.SyncIssue{
			Type:           domain.KindTeamSyncIssue,
			ProjectID:      p.ID,
			Severity:       domain.SeverityMedium,
			Divergence:     spread,
			TeamProgress:   progress,
			Description:    fmt.Sprintf("Teams on project %s are out of sync (completion spread %.0f%%)", projectName(p), spread*100),
			Recommendation: syncRecommendation,
		})
	}
	return res
}

// CompletionRatios returns done/total per team for cards of one project,
// 0 for a team with no cards there.
func CompletionRatios(projectID string, teamIDs []string, cards []domain.Card) map[string]float64 {
	done := map[string]int{}
	total := map[string]int{}
	for _, c := range cards {
		if c.ProjectID != projectID {
			continue
		}
		total[c.TeamID]++
		if c.Status == domain.StatusDone {
			done[c.TeamID]++
		}
	}
	out := make(map[string]float64, len(teamIDs))
	for _, id := range teamIDs {
		if total[id] == 0 {
			out[id] = 0
			continue
		}
		out[id] = float64(done[id]) / float64(total[id])
	}
	return out
}

func hasCards(projectID string, cards []domain.Card) bool {
	for _, c := range cards {
		if c.ProjectID == projectID {
			return true
		}
	}
	return false
}

func minMax(m map[string]float64) (lo, hi float64) {
	first := true
	for _, v := range m {
		if first || v < lo {
			lo = v
		}
		if first || v > hi {
			hi = v
		}
		first = false
	}
	return lo, hi
}

func teamName(t domain.Team) string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

func projectName(p domain.Project) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
