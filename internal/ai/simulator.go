package ai

import (
	"fmt"

	"flowlens/internal/domain"
)

// Simulator produces a deterministic analysis from entity counts so that a
// result is available without any provider configured.
type Simulator struct {
	// BlockedCritical is the blocked-card count above which the blocker risk
	// is critical.
	BlockedCritical int
	// ReviewBottleneck is the review-card count above which the review
	// insight reports a bottleneck.
	ReviewBottleneck int
}

const maxUnblockCards = 5

func (s Simulator) thresholds() (blocked, review int) {
	blocked, review = s.BlockedCritical, s.ReviewBottleneck
	if blocked <= 0 {
		blocked = 5
	}
	if review <= 0 {
		review = 10
	}
	return blocked, review
}

// Analyze returns the simulated payload.
func (s Simulator) Analyze(ents domain.Entities) domain.AIAnalysis {
	blockedLimit, reviewLimit := s.thresholds()

	active := 0
	for _, p := range ents.Projects {
		if p.Status == domain.ProjectActive {
			active++
		}
	}
	var blockedIDs []string
	blockedTeams := map[string]bool{}
	review := 0
	for _, c := range ents.Cards {
		switch c.Status {
		case domain.StatusBlocked:
			blockedIDs = append(blockedIDs, c.ID)
			blockedTeams[c.TeamID] = true
		case domain.StatusReview:
			review++
		}
	}
	blocked := len(blockedIDs)

	out := domain.AIAnalysis{
		Analysis: fmt.Sprintf("Organization with %d teams managing %d active projects. %d blocked and %d in review need attention.",
			len(ents.Teams), active, blocked, review),
		Insights:        []domain.Insight{reviewInsight(ents.Teams, review, reviewLimit)},
		Risks:           []domain.Risk{},
		Recommendations: []domain.Recommendation{},
		Actions:         []domain.Action{},
	}

	if blocked > 0 {
		risk := domain.Risk{
			Title:         "Accumulated blockers",
			Description:   fmt.Sprintf("%d blocked cards may impact delivery", blocked),
			Severity:      domain.SeverityMedium,
			Probability:   0.4,
			Impact:        0.7,
			Category:      domain.RiskTimeline,
			AffectedTeams: []string{},
		}
		if blocked > blockedLimit {
			risk.Severity = domain.SeverityCritical
			risk.Probability = 0.8
		}
		for _, t := range ents.Teams {
			if blockedTeams[t.ID] {
				risk.AffectedTeams = append(risk.AffectedTeams, t.ID)
			}
		}
		out.Risks = append(out.Risks, risk)

		cards := blockedIDs
		if len(cards) > maxUnblockCards {
			cards = cards[:maxUnblockCards]
		}
		out.Actions = append(out.Actions, domain.Action{
			Type:          "UNBLOCK_CARDS",
			Priority:      domain.PriorityHigh,
			Description:   "Unblock critical cards",
			AffectedCards: append([]string(nil), cards...),
		})
	}

	coordination := "Keep communication flowing"
	if len(ents.Teams) > 3 {
		coordination = "Improve cross-team coordination"
	}
	out.Recommendations = append(out.Recommendations,
		domain.Recommendation{Text: "Resolve priority blockers immediately"},
		domain.Recommendation{Text: "Hold a daily impediment review"},
		domain.Recommendation{Text: coordination},
	)
	return Canonical(out)
}

func reviewInsight(teams []domain.Team, review, limit int) domain.Insight {
	in := domain.Insight{
		Type:            "flow_health",
		Title:           "Review flow status",
		Description:     fmt.Sprintf("There are %d items in review. Healthy flow", review),
		Severity:        domain.SeverityInfo,
		Confidence:      0.85,
		Recommendations: []string{"Keep the current pace"},
		AffectedTeams:   []string{},
	}
	if review <= limit {
		return in
	}
	in.Type = "bottleneck"
	in.Description = fmt.Sprintf("There are %d items in review. Possible bottleneck", review)
	in.Severity = domain.SeverityMedium
	in.Recommendations = []string{"Increase review capacity", "Revisit acceptance criteria"}
	for i, t := range teams {
		if i == 2 {
			break
		}
		in.AffectedTeams = append(in.AffectedTeams, t.ID)
	}
	return in
}

// ErrorPayload is returned in place of a provider result when the provider
// call fails. It always carries one technical risk describing the failure.
func ErrorPayload(msg string) domain.AIAnalysis {
	return Canonical(domain.AIAnalysis{
		Analysis: "AI analysis error: " + msg,
		Insights: []domain.Insight{},
		Risks: []domain.Risk{{
			Title:       "AI system error",
			Description: "The AI director hit an error: " + msg,
			Severity:    domain.SeverityMedium,
			Probability: 1.0,
			Impact:      0.3,
			Category:    domain.RiskTechnical,
		}},
		Recommendations: []domain.Recommendation{
			{Text: "Verify AI configuration"},
			{Text: "Check connectivity"},
			{Text: "Use manual analysis meanwhile"},
		},
		Actions: []domain.Action{},
	})
}
