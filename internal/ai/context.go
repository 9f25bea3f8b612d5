package ai

import (
	"encoding/json"
	"time"

	"flowlens/internal/deps"
	"flowlens/internal/domain"
)

// Context is the organizational snapshot serialized into the user prompt.
type Context struct {
	Timestamp    time.Time        `json:"timestamp"`
	Summary      ContextSummary   `json:"summary"`
	Teams        []TeamContext    `json:"teams"`
	Projects     []ProjectContext `json:"projects"`
	Dependencies deps.Summary     `json:"dependencies"`
}

type ContextSummary struct {
	TeamsCount     int                       `json:"teams_count"`
	ProjectsCount  int                       `json:"projects_count"`
	ActiveProjects int                       `json:"active_projects"`
	UsersCount     int                       `json:"users_count"`
	TotalCards     int                       `json:"total_cards"`
	CardsByStatus  map[domain.CardStatus]int `json:"cards_by_status"`
}

type TeamContext struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	MembersCount int            `json:"members_count"`
	CardsCount   int            `json:"cards_count"`
	WIPLimits    map[string]int `json:"wip_limits"`
	ActiveCards  int            `json:"active_cards"`
}

type ProjectContext struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Status         domain.ProjectStatus `json:"status"`
	Priority       domain.Priority      `json:"priority"`
	TeamsCount     int                  `json:"teams_count"`
	Progress       float64              `json:"progress"`
	CardsCompleted int                  `json:"cards_completed"`
	CardsTotal     int                  `json:"cards_total"`
}

// BuildContext summarizes entities for a provider prompt.
func BuildContext(ents domain.Entities, now time.Time) Context {
	ctx := Context{
		Timestamp: now.UTC(),
		Summary: ContextSummary{
			TeamsCount:    len(ents.Teams),
			ProjectsCount: len(ents.Projects),
			UsersCount:    len(ents.Users),
			TotalCards:    len(ents.Cards),
			CardsByStatus: map[domain.CardStatus]int{},
		},
		Teams:        make([]TeamContext, 0, len(ents.Teams)),
		Projects:     make([]ProjectContext, 0, len(ents.Projects)),
		Dependencies: deps.Summarize(ents.Cards),
	}
	for _, p := range ents.Projects {
		if p.Status == domain.ProjectActive {
			ctx.Summary.ActiveProjects++
		}
	}
	for _, c := range ents.Cards {
		ctx.Summary.CardsByStatus[c.Status]++
	}
	for _, t := range ents.Teams {
		tc := TeamContext{
			ID:           t.ID,
			Name:         t.Name,
			MembersCount: len(t.Members),
			WIPLimits:    t.WIPLimits,
		}
		for _, c := range ents.Cards {
			if c.TeamID != t.ID {
				continue
			}
			tc.CardsCount++
			if c.Status.Active() {
				tc.ActiveCards++
			}
		}
		if tc.WIPLimits == nil {
			tc.WIPLimits = map[string]int{}
		}
		ctx.Teams = append(ctx.Teams, tc)
	}
	for _, p := range ents.Projects {
		pc := ProjectContext{
			ID:         p.ID,
			Name:       p.Name,
			Status:     p.Status,
			Priority:   p.Priority,
			TeamsCount: len(p.TeamIDs),
			Progress:   p.Progress,
		}
		for _, c := range ents.Cards {
			if c.ProjectID != p.ID {
				continue
			}
			pc.CardsTotal++
			if c.Status == domain.StatusDone {
				pc.CardsCompleted++
			}
		}
		ctx.Projects = append(ctx.Projects, pc)
	}
	return ctx
}

// JSON renders the context indented for inclusion in a prompt.
func (c Context) JSON() string {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
