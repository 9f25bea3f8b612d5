// Package workload compares each user's assigned active work with their
// weekly capacity.
package workload

import (
	"fmt"

	"flowlens/internal/domain"
)

const (
	DefaultOverload         = 0.9
	DefaultUnderutilization = 0.6
	DefaultWorkDays         = 5
)

type UserLoad struct {
	UserID         string  `json:"user_id"`
	Name           string  `json:"name,omitempty"`
	CurrentLoad    float64 `json:"current_load"`
	WeeklyCapacity float64 `json:"capacity"`
	Utilization    float64 `json:"utilization"`
	CardsCount     int     `json:"cards_count"`
}

// Assessment is the utilization view of one entity set.
type Assessment struct {
	Users           []UserLoad                      `json:"workload_analysis"`
	Overloaded      []string                        `json:"overloaded_users"`
	Underutilized   []string                        `json:"underutilized_users"`
	Recommendations []domain.WorkloadRecommendation `json:"recommendations"`
	TeamLoad        map[string]float64              `json:"team_load"`
}

// Findings returns the recommendations as generic findings.
func (r Assessment) Findings() []domain.Finding {
	out := make([]domain.Finding, 0, len(r.Recommendations))
	for _, rec := range r.Recommendations {
		out = append(out, rec)
	}
	return out
}

// Optimizer classifies users by utilization. The zero value uses defaults.
type Optimizer struct {
	Overload         float64
	Underutilization float64
	WorkDays         int
}

func (o Optimizer) thresholds() (over, under float64, days int) {
	over, under, days = o.Overload, o.Underutilization, o.WorkDays
	if over <= 0 {
		over = DefaultOverload
	}
	if under <= 0 {
		under = DefaultUnderutilization
	}
	if days <= 0 {
		days = DefaultWorkDays
	}
	return over, under, days
}

// Optimize computes per-user load over ready, in progress and review cards.
// Users keep their input order.
func (o Optimizer) Optimize(teams []domain.Team, users []domain.User, cards []domain.Card) Assessment {
	over, under, days := o.thresholds()

	load := map[string]float64{}
	count := map[string]int{}
	for _, c := range cards {
		if c.AssigneeID == "" || !c.Status.Active() {
			continue
		}
		load[c.AssigneeID] += c.Estimate()
		count[c.AssigneeID]++
	}

	res := Assessment{
		Users:           make([]UserLoad, 0, len(users)),
		Overloaded:      []string{},
		Underutilized:   []string{},
		Recommendations: []domain.WorkloadRecommendation{},
	}
	for _, u := range users {
		weekly := u.DailyCapacity * float64(days)
		ul := UserLoad{
			UserID:         u.ID,
			Name:           u.Name,
			CurrentLoad:    load[u.ID],
			WeeklyCapacity: weekly,
			Utilization:    Utilization(load[u.ID], weekly),
			CardsCount:     count[u.ID],
		}
		res.Users = append(res.Users, ul)
		switch {
		case ul.Utilization > over:
			res.Overloaded = append(res.Overloaded, u.ID)
		case ul.Utilization < under:
			res.Underutilized = append(res.Underutilized, u.ID)
		}
	}

	if len(res.Overloaded) > 0 {
		res.Recommendations = append(res.Recommendations, domain.WorkloadRecommendation{
			Type:          domain.KindRedistribute,
			Priority:      domain.PriorityHigh,
			Description:   fmt.Sprintf("%d overloaded users detected", len(res.Overloaded)),
			AffectedUsers: append([]string(nil), res.Overloaded...),
			Action:        "Redistribute work or revisit estimates",
		})
	}
	if len(res.Underutilized) > 0 {
		res.Recommendations = append(res.Recommendations, domain.WorkloadRecommendation{
			Type:          domain.KindIncreaseCapacity,
			Priority:      domain.PriorityMedium,
			Description:   fmt.Sprintf("%d underutilized users", len(res.Underutilized)),
			AffectedUsers: append([]string(nil), res.Underutilized...),
			Action:        "Assign more work or reassign to critical projects",
		})
	}
	res.TeamLoad = teamLoad(teams, res.Users)
	return res
}

// Utilization is load over capacity, or 0 when capacity is not positive.
func Utilization(load, capacity float64) float64 {
	if capacity <= 0 || load <= 0 {
		return 0
	}
	return load / capacity
}

func teamLoad(teams []domain.Team, users []UserLoad) map[string]float64 {
	byUser := make(map[string]float64, len(users))
	for _, u := range users {
		byUser[u.UserID] = u.CurrentLoad
	}
	out := make(map[string]float64, len(teams))
	for _, t := range teams {
		total := 0.0
		for _, m := range t.Members {
			total += byUser[m.UserID]
		}
		out[t.ID] = total
	}
	return out
}
