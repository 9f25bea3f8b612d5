package domain

// CardStatus is the workflow column a card sits in.
type CardStatus string

const (
	StatusBacklog    CardStatus = "backlog"
	StatusReady      CardStatus = "ready"
	StatusInProgress CardStatus = "in_progress"
	StatusReview     CardStatus = "review"
	StatusBlocked    CardStatus = "blocked"
	StatusDone       CardStatus = "done"
)

// Statuses lists every card status in board order.
var Statuses = []CardStatus{StatusBacklog, StatusReady, StatusInProgress, StatusReview, StatusBlocked, StatusDone}

// Active reports whether the status counts toward a user's current load.
func (s CardStatus) Active() bool {
	return s == StatusReady || s == StatusInProgress || s == StatusReview
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectActive    ProjectStatus = "active"
	ProjectOnHold    ProjectStatus = "on_hold"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

type Member struct {
	UserID   string  `json:"user_id" yaml:"user_id"`
	Capacity float64 `json:"capacity" yaml:"capacity"`
	Role     string  `json:"role,omitempty" yaml:"role"`
}

type Team struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Members   []Member       `json:"members,omitempty" yaml:"members"`
	WIPLimits map[string]int `json:"wip_limits,omitempty" yaml:"wip_limits"`
}

type Project struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Status   ProjectStatus `json:"status" yaml:"status" enum:"planning,active,on_hold,completed,cancelled"`
	Priority Priority      `json:"priority,omitempty" yaml:"priority"`
	TeamIDs  []string      `json:"team_ids,omitempty" yaml:"team_ids"`
	Progress float64       `json:"progress" yaml:"progress" minimum:"0" maximum:"100"`
}

type Card struct {
	ID             string     `json:"id" yaml:"id"`
	Title          string     `json:"title,omitempty" yaml:"title"`
	TeamID         string     `json:"team_id" yaml:"team_id"`
	ProjectID      string     `json:"project_id,omitempty" yaml:"project_id"`
	AssigneeID     string     `json:"assignee_id,omitempty" yaml:"assignee_id"`
	Status         CardStatus `json:"status" yaml:"status" enum:"backlog,ready,in_progress,review,blocked,done"`
	EstimatedHours *float64   `json:"estimated_hours,omitempty" yaml:"estimated_hours"`
	Priority       Priority   `json:"priority,omitempty" yaml:"priority"`
	Dependencies   []string   `json:"dependencies,omitempty" yaml:"dependencies"`
}

// Estimate returns the estimated hours, treating a missing estimate as zero.
func (c Card) Estimate() float64 {
	if c.EstimatedHours == nil || *c.EstimatedHours < 0 {
		return 0
	}
	return *c.EstimatedHours
}

type User struct {
	ID            string  `json:"id" yaml:"id"`
	Name          string  `json:"name" yaml:"name"`
	DailyCapacity float64 `json:"daily_capacity" yaml:"daily_capacity"`
	Role          string  `json:"role,omitempty" yaml:"role"`
}

// Entities is the materialized organization state handed to every analysis.
type Entities struct {
	Teams    []Team    `json:"teams" yaml:"teams" required:"false"`
	Projects []Project `json:"projects" yaml:"projects" required:"false"`
	Cards    []Card    `json:"cards" yaml:"cards" required:"false"`
	Users    []User    `json:"users" yaml:"users" required:"false"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates API clients. Only the SHA-256 hash of the key is
// stored.
type APIKey struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}
