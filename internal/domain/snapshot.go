package domain

import "time"

type ItemType string

const (
	ItemUserStory ItemType = "user_story"
	ItemTask      ItemType = "task"
	ItemEpic      ItemType = "epic"
	ItemUnknown   ItemType = "unknown"
)

// Item is a lightweight board entry captured by a snapshot.
type Item struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Type  ItemType `json:"type"`
}

type WIPReading struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// Snapshot is a point-in-time capture of board state. Snapshots are
// immutable once recorded.
type Snapshot struct {
	ID      string                    `json:"id,omitempty"`
	Date    time.Time                 `json:"date" format:"date-time"`
	Columns map[CardStatus][]Item     `json:"columns"`
	WIP     map[CardStatus]WIPReading `json:"wip_limits,omitempty"`
	Blocked int                       `json:"blocked_items"`
}

// Count returns the number of items in a column.
func (s Snapshot) Count(col CardStatus) int {
	return len(s.Columns[col])
}

// TotalWIP sums the ready, in progress and review columns.
func (s Snapshot) TotalWIP() int {
	return s.Count(StatusReady) + s.Count(StatusInProgress) + s.Count(StatusReview)
}

// Day truncates the snapshot date to midnight UTC. History keeps one
// snapshot per day.
func (s Snapshot) Day() time.Time {
	return s.Date.UTC().Truncate(24 * time.Hour)
}
