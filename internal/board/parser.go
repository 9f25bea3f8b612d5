// Package board turns the plain-text kanban board into snapshots.
//
// Board text is a sequence of "#" header lines naming columns and checkbox
// item lines of the form "- [ ] **[US-12]** Title". WIP markers ("WIP: 2/3")
// may appear anywhere.
//
// Known limitation: WIP markers carry no column name, so successive matches
// are assigned positionally to ready, in_progress and review. A board that
// omits the ready marker shifts every later reading by one column.
package board

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"flowlens/internal/domain"
)

var (
	itemPattern = regexp.MustCompile(`\*\*\[([^\]]+)\]\*\*\s*(.+)`)
	wipPattern  = regexp.MustCompile(`WIP:\s*(\d+)/(\d+)`)

	// wipColumns is the positional order for WIP markers.
	wipColumns = []domain.CardStatus{domain.StatusReady, domain.StatusInProgress, domain.StatusReview}
)

type headerRule struct {
	status   domain.CardStatus
	keywords []string
}

// Order matters: the first rule whose keyword appears in a header wins.
var headerRules = []headerRule{
	{domain.StatusBacklog, []string{"BACKLOG"}},
	{domain.StatusReady, []string{"READY", "REFINADO", "REFINED"}},
	{domain.StatusInProgress, []string{"EN PROGRESO", "IN PROGRESS", "IN_PROGRESS"}},
	{domain.StatusReview, []string{"REVISIÓN", "REVISION", "REVIEW"}},
	{domain.StatusBlocked, []string{"BLOQUEADO", "BLOCKED"}},
	{domain.StatusDone, []string{"HECHO", "DONE"}},
}

const itemPrefix = "- [ ]"

// Parse builds a snapshot dated date from board text. It never fails:
// lines it does not understand are skipped.
func Parse(text string, date time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		Date:    date,
		Columns: make(map[domain.CardStatus][]domain.Item, len(domain.Statuses)),
		WIP:     ParseWIP(text),
		Blocked: CountBlocked(text),
	}
	for _, s := range domain.Statuses {
		snap.Columns[s] = []domain.Item{}
	}
	var current domain.CardStatus
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if isHeader(line) {
			current, _ = ColumnForHeader(line)
			continue
		}
		if current == "" || !strings.HasPrefix(line, itemPrefix) {
			continue
		}
		if item, ok := ParseItem(line); ok {
			snap.Columns[current] = append(snap.Columns[current], item)
		}
	}
	return snap
}

// ColumnForHeader maps a header line to its column using the header vocabulary.
func ColumnForHeader(line string) (domain.CardStatus, bool) {
	upper := strings.ToUpper(line)
	for _, rule := range headerRules {
		for _, kw := range rule.keywords {
			if strings.Contains(upper, kw) {
				return rule.status, true
			}
		}
	}
	return "", false
}

// ParseItem extracts the id and title from a checkbox line.
func ParseItem(line string) (domain.Item, bool) {
	m := itemPattern.FindStringSubmatch(line)
	if m == nil {
		return domain.Item{}, false
	}
	title := strings.TrimSpace(m[2])
	if title == "" {
		return domain.Item{}, false
	}
	return domain.Item{ID: m[1], Title: title, Type: ItemType(m[1])}, true
}

// ItemType classifies an item by its id prefix.
func ItemType(id string) domain.ItemType {
	switch {
	case strings.HasPrefix(id, "US-"):
		return domain.ItemUserStory
	case strings.HasPrefix(id, "T-"):
		return domain.ItemTask
	case strings.HasPrefix(id, "EP-"):
		return domain.ItemEpic
	default:
		return domain.ItemUnknown
	}
}

// ParseWIP assigns "WIP: c/l" markers to ready, in_progress and review in
// the order they appear. Markers beyond the third are ignored.
func ParseWIP(text string) map[domain.CardStatus]domain.WIPReading {
	out := map[domain.CardStatus]domain.WIPReading{}
	for i, m := range wipPattern.FindAllStringSubmatch(text, -1) {
		if i >= len(wipColumns) {
			break
		}
		current, err1 := strconv.Atoi(m[1])
		limit, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		out[wipColumns[i]] = domain.WIPReading{Current: current, Limit: limit}
	}
	return out
}

// CountBlocked counts checkbox lines under the blocked header, stopping at
// the next header line.
func CountBlocked(text string) int {
	inBlocked := false
	count := 0
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if isHeader(line) {
			if status, ok := ColumnForHeader(line); ok && status == domain.StatusBlocked {
				inBlocked = true
				continue
			}
			if inBlocked {
				break
			}
			continue
		}
		if inBlocked && strings.HasPrefix(line, itemPrefix) {
			count++
		}
	}
	return count
}

func isHeader(line string) bool {
	return strings.HasPrefix(line, "#")
}
