package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"flowlens/internal/domain"
)

// DefaultRetention is the rolling window kept in history.
const DefaultRetention = 90 * 24 * time.Hour

// History is the date-ordered snapshot sequence, one snapshot per calendar
// day. Writers are serialized; readers load an immutable slice and never
// block or observe a half-pruned state.
type History struct {
	retention time.Duration
	mu        sync.Mutex
	snaps     atomic.Pointer[[]domain.Snapshot]
}

// NewHistory returns an empty history pruned to retention. A non-positive
// retention selects DefaultRetention.
func NewHistory(retention time.Duration) *History {
	if retention <= 0 {
		retention = DefaultRetention
	}
	h := &History{retention: retention}
	empty := []domain.Snapshot{}
	h.snaps.Store(&empty)
	return h
}

// Record inserts snap in date order, replacing any snapshot of the same
// day, and evicts entries older than the retention window measured from the
// newest snapshot. It returns the evicted snapshots; a replaced snapshot is
// not reported as evicted.
func (h *History) Record(snap domain.Snapshot) []domain.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	day := snap.Day()
	cur := *h.snaps.Load()
	next := make([]domain.Snapshot, 0, len(cur)+1)
	for _, s := range cur {
		if !s.Day().Equal(day) {
			next = append(next, s)
		}
	}
	idx := sort.Search(len(next), func(i int) bool { return next[i].Date.After(snap.Date) })
	next = append(next, domain.Snapshot{})
	copy(next[idx+1:], next[idx:])
	next[idx] = snap

	cutoff := next[len(next)-1].Date.Add(-h.retention)
	keepFrom := sort.Search(len(next), func(i int) bool { return !next[i].Date.Before(cutoff) })
	evicted := append([]domain.Snapshot(nil), next[:keepFrom]...)
	kept := next[keepFrom:]
	h.snaps.Store(&kept)
	return evicted
}

// Snapshots returns the current history, oldest first. The returned slice
// must not be modified.
func (h *History) Snapshots() []domain.Snapshot {
	return *h.snaps.Load()
}

// Len returns the number of recorded snapshots.
func (h *History) Len() int {
	return len(*h.snaps.Load())
}

// Latest returns the newest snapshot.
func (h *History) Latest() (domain.Snapshot, bool) {
	snaps := h.Snapshots()
	if len(snaps) == 0 {
		return domain.Snapshot{}, false
	}
	return snaps[len(snaps)-1], true
}

// Cutoff returns the oldest date still retained, or the zero time when empty.
func (h *History) Cutoff() time.Time {
	latest, ok := h.Latest()
	if !ok {
		return time.Time{}
	}
	return latest.Date.Add(-h.retention)
}

// Window returns the last n snapshots (all when n exceeds the history).
func (h *History) Window(n int) []domain.Snapshot {
	return lastN(h.Snapshots(), n)
}

func lastN(snaps []domain.Snapshot, n int) []domain.Snapshot {
	if n <= 0 || n >= len(snaps) {
		return snaps
	}
	return snaps[len(snaps)-n:]
}
