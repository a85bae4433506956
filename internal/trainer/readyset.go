package trainer

import (
	"sort"
	"time"
)

// readySet maps buffer index to the time the buffer first reached
// ReturnsLength frames. Writers hold both the priority lock and the
// forward write lock.
type readySet struct {
	since map[int]time.Time
}

func newReadySet() *readySet {
	return &readySet{since: make(map[int]time.Time)}
}

func (r *readySet) len() int { return len(r.since) }

func (r *readySet) contains(idx int) bool {
	_, ok := r.since[idx]
	return ok
}

// insert adds idx unless already present. An existing entry keeps its
// original time so a busy buffer cannot postpone the grace period.
func (r *readySet) insert(idx int, now time.Time) {
	if _, ok := r.since[idx]; !ok {
		r.since[idx] = now
	}
}

func (r *readySet) remove(idx int) {
	delete(r.since, idx)
}

func (r *readySet) clear() {
	r.since = make(map[int]time.Time)
}

// oldest returns the earliest ready time
func (r *readySet) oldest() (time.Time, bool) {
	var (
		min   time.Time
		found bool
	)
	for _, ts := range r.since {
		if !found || ts.Before(min) {
			min, found = ts, true
		}
	}
	return min, found
}

// selection returns up to limit indices, oldest first, ties by index.
func (r *readySet) selection(limit int) []int {
	out := make([]int, 0, len(r.since))
	for idx := range r.since {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := r.since[out[i]], r.since[out[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i] < out[j]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
