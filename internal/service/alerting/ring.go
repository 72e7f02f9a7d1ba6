package alerting

import "github.com/mealforge/sentinel/internal/model"

// ring is a fixed-capacity alert history; the oldest entry is overwritten.
// Not safe for concurrent use.
type ring struct {
	buf   []model.Alert
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]model.Alert, capacity)}
}

func (r *ring) push(a model.Alert) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = a
		r.size++
		return
	}
	r.buf[r.start] = a
	r.start = (r.start + 1) % len(r.buf)
}

// at returns a pointer to the i-th oldest entry.
func (r *ring) at(i int) *model.Alert {
	return &r.buf[(r.start+i)%len(r.buf)]
}

// newest returns up to n entries matching keep, newest first.
func (r *ring) newest(n int, keep func(model.Alert) bool) []model.Alert {
	out := make([]model.Alert, 0, min(r.size, max(n, 0)))
	for i := r.size - 1; i >= 0; i-- {
		a := *r.at(i)
		if !keep(a) {
			continue
		}
		out = append(out, a)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// update applies fn to every entry and returns copies of those it changed.
func (r *ring) update(fn func(*model.Alert) bool) []model.Alert {
	var changed []model.Alert
	for i := 0; i < r.size; i++ {
		if a := r.at(i); fn(a) {
			changed = append(changed, *a)
		}
	}
	return changed
}

// removeIf compacts the ring, dropping matching entries, and returns how
// many were removed.
func (r *ring) removeIf(drop func(model.Alert) bool) int {
	kept := make([]model.Alert, 0, r.size)
	for i := 0; i < r.size; i++ {
		if a := *r.at(i); !drop(a) {
			kept = append(kept, a)
		}
	}
	removed := r.size - len(kept)
	clear(r.buf)
	copy(r.buf, kept)
	r.start = 0
	r.size = len(kept)
	return removed
}
