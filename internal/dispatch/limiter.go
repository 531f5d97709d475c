package dispatch

import "time"

// windowSpan is the rolling interval the hourly cap is measured over.
const windowSpan = time.Hour

// sendWindow keeps the timestamps of recent sends, oldest first.
// Not goroutine-safe; callers hold the owning accountState lock.
type sendWindow struct {
	times []time.Time
}

// prune drops timestamps that fell out of the rolling interval.
func (w *sendWindow) prune(now time.Time) {
	cutoff := now.Add(-windowSpan)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *sendWindow) add(t time.Time) {
	w.times = append(w.times, t)
}

func (w *sendWindow) count() int {
	return len(w.times)
}

// eligibleAt returns when the next send fits under limit, given the current
// window contents. Returns the zero time when a send fits right now.
func (w *sendWindow) eligibleAt(now time.Time, limit int) time.Time {
	if limit <= 0 || len(w.times) < limit {
		return time.Time{}
	}
	// The slot frees up when the oldest counted send ages out.
	return w.times[len(w.times)-limit].Add(windowSpan)
}
