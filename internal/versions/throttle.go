package versions

import "time"

// Throttle tracks the last snapshot time of one note. It is owned by that
// note's room and is not safe for concurrent use.
type Throttle struct {
	interval time.Duration
	last     time.Time
}

func NewThrottle(interval time.Duration, last time.Time) *Throttle {
	return &Throttle{interval: interval, last: last}
}

// Allow reports whether a snapshot may be taken at now.
func (t *Throttle) Allow(now time.Time) bool {
	return t.last.IsZero() || now.Sub(t.last) >= t.interval
}

func (t *Throttle) Mark(now time.Time) {
	t.last = now
}

// Next returns the earliest time a snapshot is allowed again.
func (t *Throttle) Next() time.Time {
	if t.last.IsZero() {
		return time.Time{}
	}
	return t.last.Add(t.interval)
}

func (t *Throttle) Last() time.Time {
	return t.last
}
