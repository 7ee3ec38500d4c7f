package model

import "time"

// ActivityInterval is a half-open interval [Start, End) during which the
// primary user transmits on Channel.
type ActivityInterval struct {
	Channel Channel
	Start   time.Time
	End     time.Time
}

// Overlaps reports whether the interval intersects [start, start+d). A zero
// d is treated as a point query at start.
func (a ActivityInterval) Overlaps(start time.Time, d time.Duration) bool {
	if d <= 0 {
		return !start.Before(a.Start) && start.Before(a.End)
	}
	end := start.Add(d)
	return start.Before(a.End) && a.Start.Before(end)
}
