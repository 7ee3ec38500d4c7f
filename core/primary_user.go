package core

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// PrimaryUserSchedule is the ground truth of primary user activity: for
// each channel, a sorted list of non-overlapping ON intervals. It
// implements spectrum.OccupancyOracle and is safe for concurrent use.
type PrimaryUserSchedule struct {
	mu        sync.RWMutex
	intervals map[model.Channel][]model.ActivityInterval
}

// NewPrimaryUserSchedule builds a schedule from intervals in any order.
func NewPrimaryUserSchedule(intervals ...model.ActivityInterval) (*PrimaryUserSchedule, error) {
	s := &PrimaryUserSchedule{intervals: make(map[model.Channel][]model.ActivityInterval)}
	for _, iv := range intervals {
		if err := s.Add(iv); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts an ON interval. Intervals overlapping one already present on
// the same channel are merged.
func (s *PrimaryUserSchedule) Add(iv model.ActivityInterval) error {
	if !iv.End.After(iv.Start) {
		return fmt.Errorf("core: empty activity interval on %s [%v, %v)", iv.Channel, iv.Start, iv.End)
	}
	if iv.Channel < 0 {
		return fmt.Errorf("core: negative channel %d", int(iv.Channel))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.intervals[iv.Channel], iv)
	sort.Slice(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })

	merged := list[:1]
	for _, cur := range list[1:] {
		last := &merged[len(merged)-1]
		if !cur.Start.After(last.End) {
			if cur.End.After(last.End) {
				last.End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	s.intervals[iv.Channel] = merged
	return nil
}

// IsActive reports whether the primary user transmits on channel at any
// point of [start, start+d). A zero d is a point query.
func (s *PrimaryUserSchedule) IsActive(channel model.Channel, start time.Time, d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.intervals[channel]
	// First interval that ends after start.
	i := sort.Search(len(list), func(i int) bool { return list[i].End.After(start) })
	return i < len(list) && list[i].Overlaps(start, d)
}

// Intervals returns a copy of the ON intervals of channel.
func (s *PrimaryUserSchedule) Intervals(channel model.Channel) []model.ActivityInterval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ActivityInterval(nil), s.intervals[channel]...)
}

// DutyCycle returns the fraction of [from, to) during which the primary
// user is active on channel.
func (s *PrimaryUserSchedule) DutyCycle(channel model.Channel, from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var on time.Duration
	for _, iv := range s.intervals[channel] {
		lo, hi := iv.Start, iv.End
		if lo.Before(from) {
			lo = from
		}
		if hi.After(to) {
			hi = to
		}
		if hi.After(lo) {
			on += hi.Sub(lo)
		}
	}
	return float64(on) / float64(to.Sub(from))
}

// GenerateOnOffActivity draws an alternating exponential ON/OFF process on
// every channel of plan over [start, start+horizon). Each channel starts
// in its stationary state: ON with probability meanOn/(meanOn+meanOff).
func GenerateOnOffActivity(plan model.ChannelPlan, start time.Time, horizon, meanOn, meanOff time.Duration, rng *rand.Rand) ([]model.ActivityInterval, error) {
	if meanOn <= 0 || meanOff <= 0 {
		return nil, fmt.Errorf("core: ON/OFF means must be positive, got %v/%v", meanOn, meanOff)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	end := start.Add(horizon)
	pOn := float64(meanOn) / float64(meanOn+meanOff)

	var out []model.ActivityInterval
	for _, ch := range plan.Channels() {
		t := start
		on := rng.Float64() < pOn
		for t.Before(end) {
			mean := meanOff
			if on {
				mean = meanOn
			}
			d := time.Duration(rng.ExpFloat64() * float64(mean))
			if d <= 0 {
				d = time.Nanosecond
			}
			next := t.Add(d)
			if next.After(end) {
				next = end
			}
			if on {
				out = append(out, model.ActivityInterval{Channel: ch, Start: t, End: next})
			}
			t = next
			on = !on
		}
	}
	return out, nil
}
