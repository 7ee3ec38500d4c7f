package core

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

func at(sec float64) time.Time {
	return time.Unix(0, 0).Add(time.Duration(sec * float64(time.Second)))
}

func TestPrimaryUserScheduleIsActive(t *testing.T) {
	s, err := NewPrimaryUserSchedule(
		model.ActivityInterval{Channel: 0, Start: at(5), End: at(8)},
		model.ActivityInterval{Channel: 0, Start: at(1), End: at(2)},
		model.ActivityInterval{Channel: 1, Start: at(0), End: at(10)},
	)
	if err != nil {
		t.Fatalf("NewPrimaryUserSchedule: %v", err)
	}

	tests := []struct {
		name  string
		ch    model.Channel
		start time.Time
		d     time.Duration
		want  bool
	}{
		{"before any interval", 0, at(0), 500 * time.Millisecond, false},
		{"window reaches interval start", 0, at(0.5), time.Second, true},
		{"window ends at interval start", 0, at(0), time.Second, false},
		{"inside gap", 0, at(2), 3 * time.Second, false},
		{"spans whole interval", 0, at(4), 5 * time.Second, true},
		{"point at start", 0, at(5), 0, true},
		{"point at end is outside", 0, at(8), 0, false},
		{"after last interval", 0, at(9), time.Hour, false},
		{"other channel", 1, at(9.9), 0, true},
		{"unknown channel", 4, at(1), time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsActive(tt.ch, tt.start, tt.d); got != tt.want {
				t.Fatalf("IsActive(%v, %v, %v) = %v, want %v", tt.ch, tt.start, tt.d, got, tt.want)
			}
		})
	}
}

func TestPrimaryUserScheduleMergesOverlaps(t *testing.T) {
	s, err := NewPrimaryUserSchedule(
		model.ActivityInterval{Channel: 2, Start: at(1), End: at(3)},
		model.ActivityInterval{Channel: 2, Start: at(2), End: at(4)},
		model.ActivityInterval{Channel: 2, Start: at(4), End: at(5)},
		model.ActivityInterval{Channel: 2, Start: at(7), End: at(8)},
	)
	if err != nil {
		t.Fatalf("NewPrimaryUserSchedule: %v", err)
	}
	got := s.Intervals(2)
	if len(got) != 2 || !got[0].Start.Equal(at(1)) || !got[0].End.Equal(at(5)) {
		t.Fatalf("Intervals = %+v, want [1s,5s) and [7s,8s)", got)
	}
	if dc := s.DutyCycle(2, at(0), at(10)); math.Abs(dc-0.5) > 1e-9 {
		t.Fatalf("DutyCycle = %v, want 0.5", dc)
	}
}

func TestPrimaryUserScheduleRejectsEmptyIntervals(t *testing.T) {
	if _, err := NewPrimaryUserSchedule(model.ActivityInterval{Channel: 0, Start: at(2), End: at(2)}); err == nil {
		t.Fatalf("empty interval accepted")
	}
	if _, err := NewPrimaryUserSchedule(model.ActivityInterval{Channel: -1, Start: at(0), End: at(1)}); err == nil {
		t.Fatalf("negative channel accepted")
	}
}

func TestGenerateOnOffActivityDutyCycle(t *testing.T) {
	plan := model.ChannelPlan{Count: 3}
	start := at(0)
	horizon := 200 * time.Hour
	meanOn, meanOff := time.Minute, 3*time.Minute

	ivs, err := GenerateOnOffActivity(plan, start, horizon, meanOn, meanOff, rand.New(rand.NewPCG(5, 6)))
	if err != nil {
		t.Fatalf("GenerateOnOffActivity: %v", err)
	}
	s, err := NewPrimaryUserSchedule(ivs...)
	if err != nil {
		t.Fatalf("NewPrimaryUserSchedule: %v", err)
	}

	for _, ch := range plan.Channels() {
		for _, iv := range s.Intervals(ch) {
			if iv.Start.Before(start) || iv.End.After(start.Add(horizon)) {
				t.Fatalf("interval %+v outside horizon", iv)
			}
		}
		// 3000 ON/OFF cycles per channel; expected duty cycle 0.25.
		if dc := s.DutyCycle(ch, start, start.Add(horizon)); math.Abs(dc-0.25) > 0.03 {
			t.Fatalf("%s duty cycle = %.3f, want about 0.25", ch, dc)
		}
	}

	if _, err := GenerateOnOffActivity(plan, start, horizon, 0, meanOff, nil); err == nil {
		t.Fatalf("zero mean accepted")
	}
}
