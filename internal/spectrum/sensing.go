package spectrum

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// Rand is the random source used for misdetection draws.
type Rand interface {
	// Float64 returns a pseudo-random number in [0.0, 1.0).
	Float64() float64
}

// Sensing turns ground-truth occupancy into a sensing verdict. The only
// error it models is misdetection: an active primary user is reported
// absent with probability MisdetectionProbability. It never reports a
// primary user that is not there.
type Sensing struct {
	oracle OccupancyOracle
	pMiss  float64
	rng    Rand

	// onMisdetection is invoked for every verdict that missed an active PU.
	onMisdetection func(channel model.Channel)
}

// NewSensing builds a sensing module. A nil rng uses a randomly seeded PCG.
func NewSensing(oracle OccupancyOracle, misdetectionProbability float64, rng Rand) (*Sensing, error) {
	if oracle == nil {
		return nil, fmt.Errorf("%w: occupancy oracle", ErrNilCollaborator)
	}
	if !(misdetectionProbability >= 0 && misdetectionProbability <= 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidProbability, misdetectionProbability)
	}
	if rng == nil {
		rng = newPCG()
	}
	return &Sensing{
		oracle: oracle,
		pMiss:  misdetectionProbability,
		rng:    rng,
	}, nil
}

// MisdetectionProbability returns the configured probability of missing an
// active primary user.
func (s *Sensing) MisdetectionProbability() float64 { return s.pMiss }

// Sense evaluates channel over w. One random draw is taken per call, and
// only when the primary user is active.
func (s *Sensing) Sense(channel model.Channel, w Window) (Verdict, error) {
	if s == nil || s.oracle == nil {
		return VerdictAbsent, ErrNoPuModel
	}
	// Oracles answer over [start, start+d); time has nanosecond resolution,
	// so one extra nanosecond closes the window at its end.
	if !s.oracle.IsActive(channel, w.Start, w.Duration+time.Nanosecond) {
		return VerdictAbsent, nil
	}
	if s.pMiss > 0 && s.rng.Float64() < s.pMiss {
		if s.onMisdetection != nil {
			s.onMisdetection(channel)
		}
		return VerdictAbsent, nil
	}
	return VerdictPresent, nil
}
