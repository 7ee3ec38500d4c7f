package spectrum

import (
	"math/rand/v2"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// Knowledge is what a decision policy sees: the node's channel plan and the
// shared repository's view of every channel in it.
type Knowledge struct {
	Node     model.NodeID
	Channels []model.Channel
	States   map[model.Channel]model.ChannelState
}

// DecisionPolicy chooses where to move once a primary user was detected.
// Returning current means no handoff.
type DecisionPolicy interface {
	SelectTargetChannel(current model.Channel, k Knowledge) model.Channel
}

// DecisionPolicyFunc adapts a function to DecisionPolicy.
type DecisionPolicyFunc func(current model.Channel, k Knowledge) model.Channel

func (f DecisionPolicyFunc) SelectTargetChannel(current model.Channel, k Knowledge) model.Channel {
	return f(current, k)
}

// candidates returns the channels other than current that no node reports
// as occupied by a primary user.
func (k Knowledge) candidates(current model.Channel) []model.Channel {
	out := make([]model.Channel, 0, len(k.Channels))
	for _, ch := range k.Channels {
		if ch == current {
			continue
		}
		if st, ok := k.States[ch]; ok && st.HasPU() {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// LeastLoadedPolicy picks the PU-free channel with the fewest secondary
// users. Ties go to the first channel after current in plan order,
// wrapping around.
type LeastLoadedPolicy struct{}

func (LeastLoadedPolicy) SelectTargetChannel(current model.Channel, k Knowledge) model.Channel {
	cands := k.candidates(current)
	if len(cands) == 0 {
		return current
	}

	pos := make(map[model.Channel]int, len(k.Channels))
	for i, ch := range k.Channels {
		pos[ch] = i
	}
	n := len(k.Channels)
	distance := func(ch model.Channel) int {
		cur, ok := pos[current]
		if !ok {
			return pos[ch]
		}
		return (pos[ch] - cur + n) % n
	}

	best := cands[0]
	for _, ch := range cands[1:] {
		lb, lc := k.States[best].Occupants, k.States[ch].Occupants
		if lc < lb || (lc == lb && distance(ch) < distance(best)) {
			best = ch
		}
	}
	return best
}

// RandomPolicy picks uniformly among PU-free channels other than current.
// The zero value draws from a randomly seeded PCG.
type RandomPolicy struct {
	rng Rand
}

// NewRandomPolicy returns a RandomPolicy drawing from rng. A nil rng uses a
// randomly seeded PCG.
func NewRandomPolicy(rng Rand) *RandomPolicy {
	if rng == nil {
		rng = newPCG()
	}
	return &RandomPolicy{rng: rng}
}

func (p *RandomPolicy) SelectTargetChannel(current model.Channel, k Knowledge) model.Channel {
	cands := k.candidates(current)
	if len(cands) == 0 {
		return current
	}
	if p.rng == nil {
		p.rng = newPCG()
	}
	i := int(p.rng.Float64() * float64(len(cands)))
	if i >= len(cands) {
		i = len(cands) - 1
	}
	return cands[i]
}

func newPCG() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
