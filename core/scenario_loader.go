package core

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/cognitive-radio-sim/model"
)

// Primary user activity files list ON periods as offsets from the
// simulation start:
//
//	activity:
//	  - channel: 0
//	    start: 2s
//	    end: 5s
//	  - channel: 1
//	    start: 1m
//	    duration: 30s
type activityFileYAML struct {
	Activity []activityYAML `yaml:"activity"`
}

type activityYAML struct {
	Channel  *int          `yaml:"channel"`
	Start    time.Duration `yaml:"start"`
	End      time.Duration `yaml:"end"`
	Duration time.Duration `yaml:"duration"`
}

// LoadPrimaryUserActivity decodes an activity file from r. Offsets are
// resolved against base. Channels outside plan are rejected when plan has
// a positive Count.
func LoadPrimaryUserActivity(r io.Reader, base time.Time, plan model.ChannelPlan) ([]model.ActivityInterval, error) {
	var payload activityFileYAML
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("LoadPrimaryUserActivity: decode failed: %w", err)
	}

	out := make([]model.ActivityInterval, 0, len(payload.Activity))
	for i, a := range payload.Activity {
		if a.Channel == nil {
			return nil, fmt.Errorf("LoadPrimaryUserActivity: entry %d has no channel", i)
		}
		ch := model.Channel(*a.Channel)
		if plan.Count > 0 && !plan.Contains(ch) {
			return nil, fmt.Errorf("LoadPrimaryUserActivity: entry %d: %w: %s", i, ErrChannelOutOfPlan, ch)
		}

		end := a.End
		if a.Duration > 0 {
			if a.End != 0 {
				return nil, fmt.Errorf("LoadPrimaryUserActivity: entry %d sets both end and duration", i)
			}
			end = a.Start + a.Duration
		}
		if a.Start < 0 || end <= a.Start {
			return nil, fmt.Errorf("LoadPrimaryUserActivity: entry %d: empty interval [%v, %v)", i, a.Start, end)
		}

		out = append(out, model.ActivityInterval{
			Channel: ch,
			Start:   base.Add(a.Start),
			End:     base.Add(end),
		})
	}
	return out, nil
}

// LoadPrimaryUserActivityFile is LoadPrimaryUserActivity on a file path.
func LoadPrimaryUserActivityFile(path string, base time.Time, plan model.ChannelPlan) ([]model.ActivityInterval, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadPrimaryUserActivity: %w", err)
	}
	defer f.Close()
	return LoadPrimaryUserActivity(f, base, plan)
}
