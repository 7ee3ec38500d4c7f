package spectrum

import "errors"

// Errors reported by the spectrum manager and its timers.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyStarted is returned by Start and the configuration setters
	// once the sense/transmit/handoff cycle is running.
	ErrAlreadyStarted = errors.New("spectrum: manager already started")

	// ErrNoPuModel is returned when sensing or an interference query needs
	// the occupancy oracle before SetPuModel was called.
	ErrNoPuModel = errors.New("spectrum: primary user model not set")

	// ErrNoRepository is returned by Start when no shared repository is set.
	ErrNoRepository = errors.New("spectrum: repository not set")

	// ErrInvalidProbability is returned for a misdetection probability
	// outside [0, 1].
	ErrInvalidProbability = errors.New("spectrum: misdetection probability must be within [0, 1]")

	// ErrNilCollaborator is returned when a required collaborator is nil.
	ErrNilCollaborator = errors.New("spectrum: nil collaborator")

	// ErrSequencing is returned when a completion callback fires while the
	// manager is not in the matching phase. The callback is ignored.
	ErrSequencing = errors.New("spectrum: completion callback out of sequence")

	// ErrTimerPending is returned when arming a timer that has neither fired
	// nor been cancelled.
	ErrTimerPending = errors.New("spectrum: timer already pending")

	// ErrInvalidDuration is returned for negative timer durations.
	ErrInvalidDuration = errors.New("spectrum: negative duration")

	// ErrHandoffInFlight is returned by Stop while switching on a radio
	// that cannot abort the switch. The manager keeps switching.
	ErrHandoffInFlight = errors.New("spectrum: handoff in flight and radio cannot abort it")

	// ErrNoChannels is returned when a manager is built without a channel plan.
	ErrNoChannels = errors.New("spectrum: empty channel list")
)
