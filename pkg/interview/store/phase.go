package store

// Phase is the lifecycle stage of an interview session.
type Phase int

const (
	// PhaseIdle is the resting state before a start and after an end.
	PhaseIdle Phase = iota
	// PhaseStarting waits on the backend for a session.
	PhaseStarting
	// PhaseAwaitingMedia holds a session and waits for the media room.
	PhaseAwaitingMedia
	// PhaseActive is a connected, running interview.
	PhaseActive
	// PhaseEnding runs the teardown sequence.
	PhaseEnding
	// PhaseError is a stalled session after a media connection failure.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseStarting:
		return "STARTING"
	case PhaseAwaitingMedia:
		return "AWAITING_MEDIA"
	case PhaseActive:
		return "ACTIVE"
	case PhaseEnding:
		return "ENDING"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseStarting},
	PhaseError:         {PhaseStarting, PhaseIdle},
	PhaseStarting:      {PhaseAwaitingMedia, PhaseIdle},
	PhaseAwaitingMedia: {PhaseActive, PhaseError, PhaseIdle},
	PhaseActive:        {PhaseEnding},
	PhaseEnding:        {PhaseIdle},
}

// CanTransition reports whether the lifecycle permits moving from p to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InSession reports whether a session object is held in this phase.
func (p Phase) InSession() bool {
	switch p {
	case PhaseStarting, PhaseAwaitingMedia, PhaseActive, PhaseEnding:
		return true
	default:
		return false
	}
}
