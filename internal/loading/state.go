// Package loading watches loading episodes of a tab for stuck and ghost
// loads and for user inactivity.
package loading

// State is the position of the current loading episode.
type State int

const (
	// Idle means no episode is open.
	Idle State = iota
	// Tracking means an episode is open and within its budget.
	Tracking
	// Stuck means the open episode outlived its budget. It is advisory:
	// tracking continues until stopped.
	Stuck
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Stuck:
		return "stuck"
	default:
		return "unknown"
	}
}

// Input drives Transition.
type Input int

const (
	// Begin opens an episode.
	Begin Input = iota
	// Complete closes an episode normally.
	Complete
	// Exceeded reports the episode outliving its budget.
	Exceeded
	// Ghost reports an episode with no real work behind it.
	Ghost
	// Abort closes an episode during emergency recovery.
	Abort
)

// Transition returns the state after in. Inputs that do not apply to s
// leave it unchanged.
func Transition(s State, in Input) State {
	switch s {
	case Idle:
		if in == Begin {
			return Tracking
		}
	case Tracking:
		switch in {
		case Exceeded:
			return Stuck
		case Complete, Ghost, Abort:
			return Idle
		}
	case Stuck:
		switch in {
		case Complete, Ghost, Abort:
			return Idle
		}
	}
	return s
}

// tracking reports whether s has an open episode.
func (s State) tracking() bool {
	return s == Tracking || s == Stuck
}
