// Package session tracks the authenticated session deadline of one tab and
// resolves expiry by refreshing or signing out, then forcing a reload.
package session

// State is the lifecycle position of a monitored session.
type State int

const (
	// Active means the session is valid and not close to its deadline.
	Active State = iota
	// Warning means the deadline is within the warning window.
	Warning
	// Expired means the deadline passed or the session could not be confirmed.
	Expired
	// Recovering means expiry handling is in progress.
	Recovering
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Input drives Transition.
type Input int

const (
	// NearDeadline reports that the remaining time fell inside the warning window.
	NearDeadline Input = iota
	// Extended reports a confirmed extension.
	Extended
	// Expire reports the deadline passing or a failed confirmation.
	Expire
	// BeginRecovery starts expiry handling.
	BeginRecovery
	// Recovered reports that expiry handling refreshed the session.
	Recovered
	// SignedOut reports that expiry handling ended the session.
	SignedOut
)

// Transition returns the state after in. Inputs that do not apply to s
// leave it unchanged.
func Transition(s State, in Input) State {
	switch s {
	case Active:
		switch in {
		case NearDeadline:
			return Warning
		case Expire:
			return Expired
		}
	case Warning:
		switch in {
		case Extended:
			return Active
		case Expire:
			return Expired
		}
	case Expired:
		if in == BeginRecovery {
			return Recovering
		}
	case Recovering:
		switch in {
		case Recovered:
			return Active
		case SignedOut:
			return Expired
		}
	}
	return s
}
