package session

import "fmt"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// transitions lists the states reachable from each non-terminal state.
// Stopped and error have no entry: teardown is irreversible.
var transitions = map[Status][]Status{
	StatusPending:  {StatusStarting, StatusStopped, StatusError},
	StatusStarting: {StatusRunning, StatusStopped, StatusError},
	StatusRunning:  {StatusStopped, StatusError},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Active reports whether the session still holds or is acquiring a container.
func (s Status) Active() bool {
	return !s.Terminal()
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError reports a disallowed state change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: cannot move from %s to %s", e.From, e.To)
}

// MapEngineStatus folds the engine's container states onto the five
// session states.
func MapEngineStatus(native string) Status {
	switch native {
	case "created":
		return StatusPending
	case "restarting":
		return StatusStarting
	case "running", "paused":
		return StatusRunning
	case "exited", "dead", "removing":
		return StatusStopped
	default:
		return StatusError
	}
}
