package proxy

// State is the attachment state of a Proxy.
type State int

const (
	Disconnected State = iota
	Connecting
	Attached
	Closing
)

var stateNames = [...]string{"disconnected", "connecting", "attached", "closing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// stateTransitions is the full transition table. A proxy is single-use:
// once it returns to Disconnected through Closing it cannot start again.
var stateTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Attached, Closing},
	Attached:     {Closing},
	Closing:      {Disconnected},
}

func (s State) canTransition(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
