package backend

// State is the lifecycle position of the backend process.
type State int

const (
	NotStarted State = iota
	Starting
	Ready
	Degraded
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Running reports whether a process exists in this state.
func (s State) Running() bool {
	return s == Starting || s == Ready || s == Degraded
}

// transitions lists every legal edge. Starting->NotStarted only happens when a
// first launch fails; Terminated->Starting is a restart.
var transitions = map[State][]State{
	NotStarted: {Starting},
	Starting:   {Ready, Terminated, NotStarted},
	Ready:      {Degraded, Terminated},
	Degraded:   {Ready, Terminated},
	Terminated: {Starting},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
