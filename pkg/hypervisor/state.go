package hypervisor

// State is a machine execution state. Values follow the framework's
// numbering so native values convert directly.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateError
	StateStarting
	StatePausing
	StateResuming
	StateStopping
	// StateOther stands for any native value not modelled above.
	StateOther State = -1
)

// StateFromNative maps a raw framework state value.
func StateFromNative(v int) State {
	if v < int(StateStopped) || v > int(StateStopping) {
		return StateOther
	}
	return State(v)
}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	case StateStarting:
		return "starting"
	case StatePausing:
		return "pausing"
	case StateResuming:
		return "resuming"
	case StateStopping:
		return "stopping"
	default:
		return "other"
	}
}

// Transitional reports whether s is one of the in-between states.
func (s State) Transitional() bool {
	switch s {
	case StateStarting, StatePausing, StateResuming, StateStopping:
		return true
	}
	return false
}
