package instance

// State is a state of the instance FSM.
type State int

// Instance states.
const (
	StateConnecting State = iota
	StateInitialising
	StateRunning
	StateWarning
	StateCleaning
	StateStopping
	StateStopped
)

var stateNames = [...]string{
	StateConnecting:   "Connecting",
	StateInitialising: "Initialising",
	StateRunning:      "Running",
	StateWarning:      "Warning",
	StateCleaning:     "Cleaning",
	StateStopping:     "Stopping",
	StateStopped:      "Stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the FSM has finished.
func (s State) Terminal() bool {
	return s == StateStopped
}

// States returns every state in FSM order.
func States() []State {
	states := make([]State, len(stateNames))
	for i := range stateNames {
		states[i] = State(i)
	}
	return states
}
