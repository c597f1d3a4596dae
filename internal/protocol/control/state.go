package control

import "fmt"

// State is the robot operating state. Values follow the state bytes of the
// legacy driver protocol so they can be carried on both wires unchanged.
type State uint8

const (
	StateUnknown       State = 0
	StateDisabled      State = 1
	StateIdle          State = 2
	StateError         State = 3
	StateOperating     State = 5
	StateOffsetting    State = 6
	StateCalibrating   State = 7
	StatePreprocessing State = 8
)

var stateNames = map[State]string{
	StateDisabled:      "disabled",
	StateIdle:          "idle",
	StateError:         "error",
	StateOperating:     "operating",
	StateOffsetting:    "offsetting",
	StateCalibrating:   "calibrating",
	StatePreprocessing: "preprocessing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Active reports whether s is one of the activity sub-states entered from Idle.
func (s State) Active() bool {
	switch s {
	case StateOperating, StateOffsetting, StateCalibrating, StatePreprocessing:
		return true
	default:
		return false
	}
}

// AllStates lists every valid state.
func AllStates() []State {
	return []State{
		StateDisabled, StateIdle, StateOffsetting, StateCalibrating,
		StatePreprocessing, StateOperating, StateError,
	}
}
