package instance

import "fmt"

// State is a phase of the instance lifecycle.
type State int

const (
	Setup State = iota
	LoadModel
	InferenceRunning
	UnloadModel
	InferenceFinished
)

var stateNames = [...]string{
	Setup:             "Setup",
	LoadModel:         "LoadModel",
	InferenceRunning:  "InferenceRunning",
	UnloadModel:       "UnloadModel",
	InferenceFinished: "InferenceFinished",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the only legal successor of each state.
var transitions = map[State]State{
	Setup:             LoadModel,
	LoadModel:         InferenceRunning,
	InferenceRunning:  UnloadModel,
	UnloadModel:       InferenceFinished,
	InferenceFinished: LoadModel,
}

func init() {
	if err := validateTransitions(transitions); err != nil {
		panic(err)
	}
}

// validateTransitions checks that every state has a known successor and
// that every state except Setup is reachable.
func validateTransitions(t map[State]State) error {
	reached := map[State]bool{}
	for s := range stateNames {
		st := State(s)
		next, ok := t[st]
		if !ok {
			return fmt.Errorf("instance: state %s has no transition", st)
		}
		if next < 0 || int(next) >= len(stateNames) {
			return fmt.Errorf("instance: state %s transitions to unknown %s", st, next)
		}
		reached[next] = true
	}
	for s := range stateNames {
		if st := State(s); st != Setup && !reached[st] {
			return fmt.Errorf("instance: state %s is unreachable", st)
		}
	}
	return nil
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	return ok && next == to
}
