package session

import (
	"errors"
	"fmt"
	"slices"
)

// ErrIllegalTransition is returned when a state change is not allowed.
var ErrIllegalTransition = errors.New("illegal session state transition")

// State is where a session is in the request flow.
type State string

const (
	StateIdle            State = "idle"
	StateModelSelected   State = "model_selected"
	StateModelLoading    State = "model_loading"
	StateModelReady      State = "model_ready"
	StateTextEntered     State = "text_entered"
	StateSamplesUploaded State = "samples_uploaded"
	StateSynthesizing    State = "synthesizing"
	StateResultReady     State = "result_ready"
	StateError           State = "error"
)

var transitions = map[State][]State{
	StateIdle:            {StateModelSelected},
	StateModelSelected:   {StateModelLoading, StateError},
	StateModelLoading:    {StateModelReady, StateError},
	StateModelReady:      {StateTextEntered, StateSamplesUploaded, StateSynthesizing, StateModelSelected, StateError},
	StateTextEntered:     {StateTextEntered, StateSamplesUploaded, StateSynthesizing, StateModelSelected, StateError},
	StateSamplesUploaded: {StateSamplesUploaded, StateTextEntered, StateSynthesizing, StateModelSelected, StateError},
	StateSynthesizing:    {StateResultReady, StateError},
	StateResultReady:     {StateIdle, StateError},
	StateError:           {StateIdle},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	return nil
}
