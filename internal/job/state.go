package job

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	StateNew State = iota
	StateWaiting
	StateInitializing
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
	StateDeleting
	StateTraceCollecting
)

var stateNames = map[State]string{
	StateNew:             "New",
	StateWaiting:         "Waiting",
	StateInitializing:    "Initializing",
	StateStarting:        "Starting",
	StateRunning:         "Running",
	StateStopping:        "Stopping",
	StateStopped:         "Stopped",
	StateFailed:          "Failed",
	StateDeleting:        "Deleting",
	StateTraceCollecting: "TraceCollecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func ParseState(name string) (State, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, &ErrInvalidArgument{Name: "state", Value: name, Message: "unknown state"}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the state name or its numeric value.
func (s *State) UnmarshalJSON(b []byte) error {
	var number int
	if err := json.Unmarshal(b, &number); err == nil {
		state := State(number)
		if _, ok := stateNames[state]; !ok {
			return &ErrInvalidArgument{Name: "state", Value: string(b), Message: "unknown state"}
		}
		*s = state
		return nil
	}

	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}

	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsActive reports whether a freshly attached driver should still watch a
// job in this state.
func (s State) IsActive() bool {
	switch s {
	case StateNew, StateWaiting, StateInitializing, StateStarting, StateRunning:
		return true
	}
	return false
}

// IsTerminal reports whether the execution loop is done with the job.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// The methods below are the intents the control surface may record on a
// job. They only write State; the execution loop performs the actual work
// when it observes the new state. Callers run them inside Repository.Mutate.

// Start moves an initialized job to Waiting.
func (j *Job) Start() error {
	if j.State != StateInitializing {
		return &ErrInvalidState{ID: j.ID, State: j.State, Operation: "start"}
	}
	j.State = StateWaiting
	return nil
}

// Stop requests the job to stop. It reports false when the job is already
// terminal, in which case nothing changes.
func (j *Job) Stop() (changed bool) {
	if j.State.IsTerminal() {
		return false
	}
	j.State = StateStopping
	return true
}

func (j *Job) Delete() {
	j.State = StateDeleting
}

func (j *Job) CollectTrace() {
	j.State = StateTraceCollecting
}

// CanReceiveFiles returns an error unless attachments may be staged for the
// job.
func (j *Job) CanReceiveFiles() error {
	if j.State != StateInitializing {
		return &ErrInvalidState{ID: j.ID, State: j.State, Operation: "upload"}
	}
	return nil
}
