package job

import "fmt"

// ErrNotFound is returned when a job, or something that belongs to one,
// does not exist.
type ErrNotFound struct {
	Type  string // e.g. "job" or "file"
	Value string
}

func (err *ErrNotFound) Error() string {
	if err.Type == "" {
		return fmt.Sprintf("%q not found", err.Value)
	}
	return fmt.Sprintf("%s %q not found", err.Type, err.Value)
}

func NotFound(id int) *ErrNotFound {
	return &ErrNotFound{Type: "job", Value: fmt.Sprint(id)}
}

// ErrInvalidState is returned when an intent is not accepted in the job's
// current state. State is reported so the caller can decide whether to retry.
type ErrInvalidState struct {
	ID        int
	State     State
	Operation string
}

func (err *ErrInvalidState) Error() string {
	return fmt.Sprintf("%s rejected: job %d is %s", err.Operation, err.ID, err.State)
}

// ErrInvalidArgument is returned for malformed or rejected input. Nothing has
// been changed when it is returned.
type ErrInvalidArgument struct {
	Name    string
	Value   any
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	s := fmt.Sprintf("value %v is invalid for %s", err.Value, err.Name)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}
