package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oneee-playground/r2d2-agent/internal/job"
)

// JobEvent announces that a job entered a new state.
type JobEvent struct {
	ID       uuid.UUID `json:"id"`
	JobID    int       `json:"jobId"`
	Previous job.State `json:"previous"`
	State    job.State `json:"state"`
	At       time.Time `json:"at"`
}

func NewJobEvent(jobID int, previous, state job.State, at time.Time) JobEvent {
	return JobEvent{
		ID:       uuid.New(),
		JobID:    jobID,
		Previous: previous,
		State:    state,
		At:       at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e JobEvent) error
}

// NopPublisher drops every event. It is used when no queue is configured.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(context.Context, JobEvent) error { return nil }
