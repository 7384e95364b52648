package control

import (
	"context"

	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// transition applies an intent atomically, bumps the heartbeat and
// announces the new state if it changed.
func (c *Controller) transition(ctx context.Context, id int, intent string, fn func(j *job.Job) error) (job.Job, error) {
	var previous job.State

	j, err := c.Repository.Mutate(id, func(j *job.Job) error {
		previous = j.State
		if err := fn(j); err != nil {
			return err
		}
		j.LastDriverCommunicationUTC = c.now()
		return nil
	})
	c.Metrics.Intent(intent, err)
	if err != nil {
		return j, err
	}

	if j.State != previous {
		c.Log.Info("job state changed",
			zap.Int("jobID", id),
			zap.String("op", intent),
			zap.Stringer("from", previous),
			zap.Stringer("to", j.State),
		)
		c.publish(ctx, id, previous, j.State)
		c.refreshJobs()
	}

	return j, nil
}

func (c *Controller) Start(ctx context.Context, id int) error {
	_, err := c.transition(ctx, id, "start", func(j *job.Job) error {
		return j.Start()
	})
	return err
}

// Stop requests the job to stop. changed is false when the job had already
// stopped or failed.
func (c *Controller) Stop(ctx context.Context, id int) (changed bool, err error) {
	_, err = c.transition(ctx, id, "stop", func(j *job.Job) error {
		changed = j.Stop()
		return nil
	})
	return changed, err
}

// Delete asks the execution loop to tear the job down. A job that no longer
// exists counts as deleted, and found is false.
func (c *Controller) Delete(ctx context.Context, id int) (found bool, err error) {
	_, err = c.transition(ctx, id, "delete", func(j *job.Job) error {
		j.Delete()
		return nil
	})

	var notFound *job.ErrNotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Controller) Trace(ctx context.Context, id int) error {
	_, err := c.transition(ctx, id, "trace", func(j *job.Job) error {
		j.CollectTrace()
		return nil
	})
	return err
}

// Release frees everything the agent holds for a job the execution loop has
// finished tearing down.
func (c *Controller) Release(id int) error {
	c.Repository.Remove(id)
	c.refreshJobs()
	return errors.Wrap(c.Workspace.Release(id), "releasing workspace")
}

func (c *Controller) ResetStats(id int) error {
	j, err := c.touch(id)
	if err != nil {
		return err
	}
	j.Measurements.Reset()
	c.Metrics.Intent("resetstats", nil)
	return nil
}

// FlushMeasurements discards measurements up to and including the first
// delimiter. It reports how many were removed; zero means no delimiter was
// queued.
func (c *Controller) FlushMeasurements(id int) (int, error) {
	j, err := c.touch(id)
	if err != nil {
		return 0, err
	}
	removed, _ := j.Measurements.Flush()
	c.Metrics.Intent("flush", nil)
	return len(removed), nil
}

// Measurements drains the job's measurement stream. Drained measurements are
// exported on a best effort basis.
func (c *Controller) Measurements(ctx context.Context, id int) ([]metric.Measurement, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}

	ms := j.Measurements.Drain()
	if len(ms) > 0 {
		if err := c.Exporter.Export(ctx, id, ms); err != nil {
			c.Log.Warn("failed to export measurements", zap.Int("jobID", id), zap.Error(err))
		}
	}
	return ms, nil
}
