package control

import (
	"context"

	"github.com/oneee-playground/r2d2-agent/internal/artifact"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/util/ringlog"
)

func (c *Controller) Download(ctx context.Context, id int, rel string) (*artifact.File, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	return c.Transfer.Download(ctx, j, rel)
}

func (c *Controller) List(ctx context.Context, id int, rel string) ([]string, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	return c.Transfer.List(ctx, j, rel)
}

func (c *Controller) Fetch(ctx context.Context, id int) (*artifact.File, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	return c.Transfer.Fetch(ctx, j)
}

func (c *Controller) TraceFile(id int) (*artifact.File, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	return c.Transfer.OpenTrace(j)
}

func (c *Controller) DumpFile(id int) (*artifact.File, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	return c.Transfer.OpenDump(j)
}

func (c *Controller) EventPipeFile(id int) (*artifact.File, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	return c.Transfer.OpenEventPipe(j)
}

// LogPage is a slice of a job log read from an absolute cursor.
type LogPage struct {
	Lines []string
	// Next is the cursor to continue from.
	Next int
	// Gap is set when lines between the requested cursor and the first
	// returned line were evicted.
	Gap bool
}

func (c *Controller) BuildLog(id int) (string, error) {
	return c.logText(id, func(j job.Job) *ringlog.Log { return j.BuildLog })
}

func (c *Controller) BuildLogSince(id, cursor int) (LogPage, error) {
	return c.logSince(id, cursor, func(j job.Job) *ringlog.Log { return j.BuildLog })
}

func (c *Controller) Output(id int) (string, error) {
	return c.logText(id, func(j job.Job) *ringlog.Log { return j.Output })
}

func (c *Controller) OutputSince(id, cursor int) (LogPage, error) {
	return c.logSince(id, cursor, func(j job.Job) *ringlog.Log { return j.Output })
}

func (c *Controller) logText(id int, pick func(job.Job) *ringlog.Log) (string, error) {
	j, err := c.touch(id)
	if err != nil {
		return "", err
	}
	return pick(j).String(), nil
}

func (c *Controller) logSince(id, cursor int, pick func(job.Job) *ringlog.Log) (LogPage, error) {
	if cursor < 0 {
		return LogPage{}, &job.ErrInvalidArgument{Name: "start", Value: cursor, Message: "must not be negative"}
	}

	j, err := c.touch(id)
	if err != nil {
		return LogPage{}, err
	}

	lines, next, gap := pick(j).Since(cursor)
	return LogPage{Lines: lines, Next: next, Gap: gap}, nil
}
