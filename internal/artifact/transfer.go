package artifact

import (
	"context"
	"io"
	"os"

	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Staging hands out scratch space for a job's incoming and outgoing files.
type Staging interface {
	CreateTemp(jobID int) (*os.File, error)
	MkdirTemp(jobID int) (string, error)
}

type Opts struct {
	Log        *zap.Logger
	Staging    Staging
	Containers ContainerSource
}

// Transfer moves files between drivers and the agent. It never touches the
// job repository: callers look jobs up, check their state and register the
// results.
type Transfer struct {
	Opts
}

func New(opts Opts) *Transfer {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Transfer{Opts: opts}
}

// File is a readable artifact. Closing it releases any temporary storage
// created to serve it.
type File struct {
	*os.File
	// Name is the base name presented to the driver.
	Name string

	cleanup func() error
}

func (f *File) Close() error {
	err := f.File.Close()
	if f.cleanup != nil {
		err = multierr.Append(err, f.cleanup())
	}
	return err
}

func (f *File) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat")
	}
	return info.Size(), nil
}

func notFound(kind, name string) error {
	return &job.ErrNotFound{Type: kind, Value: name}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
