package workspace

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	_dirJobs    = "jobs"
	_dirStaging = "staging"
)

// FSWorkspace lays out per-job directories under a single root:
//
//	<root>/jobs/<id>     the job's BasePath, owned by the execution loop
//	<root>/staging/<id>  uploaded files waiting to be consumed
type FSWorkspace struct {
	root string
}

func NewFSWorkspace(root string) (*FSWorkspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolving workspace root")
	}
	return &FSWorkspace{root: abs}, nil
}

func (w *FSWorkspace) Root() string { return w.root }

func (w *FSWorkspace) JobDir(jobID int) string {
	return filepath.Join(w.root, _dirJobs, strconv.Itoa(jobID))
}

func (w *FSWorkspace) stagingDir(jobID int) string {
	return filepath.Join(w.root, _dirStaging, strconv.Itoa(jobID))
}

// Provision creates the job's working directory and returns its absolute
// path.
func (w *FSWorkspace) Provision(jobID int) (string, error) {
	dir := w.JobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "mkdir all")
	}
	return dir, nil
}

// CreateTemp creates an empty file in the job's staging area.
func (w *FSWorkspace) CreateTemp(jobID int) (*os.File, error) {
	dir := w.stagingDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "mkdir all")
	}

	file, err := os.OpenFile(filepath.Join(dir, uuid.NewString()), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	return file, nil
}

// MkdirTemp creates a fresh, empty directory in the job's staging area.
func (w *FSWorkspace) MkdirTemp(jobID int) (string, error) {
	dir := filepath.Join(w.stagingDir(jobID), uuid.NewString()+".d")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "mkdir all")
	}
	return dir, nil
}

// Release removes everything the workspace holds for the job.
func (w *FSWorkspace) Release(jobID int) error {
	return multierr.Combine(
		errors.Wrap(os.RemoveAll(w.stagingDir(jobID)), "removing staging area"),
		errors.Wrap(os.RemoveAll(w.JobDir(jobID)), "removing job directory"),
	)
}
