package artifact

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
)

const eventPipePattern = "*.netperf"

var errFound = errors.New("found")

func (t *Transfer) OpenTrace(j job.Job) (*File, error) {
	return openDiagnostic(j.PerfViewTraceFile, "trace")
}

func (t *Transfer) OpenDump(j job.Job) (*File, error) {
	return openDiagnostic(j.DumpFile, "dump")
}

// OpenEventPipe opens the first event pipe trace found under BasePath.
func (t *Transfer) OpenEventPipe(j job.Job) (*File, error) {
	if j.BasePath == "" {
		return nil, notFound("eventpipe", "")
	}

	var found string
	err := filepath.WalkDir(j.BasePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			if ok, _ := filepath.Match(eventPipePattern, d.Name()); ok {
				found = p
				return errFound
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		if os.IsNotExist(err) {
			return nil, notFound("eventpipe", "")
		}
		return nil, errors.Wrap(err, "searching event pipe trace")
	}

	return openDiagnostic(found, "eventpipe")
}

func openDiagnostic(p, kind string) (*File, error) {
	if p == "" {
		return nil, notFound(kind, "")
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(kind, filepath.Base(p))
		}
		return nil, errors.Wrap(err, "opening "+kind)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat")
	}
	if info.IsDir() {
		f.Close()
		return nil, notFound(kind, filepath.Base(p))
	}

	return &File{File: f, Name: info.Name()}, nil
}
