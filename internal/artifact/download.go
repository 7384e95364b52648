package artifact

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
)

// Download opens the file at rel. Docker jobs read it from the container's
// fetch path, other jobs from their BasePath. rel is checked for
// containment before anything is touched.
func (t *Transfer) Download(ctx context.Context, j job.Job, rel string) (*File, error) {
	if j.Source.IsDocker() {
		src, err := ContainPOSIX(t.containerRoot(j), rel)
		if err != nil {
			return nil, err
		}
		return t.downloadFromContainer(ctx, j, src, rel)
	}

	if j.BasePath == "" {
		return nil, notFound("file", rel)
	}

	target, err := Contain(j.BasePath, rel)
	if err != nil {
		return nil, err
	}

	return openContained(j.BasePath, target, rel)
}

func openContained(root, target, rel string) (*File, error) {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("file", rel)
		}
		return nil, errors.Wrap(err, "stat")
	}

	if !withinResolved(root, target) {
		return nil, &ErrPathEscape{Path: rel}
	}

	if info.IsDir() {
		return nil, &job.ErrInvalidArgument{Name: "path", Value: rel, Message: "is a directory"}
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, errors.Wrap(err, "opening file")
	}
	return &File{File: f, Name: info.Name()}, nil
}

// List returns the entries of the directory at rel, as paths relative to
// the job's root with forward slashes. The last segment of rel may be a
// pattern containing '*', in which case only matching entries of its parent
// directory are returned.
func (t *Transfer) List(ctx context.Context, j job.Job, rel string) ([]string, error) {
	dir, pattern := splitGlob(toSlash(rel))
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, &job.ErrInvalidArgument{Name: "path", Value: rel, Message: err.Error()}
		}
	}

	var (
		names []string
		err   error
	)
	if j.Source.IsDocker() {
		names, err = t.listContainer(ctx, j, dir, rel)
	} else {
		names, err = t.listLocal(j, dir, rel)
	}
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if pattern != "" {
			if ok, _ := path.Match(pattern, name); !ok {
				continue
			}
		}
		out = append(out, path.Join(dir, name))
	}

	sort.Strings(out)
	return out, nil
}

func splitGlob(rel string) (dir, pattern string) {
	dir, last := path.Split(rel)
	if !strings.Contains(last, "*") {
		return strings.TrimSuffix(rel, "/"), ""
	}
	return strings.TrimSuffix(dir, "/"), last
}

func (t *Transfer) listLocal(j job.Job, dir, rel string) ([]string, error) {
	if j.BasePath == "" {
		return nil, notFound("directory", rel)
	}

	target, err := Contain(j.BasePath, dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("directory", rel)
		}
		return nil, errors.Wrap(err, "reading directory")
	}

	if !withinResolved(j.BasePath, target) {
		return nil, &ErrPathEscape{Path: rel}
	}

	names := make([]string, len(entries))
	for idx, entry := range entries {
		names[idx] = entry.Name()
	}
	return names, nil
}

func (t *Transfer) listContainer(ctx context.Context, j job.Job, dir, rel string) ([]string, error) {
	src, err := ContainPOSIX(t.containerRoot(j), dir)
	if err != nil {
		return nil, err
	}

	content, err := t.copyFromContainer(ctx, j, src)
	if err != nil {
		return nil, err
	}
	defer content.Close()

	names, err := listTar(ctx, content)
	if err != nil {
		var invalid *job.ErrInvalidArgument
		if errors.As(err, &invalid) {
			invalid.Value = rel
		}
		return nil, err
	}
	return names, nil
}

// Fetch bundles the published application as a zip archive. Docker jobs
// bundle the container's fetch path, other jobs BasePath/PublishPath.
func (t *Transfer) Fetch(ctx context.Context, j job.Job) (file *File, err error) {
	var (
		source io.ReadCloser
		dir    string
	)

	if j.Source.IsDocker() {
		source, err = t.copyFromContainer(ctx, j, path.Clean("/"+toSlash(t.containerRoot(j))))
		if err != nil {
			return nil, err
		}
		defer source.Close()
	} else {
		if j.BasePath == "" {
			return nil, notFound("directory", j.PublishPath)
		}
		dir, err = Contain(j.BasePath, j.PublishPath)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, notFound("directory", j.PublishPath)
		}
		if !withinResolved(j.BasePath, dir) {
			return nil, &ErrPathEscape{Path: j.PublishPath}
		}
	}

	bundle, err := t.Staging.CreateTemp(j.ID)
	if err != nil {
		return nil, errors.Wrap(err, "creating bundle")
	}
	defer func() {
		if err != nil {
			bundle.Close()
			t.remove(j.ID, bundle.Name())
		}
	}()

	if source != nil {
		err = tarToZip(ctx, bundle, source)
	} else {
		err = zipDir(ctx, bundle, dir)
	}
	if err != nil {
		return nil, err
	}

	if _, err = bundle.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding bundle")
	}

	name := bundle.Name()
	return &File{
		File: bundle,
		Name: "published.zip",
		cleanup: func() error {
			return errors.Wrap(os.Remove(name), "removing bundle")
		},
	}, nil
}
