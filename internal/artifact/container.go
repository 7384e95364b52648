package artifact

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
)

// ContainerSource reads files out of a running container.
type ContainerSource interface {
	// CopyFrom returns srcPath as a tar stream, the way `docker cp` does.
	// A missing path yields *job.ErrNotFound.
	CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
}

type DockerSource struct {
	Docker client.APIClient
}

var _ ContainerSource = (*DockerSource)(nil)

func (s *DockerSource) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	content, _, err := s.Docker.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, &job.ErrNotFound{Type: "path", Value: srcPath}
		}
		return nil, errors.Wrap(err, "copying from container")
	}
	return content, nil
}

// extractTar writes a container archive into dir.
func extractTar(ctx context.Context, r io.Reader, dir string) error {
	tr := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading container archive")
		}

		target, err := Contain(dir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "mkdir all")
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "mkdir all")
	}

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "creating file")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrap(err, "writing file")
	}
	return errors.Wrap(dst.Close(), "closing file")
}

// listTar returns the names of the immediate children of the directory a
// container archive was taken from.
func listTar(ctx context.Context, r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)

	var (
		names   []string
		entries int
		isDir   bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading container archive")
		}
		entries++

		rest := stripFirstSegment(header.Name)
		if rest == "" {
			isDir = header.Typeflag == tar.TypeDir
			continue
		}
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}

	if entries > 0 && !isDir && len(names) == 0 {
		return nil, &job.ErrInvalidArgument{Name: "path", Value: "", Message: "not a directory"}
	}

	sort.Strings(names)
	return names, nil
}

func (t *Transfer) containerRoot(j job.Job) string {
	if j.Source.DockerFetchPath == "" {
		return "/"
	}
	return j.Source.DockerFetchPath
}

func (t *Transfer) copyFromContainer(ctx context.Context, j job.Job, src string) (io.ReadCloser, error) {
	if t.Containers == nil {
		return nil, errors.New("container access is not configured")
	}
	if j.ContainerID == "" {
		return nil, notFound("container", j.Source.NormalizedImageName())
	}
	return t.Containers.CopyFrom(ctx, j.ContainerID, src)
}

// downloadFromContainer copies src out of the container into a fresh
// directory. The directory is removed when the returned file is closed, or
// right away on failure.
func (t *Transfer) downloadFromContainer(ctx context.Context, j job.Job, src, rel string) (file *File, err error) {
	dir, err := t.Staging.MkdirTemp(j.ID)
	if err != nil {
		return nil, errors.Wrap(err, "creating download directory")
	}
	defer func() {
		if err != nil {
			t.remove(j.ID, dir)
		}
	}()

	content, err := t.copyFromContainer(ctx, j, src)
	if err != nil {
		return nil, err
	}
	defer content.Close()

	if err := extractTar(ctx, content, dir); err != nil {
		return nil, err
	}

	local := filepath.Join(dir, path.Base(src))
	info, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("file", rel)
		}
		return nil, errors.Wrap(err, "stat")
	}
	if info.IsDir() {
		return nil, &job.ErrInvalidArgument{Name: "path", Value: rel, Message: "is a directory"}
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, errors.Wrap(err, "opening downloaded file")
	}

	return &File{
		File: f,
		Name: info.Name(),
		cleanup: func() error {
			return errors.Wrap(os.RemoveAll(dir), "removing download directory")
		},
	}, nil
}
