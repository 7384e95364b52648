package artifact

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Receive streams body into a new file in the job's staging area and
// returns its path. A gzipped body is decoded on the fly. On any error,
// including cancellation of ctx, the partial file is removed.
func (t *Transfer) Receive(ctx context.Context, jobID int, body io.Reader, gzipped bool) (string, error) {
	file, err := t.Staging.CreateTemp(jobID)
	if err != nil {
		return "", errors.Wrap(err, "creating staged file")
	}

	copyErr := copyBody(ctx, file, body, gzipped)
	closeErr := file.Close()

	if err := multierr.Append(copyErr, closeErr); err != nil {
		if rmErr := os.Remove(file.Name()); rmErr != nil {
			t.Log.Warn("failed to remove partial upload", zap.Int("jobID", jobID), zap.Error(rmErr))
		}
		return "", err
	}

	return file.Name(), nil
}

func copyBody(ctx context.Context, dst io.Writer, body io.Reader, gzipped bool) error {
	src := body
	if gzipped {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return &job.ErrInvalidArgument{Name: "body", Value: "gzip", Message: err.Error()}
		}
		defer gz.Close()
		src = gz
	}

	if _, err := io.Copy(dst, &contextReader{ctx: ctx, r: src}); err != nil {
		if errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) {
			return &job.ErrInvalidArgument{Name: "body", Value: "gzip", Message: err.Error()}
		}
		return errors.Wrap(err, "receiving body")
	}
	return nil
}

// ReceiveZip stages a zip archive and expands it. Every file becomes an
// attachment named after its path inside the archive, prefixed with
// destination. register is called with all of them before the expansion
// directory is removed; if it fails the staged files are discarded.
func (t *Transfer) ReceiveZip(
	ctx context.Context, jobID int, body io.Reader, gzipped bool,
	destination string, register func([]job.Attachment) error,
) error {
	if err := CheckRelative(destination); err != nil {
		return err
	}

	archive, err := t.Receive(ctx, jobID, body, gzipped)
	if err != nil {
		return err
	}
	defer t.remove(jobID, archive)

	dir, err := t.Staging.MkdirTemp(jobID)
	if err != nil {
		return errors.Wrap(err, "creating expansion directory")
	}
	defer t.remove(jobID, dir)

	if err := expandZip(ctx, archive, dir); err != nil {
		return err
	}

	attachments, err := t.stageTree(jobID, dir, destination)
	if err != nil {
		t.discard(jobID, attachments)
		return err
	}

	if err := register(attachments); err != nil {
		t.discard(jobID, attachments)
		return err
	}

	return nil
}

// stageTree moves every regular file under dir to its own staged file, in
// lexical order.
func (t *Transfer) stageTree(jobID int, dir, destination string) ([]job.Attachment, error) {
	var attachments []job.Attachment

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return errors.Wrap(err, "relativizing expanded file")
		}

		staged, err := t.Staging.CreateTemp(jobID)
		if err != nil {
			return errors.Wrap(err, "creating staged file")
		}
		staged.Close()

		if err := os.Rename(p, staged.Name()); err != nil {
			os.Remove(staged.Name())
			return errors.Wrap(err, "moving expanded file")
		}

		attachments = append(attachments, job.Attachment{
			TempFilename: staged.Name(),
			Filename:     path.Join(toSlash(destination), filepath.ToSlash(rel)),
		})
		return nil
	})

	return attachments, errors.Wrap(err, "walking expanded archive")
}

func (t *Transfer) discard(jobID int, attachments []job.Attachment) {
	for _, attachment := range attachments {
		t.remove(jobID, attachment.TempFilename)
	}
}

func (t *Transfer) remove(jobID int, p string) {
	if err := os.RemoveAll(p); err != nil {
		t.Log.Warn("failed to remove staged path", zap.Int("jobID", jobID), zap.Error(err))
	}
}
