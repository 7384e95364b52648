package artifact

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
)

// expandZip extracts archive into dir. Entries that would land outside of
// dir are rejected, symlinks are skipped.
func expandZip(ctx context.Context, archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return &job.ErrInvalidArgument{Name: "body", Value: "zip", Message: err.Error()}
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := Contain(dir, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "mkdir all")
			}
			continue
		case !mode.IsRegular():
			continue
		}

		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "mkdir all")
	}

	src, err := f.Open()
	if err != nil {
		return &job.ErrInvalidArgument{Name: "body", Value: f.Name, Message: err.Error()}
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "creating expanded file")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrap(err, "expanding file")
	}

	return errors.Wrap(dst.Close(), "closing expanded file")
}

// zipDir writes every regular file under dir into w, named relative to dir.
func zipDir(ctx context.Context, w io.Writer, dir string) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		dst, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		zw.Close()
		return errors.Wrap(err, "zipping directory")
	}

	return errors.Wrap(zw.Close(), "finishing zip")
}

// tarToZip converts the tar stream produced by a container copy into a zip.
// The leading path segment, which is the name of the copied directory, is
// dropped so the archive has the same layout as zipDir's output.
func tarToZip(ctx context.Context, w io.Writer, r io.Reader) error {
	tr := tar.NewReader(r)
	zw := zip.NewWriter(w)

	for {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			zw.Close()
			return errors.Wrap(err, "reading container archive")
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := stripFirstSegment(header.Name)
		if name == "" {
			// A single file was copied, keep its own name.
			name = path.Base(header.Name)
		}

		zh := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: header.ModTime,
		}
		zh.SetMode(header.FileInfo().Mode())

		dst, err := zw.CreateHeader(zh)
		if err != nil {
			zw.Close()
			return errors.Wrap(err, "adding zip entry")
		}
		if _, err := io.Copy(dst, tr); err != nil {
			zw.Close()
			return errors.Wrap(err, "copying zip entry")
		}
	}

	return errors.Wrap(zw.Close(), "finishing zip")
}

func stripFirstSegment(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	_, rest, _ := strings.Cut(name, "/")
	return rest
}
