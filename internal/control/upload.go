package control

import (
	"context"
	"io"
	"os"

	"github.com/oneee-playground/r2d2-agent/internal/artifact"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"go.uber.org/zap"
)

// Upload is a file streamed by the driver.
type Upload struct {
	// Destination is where the file is placed, relative to the job's
	// working directory. For zip uploads it is the directory the archive
	// is expanded into and may be empty.
	Destination string
	Body        io.Reader
	Gzipped     bool
}

type countingReader struct {
	r io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}

// guardUpload fails fast before any byte is staged. The state is checked
// again when the upload is registered.
func (c *Controller) guardUpload(id int, destination string, required bool) error {
	if required && destination == "" {
		return &job.ErrInvalidArgument{Name: "destinationFilename", Value: destination, Message: "required"}
	}
	if err := artifact.CheckRelative(destination); err != nil {
		return err
	}

	j, ok := c.Repository.Find(id)
	if !ok {
		return job.NotFound(id)
	}
	return j.CanReceiveFiles()
}

func (c *Controller) UploadAttachment(ctx context.Context, id int, upload Upload) error {
	return c.uploadFile(ctx, id, "attachment", upload, func(j *job.Job, a job.Attachment) {
		j.Attachments = append(j.Attachments, a)
	})
}

func (c *Controller) UploadBuildFile(ctx context.Context, id int, upload Upload) error {
	return c.uploadFile(ctx, id, "build", upload, func(j *job.Job, a job.Attachment) {
		j.BuildAttachments = append(j.BuildAttachments, a)
	})
}

func (c *Controller) uploadFile(ctx context.Context, id int, kind string, upload Upload, attach func(*job.Job, job.Attachment)) (err error) {
	defer func() { c.Metrics.Intent(kind, err) }()

	if err := c.guardUpload(id, upload.Destination, true); err != nil {
		return err
	}

	body := &countingReader{r: upload.Body}
	tempFilename, err := c.Transfer.Receive(ctx, id, body, upload.Gzipped)
	if err != nil {
		return err
	}
	c.Metrics.Uploaded(kind, body.n)

	_, err = c.Repository.Mutate(id, func(j *job.Job) error {
		if err := j.CanReceiveFiles(); err != nil {
			return err
		}
		attach(j, job.Attachment{TempFilename: tempFilename, Filename: upload.Destination})
		j.LastDriverCommunicationUTC = c.now()
		return nil
	})
	if err != nil {
		c.removeStaged(id, tempFilename)
		return err
	}

	c.Log.Debug("file staged",
		zap.Int("jobID", id),
		zap.String("op", kind),
		zap.String("filename", upload.Destination),
		zap.Int64("bytes", body.n),
	)
	return nil
}

// UploadAttachmentZip expands a zip archive into attachments under
// upload.Destination.
func (c *Controller) UploadAttachmentZip(ctx context.Context, id int, upload Upload) (err error) {
	defer func() { c.Metrics.Intent("attachment-zip", err) }()

	if err := c.guardUpload(id, upload.Destination, false); err != nil {
		return err
	}

	body := &countingReader{r: upload.Body}
	err = c.Transfer.ReceiveZip(ctx, id, body, upload.Gzipped, upload.Destination, func(attachments []job.Attachment) error {
		_, err := c.Repository.Mutate(id, func(j *job.Job) error {
			if err := j.CanReceiveFiles(); err != nil {
				return err
			}
			j.Attachments = append(j.Attachments, attachments...)
			j.LastDriverCommunicationUTC = c.now()
			return nil
		})
		return err
	})
	c.Metrics.Uploaded("attachment-zip", body.n)
	if err != nil {
		return err
	}

	c.Log.Debug("archive staged",
		zap.Int("jobID", id),
		zap.String("destination", upload.Destination),
		zap.Int64("bytes", body.n),
	)
	return nil
}

// UploadSource stages the job's source code. It is accepted in any state;
// a previously uploaded source is replaced.
func (c *Controller) UploadSource(ctx context.Context, id int, upload Upload) (err error) {
	defer func() { c.Metrics.Intent("source", err) }()

	if err := artifact.CheckRelative(upload.Destination); err != nil {
		return err
	}
	if _, ok := c.Repository.Find(id); !ok {
		return job.NotFound(id)
	}

	body := &countingReader{r: upload.Body}
	tempFilename, err := c.Transfer.Receive(ctx, id, body, upload.Gzipped)
	if err != nil {
		return err
	}
	c.Metrics.Uploaded("source", body.n)

	var replaced *job.Attachment
	_, err = c.Repository.Mutate(id, func(j *job.Job) error {
		replaced = j.Source.SourceCode
		j.Source.SourceCode = &job.Attachment{TempFilename: tempFilename, Filename: upload.Destination}
		j.LastDriverCommunicationUTC = c.now()
		return nil
	})
	if err != nil {
		c.removeStaged(id, tempFilename)
		return err
	}

	if replaced != nil {
		c.removeStaged(id, replaced.TempFilename)
	}
	return nil
}

func (c *Controller) removeStaged(id int, name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		c.Log.Warn("failed to remove staged file", zap.Int("jobID", id), zap.Error(err))
	}
}
