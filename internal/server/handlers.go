package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oneee-playground/r2d2-agent/internal/control"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
)

const (
	headerDestination = "destinationFilename"
	headerLogNext     = "X-Log-Next"
	headerLogGap      = "X-Log-Gap"
)

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDescriptorBytes))
	if err != nil {
		s.fail(w, r, "create", 0, errors.Wrap(err, "reading body"))
		return
	}

	j, err := s.Controller.Create(r.Context(), raw)
	if err != nil {
		s.fail(w, r, "create", 0, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/jobs/%d", j.ID))
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) activeJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.Controller.Active()))
}

func (s *Server) allJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.Controller.All()))
}

func nonNil(jobs []job.Job) []job.Job {
	if jobs == nil {
		return []job.Job{}
	}
	return jobs
}

type jobHandler func(w http.ResponseWriter, r *http.Request, id int) error

// withJob parses the job id and hands it to fn. Errors returned by fn are
// reported through fail.
func (s *Server) withJob(op string, fn jobHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err == nil {
			err = fn(w, r, id)
		}
		if err != nil {
			s.fail(w, r, op, id, err)
		}
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id int) error {
	j, err := s.Controller.Get(id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, j)
	return nil
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request, id int) error {
	state, err := s.Controller.State(id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, state)
	return nil
}

func (s *Server) touch(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.Touch(id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request, id int) error {
	found, err := s.Controller.Delete(r.Context(), id)
	if err != nil {
		return err
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.Start(r.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, id int) error {
	changed, err := s.Controller.Stop(r.Context(), id)
	if err != nil {
		return err
	}
	if !changed {
		w.WriteHeader(http.StatusOK)
		return nil
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) trace(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.Trace(r.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.ResetStats(id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) flushMeasurements(w http.ResponseWriter, r *http.Request, id int) error {
	removed, err := s.Controller.FlushMeasurements(id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	return nil
}

func (s *Server) measurements(w http.ResponseWriter, r *http.Request, id int) error {
	ms, err := s.Controller.Measurements(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ms)
	return nil
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) control.Upload {
	destination := r.Header.Get(headerDestination)
	if destination == "" {
		destination = r.URL.Query().Get(headerDestination)
	}

	return control.Upload{
		Destination: destination,
		Body:        http.MaxBytesReader(w, r.Body, s.MaxUploadBytes),
		Gzipped:     r.Header.Get("Content-Encoding") == "gzip",
	}
}

func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.UploadAttachment(r.Context(), id, s.upload(w, r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) uploadAttachmentZip(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.UploadAttachmentZip(r.Context(), id, s.upload(w, r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) uploadSource(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.UploadSource(r.Context(), id, s.upload(w, r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) uploadBuildFile(w http.ResponseWriter, r *http.Request, id int) error {
	if err := s.Controller.UploadBuildFile(r.Context(), id, s.upload(w, r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) traceFile(w http.ResponseWriter, r *http.Request, id int) error {
	f, err := s.Controller.TraceFile(id)
	if err != nil {
		return err
	}
	s.serveFile(w, r, f, "application/octet-stream", true)
	return nil
}

func (s *Server) dumpFile(w http.ResponseWriter, r *http.Request, id int) error {
	f, err := s.Controller.DumpFile(id)
	if err != nil {
		return err
	}
	s.serveFile(w, r, f, "application/octet-stream", true)
	return nil
}

func (s *Server) eventPipeFile(w http.ResponseWriter, r *http.Request, id int) error {
	f, err := s.Controller.EventPipeFile(id)
	if err != nil {
		return err
	}
	s.serveFile(w, r, f, "application/octet-stream", true)
	return nil
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, id int) error {
	f, err := s.Controller.Download(r.Context(), id, r.URL.Query().Get("path"))
	if err != nil {
		return err
	}
	s.serveFile(w, r, f, "application/octet-stream", true)
	return nil
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, id int) error {
	names, err := s.Controller.List(r.Context(), id, r.URL.Query().Get("path"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, names)
	return nil
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request, id int) error {
	f, err := s.Controller.Fetch(r.Context(), id)
	if err != nil {
		return err
	}
	s.serveFile(w, r, f, "application/zip", false)
	return nil
}

func (s *Server) buildLog(w http.ResponseWriter, r *http.Request, id int) error {
	return writeLog(w, id, s.Controller.BuildLog)
}

func (s *Server) output(w http.ResponseWriter, r *http.Request, id int) error {
	return writeLog(w, id, s.Controller.Output)
}

func (s *Server) buildLogSince(w http.ResponseWriter, r *http.Request, id int) error {
	return writeLogSince(w, r, id, s.Controller.BuildLogSince)
}

func (s *Server) outputSince(w http.ResponseWriter, r *http.Request, id int) error {
	return writeLogSince(w, r, id, s.Controller.OutputSince)
}

func writeLog(w http.ResponseWriter, id int, read func(id int) (string, error)) error {
	text, err := read(id)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
	return nil
}

// writeLogSince answers with the lines written from the absolute cursor in
// the route. The cursor to continue from is returned in a header.
func writeLogSince(w http.ResponseWriter, r *http.Request, id int, read func(id, cursor int) (control.LogPage, error)) error {
	raw := chi.URLParam(r, "start")
	start, err := strconv.Atoi(raw)
	if err != nil {
		return &job.ErrInvalidArgument{Name: "start", Value: raw, Message: "not a number"}
	}

	page, err := read(id, start)
	if err != nil {
		return err
	}

	w.Header().Set(headerLogNext, strconv.Itoa(page.Next))
	if page.Gap {
		w.Header().Set(headerLogGap, "true")
	}
	writeJSON(w, http.StatusOK, page.Lines)
	return nil
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, id int) error {
	res, err := s.Controller.Invoke(r.Context(), id, r.URL.Query().Get("path"))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if contentType := res.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
	return nil
}
