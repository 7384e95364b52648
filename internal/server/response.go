package server

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/oneee-playground/r2d2-agent/internal/artifact"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func jobID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &job.ErrInvalidArgument{Name: "id", Value: raw, Message: "not a number"}
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail translates err into a response. Errors that are not the driver's
// fault are logged and hidden behind a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, id int, err error) {
	var (
		notFound     *job.ErrNotFound
		invalidState *job.ErrInvalidState
		invalidArg   *job.ErrInvalidArgument
		escape       *artifact.ErrPathEscape
		tooLarge     *http.MaxBytesError
	)

	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &invalidState), errors.As(err, &invalidArg), errors.As(err, &escape):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &tooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		s.Log.Info("request canceled", zap.Int("jobID", id), zap.String("op", op))
	default:
		s.Log.Error("request failed", zap.Int("jobID", id), zap.String("op", op), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}

// serveFile streams f, gzip encoded when the client accepts it, and closes
// it.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, f *artifact.File, contentType string, compress bool) {
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))

	var dst io.Writer = w
	if compress && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		dst = gz
	} else if size, err := f.Size(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(dst, f); err != nil {
		s.Log.Warn("failed to stream file", zap.String("filename", f.Name), zap.Error(err))
	}
}
