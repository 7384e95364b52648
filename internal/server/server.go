package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oneee-playground/r2d2-agent/internal/control"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxUploadBytes = 10 << 30
	maxDescriptorBytes    = 1 << 20

	shutdownTimeout = 10 * time.Second
)

type Opts struct {
	Log        *zap.Logger
	Controller *control.Controller
	Gatherer   prometheus.Gatherer

	Addr           string
	MaxUploadBytes int64
}

// Server is the HTTP surface drivers talk to.
type Server struct {
	Opts
	handler http.Handler
}

func New(opts Opts) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}

	s := &Server{Opts: opts}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.activeJobs)
		r.Get("/all", s.allJobs)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.withJob("get", s.getJob))
			r.Delete("/", s.withJob("delete", s.deleteJob))
			r.Get("/state", s.withJob("state", s.getState))
			r.Get("/touch", s.withJob("touch", s.touch))

			r.Post("/start", s.withJob("start", s.start))
			r.Post("/stop", s.withJob("stop", s.stop))
			r.Post("/trace", s.withJob("trace", s.trace))
			r.Post("/resetstats", s.withJob("resetstats", s.resetStats))
			r.Post("/measurements/flush", s.withJob("flush", s.flushMeasurements))
			r.Get("/measurements", s.withJob("measurements", s.measurements))

			r.Post("/attachment", s.withJob("attachment", s.uploadAttachment))
			r.Post("/attachment/zip", s.withJob("attachment-zip", s.uploadAttachmentZip))
			r.Post("/source", s.withJob("source", s.uploadSource))
			r.Post("/build", s.withJob("build", s.uploadBuildFile))

			r.Get("/trace", s.withJob("trace", s.traceFile))
			r.Get("/dump", s.withJob("dump", s.dumpFile))
			r.Get("/eventpipe", s.withJob("eventpipe", s.eventPipeFile))

			r.Get("/buildlog", s.withJob("buildlog", s.buildLog))
			r.Get("/buildlog/{start}", s.withJob("buildlog-since", s.buildLogSince))
			r.Get("/output", s.withJob("output", s.output))
			r.Get("/output/{start}", s.withJob("output-since", s.outputSince))

			r.Get("/download", s.withJob("download", s.download))
			r.Get("/list", s.withJob("list", s.list))
			r.Get("/fetch", s.withJob("fetch", s.fetch))
			r.Get("/invoke", s.withJob("invoke", s.invoke))
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.Log.Debug("served request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestID", middleware.GetReqID(r.Context())),
		)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Log.Info("Server running", zap.String("addr", s.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listening")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.Log.Info("Server shutting down")
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutting down")
	})

	return g.Wait()
}
