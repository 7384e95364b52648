// Package control implements the operations a driver performs on the
// agent's jobs. It records intents through the job repository and leaves
// the actual work to the execution loop.
package control

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oneee-playground/r2d2-agent/internal/artifact"
	"github.com/oneee-playground/r2d2-agent/internal/event"
	"github.com/oneee-playground/r2d2-agent/internal/host"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Workspace owns the directories jobs run in.
type Workspace interface {
	Provision(jobID int) (string, error)
	Release(jobID int) error
}

type Opts struct {
	Log        *zap.Logger
	Repository job.Repository
	Transfer   *artifact.Transfer
	Workspace  Workspace
	Events     event.Publisher
	Exporter   metric.Exporter
	Metrics    *metric.Recorder
	Clock      clock.Clock
	HTTPClient *http.Client

	Host             host.Info
	MinDriverVersion int
}

type Controller struct {
	Opts
}

func New(opts Opts) *Controller {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = event.NopPublisher{}
	}
	if opts.Exporter == nil {
		opts.Exporter = metric.NopExporter{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRecorder(prometheus.NewRegistry())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Controller{Opts: opts}
}

func (c *Controller) now() time.Time {
	return c.Clock.Now().UTC()
}

// Create validates a submitted job, stamps it with the host description and
// provisions its working directory.
func (c *Controller) Create(ctx context.Context, raw []byte) (job.Job, error) {
	j, err := job.DecodeDescriptor(raw, c.MinDriverVersion)
	if err != nil {
		return job.Job{}, err
	}

	j.Hardware = c.Host.Hardware
	j.HardwareVersion = c.Host.HardwareVersion
	j.OperatingSystem = c.Host.OperatingSystem
	j.LastDriverCommunicationUTC = c.now()

	// The directory exists before the job becomes visible to the execution
	// loop.
	j.ID = c.Repository.Reserve()

	basePath, err := c.Workspace.Provision(j.ID)
	if err != nil {
		return job.Job{}, errors.Wrap(err, "provisioning job directory")
	}
	j.BasePath = basePath

	j = c.Repository.Add(j)

	c.Log.Info("job created",
		zap.Int("jobID", j.ID),
		zap.Int("driverVersion", j.DriverVersion),
		zap.Bool("docker", j.Source.IsDocker()),
	)

	c.publish(ctx, j.ID, job.StateNew, j.State)
	c.refreshJobs()

	return j, nil
}

// Active returns the jobs a driver may still be watching and bumps their
// heartbeat.
func (c *Controller) Active() []job.Job {
	var active []job.Job
	for _, j := range c.Repository.GetAll() {
		if !j.State.IsActive() {
			continue
		}
		if touched, err := c.touch(j.ID); err == nil {
			active = append(active, touched)
		}
	}
	return active
}

// All returns every job the agent knows about and bumps their heartbeat.
func (c *Controller) All() []job.Job {
	var all []job.Job
	for _, j := range c.Repository.GetAll() {
		if touched, err := c.touch(j.ID); err == nil {
			all = append(all, touched)
		}
	}
	return all
}

func (c *Controller) Get(id int) (job.Job, error) {
	return c.touch(id)
}

func (c *Controller) State(id int) (job.State, error) {
	j, err := c.touch(id)
	if err != nil {
		return 0, err
	}
	return j.State, nil
}

func (c *Controller) Touch(id int) error {
	_, err := c.touch(id)
	return err
}

func (c *Controller) touch(id int) (job.Job, error) {
	return c.Repository.Mutate(id, func(j *job.Job) error {
		j.LastDriverCommunicationUTC = c.now()
		return nil
	})
}

// Stale returns active jobs whose driver has not been heard from for longer
// than maxAge.
func (c *Controller) Stale(maxAge time.Duration) []job.Job {
	now := c.now()

	var stale []job.Job
	for _, j := range c.Repository.GetAll() {
		if j.State.IsActive() && now.Sub(j.LastDriverCommunicationUTC) > maxAge {
			stale = append(stale, j)
		}
	}
	return stale
}

func (c *Controller) publish(ctx context.Context, jobID int, previous, state job.State) {
	e := event.NewJobEvent(jobID, previous, state, c.now())
	if err := c.Events.Publish(ctx, e); err != nil {
		c.Log.Warn("failed to publish job event",
			zap.Int("jobID", jobID),
			zap.Stringer("state", state),
			zap.Error(err),
		)
	}
}

func (c *Controller) refreshJobs() {
	counts := make(map[string]int)
	for _, j := range c.Repository.GetAll() {
		counts[j.State.String()]++
	}
	c.Metrics.SetJobs(counts)
}
