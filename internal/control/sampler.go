package control

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"go.uber.org/zap"
)

// Sampler records resource usage of running docker jobs into their
// measurement streams. A container is sampled until its stats stream ends
// or the job stops running.
type Sampler struct {
	Log        *zap.Logger
	Repository job.Repository
	Collector  *metric.Collector
	Clock      clock.Clock

	mu      sync.Mutex
	running map[string]*sampling
	wg      sync.WaitGroup
}

// sampling is one sampler goroutine. Its pointer identifies the run, so a
// finished run never unregisters a newer one for the same container.
type sampling struct {
	cancel context.CancelFunc
}

// Run scans for running containers every interval until ctx is done. It
// waits for all samplers it started before returning.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	if s.Clock == nil {
		s.Clock = clock.New()
	}

	ticker := s.Clock.Ticker(interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		s.scan(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sampler) scan(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == nil {
		s.running = make(map[string]*sampling)
	}

	wanted := make(map[string]bool)
	for _, j := range s.Repository.GetAll() {
		if j.State != job.StateRunning || j.ContainerID == "" {
			continue
		}
		wanted[j.ContainerID] = true

		if _, ok := s.running[j.ContainerID]; ok {
			continue
		}

		sampleCtx, cancel := context.WithCancel(ctx)
		run := &sampling{cancel: cancel}
		s.running[j.ContainerID] = run

		s.wg.Add(1)
		go s.sample(sampleCtx, run, j.ID, j.ContainerID, j.Measurements)
	}

	for containerID, run := range s.running {
		if !wanted[containerID] {
			run.cancel()
			delete(s.running, containerID)
		}
	}
}

func (s *Sampler) sample(ctx context.Context, run *sampling, jobID int, containerID string, stream *metric.Stream) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.running[containerID] == run {
			delete(s.running, containerID)
		}
		s.mu.Unlock()
		run.cancel()
	}()

	log := s.Log.With(zap.Int("jobID", jobID), zap.String("containerID", containerID))
	log.Debug("sampling container")

	if err := s.Collector.Record(ctx, stream, containerID); err != nil {
		log.Warn("container sampling stopped", zap.Error(err))
	}
}
