package metric

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/oneee-playground/r2d2-agent/internal/util/stream"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Names of the measurements produced from container stats.
const (
	NameCPU        = "docker/cpu"
	NameMemory     = "docker/memory"
	NameBlockRead  = "docker/block-read"
	NameBlockWrite = "docker/block-write"
	NameNetRead    = "docker/net-read"
	NameNetWrite   = "docker/net-write"
)

type Stat struct {
	Container string
	Read      time.Time

	TotalCPUUsage   float64
	CPUUsagePerCore []float64
	MemoryUsage     float64

	BlockRead, BlockWrite uint64
	NetRead, NetWrite     uint64
}

// Measurements flattens the stat into one measurement per figure.
func (s Stat) Measurements() []Measurement {
	at := s.Read.UTC()
	return []Measurement{
		{Name: NameCPU, Timestamp: at, Value: s.TotalCPUUsage},
		{Name: NameMemory, Timestamp: at, Value: s.MemoryUsage},
		{Name: NameBlockRead, Timestamp: at, Value: s.BlockRead},
		{Name: NameBlockWrite, Timestamp: at, Value: s.BlockWrite},
		{Name: NameNetRead, Timestamp: at, Value: s.NetRead},
		{Name: NameNetWrite, Timestamp: at, Value: s.NetWrite},
	}
}

// StatsSource streams a container's stats as consecutive JSON documents.
type StatsSource interface {
	Stats(ctx context.Context, containerID string) (io.ReadCloser, error)
}

type DockerStats struct {
	Docker client.APIClient
}

var _ StatsSource = (*DockerStats)(nil)

func (d *DockerStats) Stats(ctx context.Context, containerID string) (io.ReadCloser, error) {
	res, err := d.Docker.ContainerStats(ctx, containerID, true)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

type Collector struct {
	Source StatsSource
}

func (c *Collector) Collect(ctx context.Context, containerID string) (<-chan Stat, <-chan error) {
	out := make(chan Stat, 1)
	errchan := make(chan error, 1)

	go func() {
		defer close(errchan)
		defer close(out)

		body, err := c.Source.Stats(ctx, containerID)
		if err != nil {
			errchan <- errors.Wrap(err, "requesting container stats")
			return
		}

		defer body.Close()

		decoder := json.NewDecoder(bufio.NewReader(body))

		for {
			var stat container.StatsResponse
			if err := decoder.Decode(&stat); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					errchan <- errors.Wrap(err, "decoding container stats")
				}
				return
			}

			select {
			case out <- toStat(containerID, stat):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errchan
}

func toStat(containerID string, stat container.StatsResponse) Stat {
	result := Stat{Container: containerID, Read: stat.Read}

	// used_memory = memory_stats.usage - memory_stats.stats.cache
	// memory usage = used_memory / memory_stats.limit
	if stat.MemoryStats.Limit > 0 {
		used := stat.MemoryStats.Usage - stat.MemoryStats.Stats["cache"]
		result.MemoryUsage = float64(used) / float64(stat.MemoryStats.Limit)
	}

	// cpu usage = cpu_delta / system_cpu_delta
	cpuDelta := stat.CPUStats.CPUUsage.TotalUsage - stat.PreCPUStats.CPUUsage.TotalUsage
	systemDelta := stat.CPUStats.SystemUsage - stat.PreCPUStats.SystemUsage
	if systemDelta > 0 {
		result.TotalCPUUsage = float64(cpuDelta) / float64(systemDelta)
	}

	const defaultCPUPeriod = float64(100_000)
	result.CPUUsagePerCore = make([]float64, len(stat.CPUStats.CPUUsage.PercpuUsage))
	for idx := range result.CPUUsagePerCore {
		result.CPUUsagePerCore[idx] = float64(stat.CPUStats.CPUUsage.PercpuUsage[idx]) / defaultCPUPeriod
	}

	for _, networkStat := range stat.Networks {
		result.NetRead += networkStat.RxBytes
		result.NetWrite += networkStat.TxBytes
	}

	for _, blockStat := range stat.BlkioStats.IoServiceBytesRecursive {
		switch blockStat.Op {
		case "Read", "read":
			result.BlockRead += blockStat.Value
		case "Write", "write":
			result.BlockWrite += blockStat.Value
		}
	}

	return result
}

// Record samples every container into s until ctx is done or all of the
// stats streams end. Errors from individual containers are combined.
func (c *Collector) Record(ctx context.Context, s *Stream, containerIDs ...string) error {
	stats := make([]<-chan Stat, len(containerIDs))
	errchans := make([]<-chan error, len(containerIDs))
	for idx, id := range containerIDs {
		stats[idx], errchans[idx] = c.Collect(ctx, id)
	}

	for stat := range stream.FanIn(stats...) {
		s.Enqueue(stat.Measurements()...)
	}

	var err error
	for e := range stream.FanIn(errchans...) {
		err = multierr.Append(err, e)
	}
	return err
}
