package metric

import (
	"context"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"go.uber.org/zap"
)

const influxMeasurement = "benchmark"

// Exporter ships drained measurements to long term storage.
type Exporter interface {
	Export(ctx context.Context, jobID int, ms []Measurement) error
}

// NopExporter is used when no storage is configured.
type NopExporter struct{}

func (NopExporter) Export(context.Context, int, []Measurement) error { return nil }

// Storage exports measurements to InfluxDB. Write errors are reported
// asynchronously by the client and only logged.
type Storage struct {
	writer api.WriteAPI
	log    *zap.Logger
	done   chan struct{}
}

var (
	_ Exporter = (*Storage)(nil)
	_ Exporter = NopExporter{}
)

func NewStorage(client influxdb2.Client, log *zap.Logger, org, bucket string) *Storage {
	s := &Storage{
		writer: client.WriteAPI(org, bucket),
		log:    log,
		done:   make(chan struct{}),
	}
	go s.logErrors(s.writer.Errors())
	return s
}

func (s *Storage) logErrors(errs <-chan error) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.log.Warn("failed to write measurements", zap.Error(err))
		case <-s.done:
			return
		}
	}
}

// Export writes every measurement with a numeric value. Delimiters and
// measurements carrying other values are skipped.
func (s *Storage) Export(ctx context.Context, jobID int, ms []Measurement) error {
	id := strconv.Itoa(jobID)

	for _, m := range ms {
		if m.IsDelimiter() {
			continue
		}
		value, ok := numeric(m.Value)
		if !ok {
			continue
		}

		point := influxdb2.NewPoint(influxMeasurement,
			map[string]string{"job": id, "name": m.Name},
			map[string]interface{}{"value": value},
			m.Timestamp,
		)
		s.writer.WritePoint(point)
	}

	s.writer.Flush()
	return ctx.Err()
}

func (s *Storage) Close() {
	s.writer.Flush()
	close(s.done)
	s.writer.Close()
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
