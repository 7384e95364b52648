package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "benchmarks_agent"

// Recorder exposes the agent's own activity to prometheus.
type Recorder struct {
	intents     *prometheus.CounterVec
	uploadBytes *prometheus.CounterVec
	jobs        *prometheus.GaugeVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		intents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_total",
				Help:      "Driver intents received, by intent and result.",
			},
			[]string{"intent", "result"},
		),
		uploadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes staged from driver uploads, by upload kind.",
			},
			[]string{"kind"},
		),
		jobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs",
				Help:      "Jobs held by the agent, by state.",
			},
			[]string{"state"},
		),
	}
}

func (r *Recorder) Intent(intent string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	r.intents.WithLabelValues(intent, result).Inc()
}

func (r *Recorder) Uploaded(kind string, n int64) {
	r.uploadBytes.WithLabelValues(kind).Add(float64(n))
}

// SetJobs replaces the job gauge with counts keyed by state name.
func (r *Recorder) SetJobs(counts map[string]int) {
	r.jobs.Reset()
	for state, n := range counts {
		r.jobs.WithLabelValues(state).Set(float64(n))
	}
}
