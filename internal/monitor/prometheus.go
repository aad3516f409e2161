package monitor

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	logx "batchbridge/pkg/logx"
)

// PrometheusSink exports execution records as Prometheus metrics. Collectors
// that fail to register are logged and keep working unregistered.
type PrometheusSink struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
	vetoes   *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer, namespace string, log logx.Logger) *PrometheusSink {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "batchbridge"
	}
	s := &PrometheusSink{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "job_runs_total",
			Help:      "Finished job fires by outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "job_duration_seconds",
			Help:      "Job fire duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "job_last_end_timestamp_seconds",
			Help:      "Unix time the job last finished.",
		}, []string{"job"}),
		vetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "job_vetoes_total",
			Help:      "Job fires rejected before running.",
		}, []string{"job"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{s.runs, s.duration, s.lastRun, s.vetoes} {
			if err := reg.Register(c); err != nil {
				log.Warn("metrics: collector registration failed", logx.Err(err))
			}
		}
	}
	return s
}

func (s *PrometheusSink) Emit(r Record) error {
	outcome := "success"
	if !r.Success {
		outcome = "failure"
	}
	s.runs.WithLabelValues(r.JobName, outcome).Inc()
	s.duration.WithLabelValues(r.JobName).Observe(r.Duration.Seconds())
	s.lastRun.WithLabelValues(r.JobName).Set(float64(r.End.Unix()))
	return nil
}

// Vetoed counts a rejected fire.
func (s *PrometheusSink) Vetoed(job string) {
	s.vetoes.WithLabelValues(job).Inc()
}
