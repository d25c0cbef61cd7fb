// Package metrics records installer step timings for node_exporter's
// textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the installer metrics in its own registry.
type Recorder struct {
	reg      *prometheus.Registry
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	result   *prometheus.GaugeVec
}

// New registers the installer metrics on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "installer_step_duration_seconds",
				Help:    "Duration of installer steps in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"step"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "installer_step_failures_total",
				Help: "Number of failed installer steps.",
			},
			[]string{"step"},
		),
		result: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "installer_last_run_success",
				Help: "1 if the last run succeeded, 0 otherwise.",
			},
			[]string{"mode"},
		),
	}
	r.reg.MustRegister(r.duration, r.failures, r.result)
	return r
}

// Observe records the duration of step since start, counting a failure when err is set.
func (r *Recorder) Observe(step string, start time.Time, err error) {
	r.duration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	if err != nil {
		r.failures.WithLabelValues(step).Inc()
	}
}

// Finish records the outcome of a run. mode is "install" or "upgrade".
func (r *Recorder) Finish(mode string, err error) {
	v := 1.0
	if err != nil {
		v = 0
	}
	r.result.WithLabelValues(mode).Set(v)
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// WriteTextfile writes all metrics to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
