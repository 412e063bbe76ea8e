// ABOUTME: Prometheus metrics for the job engine
// ABOUTME: Tracks queue traffic, active workers, and terminal outcomes by state

package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the job engine's Prometheus instruments.
type Metrics struct {
	JobsQueued   prometheus.Counter
	JobsRunning  prometheus.Gauge
	JobsFinished *prometheus.CounterVec
}

// NewMetrics creates and registers the job metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_jobs_queued_total",
			Help: "Total number of jobs accepted into the queue",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_jobs_running",
			Help: "Number of jobs currently executing",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsQueued, m.JobsRunning, m.JobsFinished)
	}
	return m
}
