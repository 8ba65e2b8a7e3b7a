// Package metrics exposes Prometheus instrumentation for workflow jobs and
// guardrails. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes.
const (
	OutcomeExecuted  = "executed"
	OutcomeSkipped   = "skipped"
	OutcomeThrottled = "throttled"
	OutcomeFailed    = "failed"
	OutcomeLimited   = "limit_exceeded"
)

type Metrics struct {
	jobDuration     *prometheus.HistogramVec
	jobsFinished    *prometheus.CounterVec
	jobsEnqueued    *prometheus.CounterVec
	guardrailBlocks *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_job_duration_seconds",
				Help:    "Duration of workflow job runs.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_jobs_finished_total",
				Help: "Workflow jobs that reached a terminal state.",
			},
			[]string{"outcome"},
		),
		jobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_jobs_enqueued_total",
				Help: "Workflow jobs created by the dispatcher.",
			},
			[]string{"trigger_event"},
		),
		guardrailBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_guardrail_blocks_total",
				Help: "Work stopped by a guardrail.",
			},
			[]string{"reason"},
		),
	}
	reg.MustRegister(m.jobDuration, m.jobsFinished, m.jobsEnqueued, m.guardrailBlocks)
	return m
}

// ObserveJob records a terminal job transition.
func (m *Metrics) ObserveJob(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.jobsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Enqueued(eventType string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(eventType).Inc()
}

// Blocked counts a guardrail stop by reason.
func (m *Metrics) Blocked(reason string) {
	if m == nil {
		return
	}
	m.guardrailBlocks.WithLabelValues(reason).Inc()
}
