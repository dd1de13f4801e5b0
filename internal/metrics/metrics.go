// Package metrics exposes Prometheus instrumentation for the job
// pipeline. The collector is fed two ways: lifecycle counters come from
// the event bus, pool gauges are sampled on a fixed tick.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentdesk/internal/dispatch"
	"agentdesk/internal/eventbus"
	"agentdesk/internal/pool"
)

// Collector owns every metric the engine exports.
type Collector struct {
	jobsSubmitted *prometheus.CounterVec
	jobsSucceeded *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobRetries    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	sessionsBuilt *prometheus.CounterVec
	sessionsDead  *prometheus.CounterVec
	poolSessions  *prometheus.GaugeVec

	deliveries *prometheus.CounterVec
}

// New builds the collector and registers everything on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_jobs_submitted_total",
			Help: "Jobs that entered the dispatcher, by identity and operation.",
		}, []string{"identity", "op"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_jobs_succeeded_total",
			Help: "Jobs that finished successfully.",
		}, []string{"identity", "op"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_jobs_failed_total",
			Help: "Jobs that finished in failure, by failure kind.",
		}, []string{"identity", "op", "kind"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_jobs_cancelled_total",
			Help: "Jobs cancelled before completion.",
		}, []string{"identity", "op"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_job_retries_total",
			Help: "Retry attempts scheduled after transient failures.",
		}, []string{"target"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdesk_job_duration_seconds",
			Help:    "End-to-end job duration including retries.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90, 180},
		}, []string{"op"}),
		sessionsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_sessions_built_total",
			Help: "Browser sessions constructed, by target.",
		}, []string{"target"}),
		sessionsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_sessions_dead_total",
			Help: "Sessions that failed a health probe or were discarded.",
		}, []string{"target"}),
		poolSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentdesk_pool_sessions",
			Help: "Current pool occupancy, by target and state.",
		}, []string{"target", "state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdesk_deliveries_total",
			Help: "Result fan-out deliveries, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsSucceeded, c.jobsFailed, c.jobsCancelled,
		c.jobRetries, c.jobDuration,
		c.sessionsBuilt, c.sessionsDead, c.poolSessions,
		c.deliveries,
	)
	return c
}

// ObserveDelivery records one fan-out delivery outcome.
func (c *Collector) ObserveDelivery(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

// Watch consumes bus events and samples pool occupancy until ctx ends.
func (c *Collector) Watch(ctx context.Context, bus eventbus.Bus, snapshot func() []pool.Stats) {
	ch, unsub := bus.Subscribe(128)
	defer unsub()

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.samplePool(snapshot())
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.consume(ev)
		}
	}
}

func (c *Collector) consume(ev eventbus.Event) {
	switch ev.Type {
	case dispatch.EventJobStarted:
		if je, ok := ev.Data.(dispatch.JobEvent); ok {
			c.jobsSubmitted.WithLabelValues(je.Identity, je.Op).Inc()
		}
	case dispatch.EventJobRetry:
		if je, ok := ev.Data.(dispatch.JobEvent); ok {
			c.jobRetries.WithLabelValues(je.Target).Inc()
		}
	case dispatch.EventJobSucceeded:
		if je, ok := ev.Data.(dispatch.JobEvent); ok {
			c.jobsSucceeded.WithLabelValues(je.Identity, je.Op).Inc()
			c.jobDuration.WithLabelValues(je.Op).Observe(je.Duration.Seconds())
		}
	case dispatch.EventJobFailed:
		if je, ok := ev.Data.(dispatch.JobEvent); ok {
			c.jobsFailed.WithLabelValues(je.Identity, je.Op, je.FailKind).Inc()
			c.jobDuration.WithLabelValues(je.Op).Observe(je.Duration.Seconds())
		}
	case dispatch.EventJobCancelled:
		if je, ok := ev.Data.(dispatch.JobEvent); ok {
			c.jobsCancelled.WithLabelValues(je.Identity, je.Op).Inc()
		}
	case pool.EventSessionBuilt:
		c.sessionsBuilt.WithLabelValues(eventTarget(ev)).Inc()
	case pool.EventSessionDead, pool.EventSessionGone:
		c.sessionsDead.WithLabelValues(eventTarget(ev)).Inc()
	}
}

func (c *Collector) samplePool(stats []pool.Stats) {
	for _, st := range stats {
		leased := st.Total - st.Idle
		if leased < 0 {
			leased = 0
		}
		c.poolSessions.WithLabelValues(st.Target, "idle").Set(float64(st.Idle))
		c.poolSessions.WithLabelValues(st.Target, "leased").Set(float64(leased))
		c.poolSessions.WithLabelValues(st.Target, "waiting").Set(float64(st.Waiters))
	}
}

func eventTarget(ev eventbus.Event) string {
	if m, ok := ev.Data.(map[string]any); ok {
		if t, ok := m["target"].(string); ok {
			return t
		}
	}
	return "unknown"
}
