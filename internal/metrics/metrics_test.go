package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"agentdesk/internal/dispatch"
	"agentdesk/internal/eventbus"
	"agentdesk/internal/pool"
)

func jobEvent(typ string) eventbus.Event {
	return eventbus.Event{
		Type: typ,
		Time: time.Now(),
		Data: dispatch.JobEvent{
			ID: "j1", Identity: "bot-a", Target: "panda-main",
			Op: "balance", Attempt: 1, Duration: 2 * time.Second,
			FailKind: "transient", Error: "slow",
		},
	}
}

func TestConsumeJobLifecycle(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.consume(jobEvent(dispatch.EventJobStarted))
	c.consume(jobEvent(dispatch.EventJobStarted))
	c.consume(jobEvent(dispatch.EventJobSucceeded))
	c.consume(jobEvent(dispatch.EventJobFailed))
	c.consume(jobEvent(dispatch.EventJobRetry))
	c.consume(jobEvent(dispatch.EventJobCancelled))

	if got := testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("bot-a", "balance")); got != 2 {
		t.Fatalf("jobs_submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.jobsSucceeded.WithLabelValues("bot-a", "balance")); got != 1 {
		t.Fatalf("jobs_succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.jobsFailed.WithLabelValues("bot-a", "balance", "transient")); got != 1 {
		t.Fatalf("jobs_failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.jobRetries.WithLabelValues("panda-main")); got != 1 {
		t.Fatalf("job_retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.jobsCancelled.WithLabelValues("bot-a", "balance")); got != 1 {
		t.Fatalf("jobs_cancelled = %v, want 1", got)
	}
}

func TestConsumePoolEvents(t *testing.T) {
	c := New(prometheus.NewRegistry())

	data := map[string]any{"target": "panda-main"}
	c.consume(eventbus.Event{Type: pool.EventSessionBuilt, Data: data})
	c.consume(eventbus.Event{Type: pool.EventSessionDead, Data: data})
	c.consume(eventbus.Event{Type: pool.EventSessionGone, Data: data})
	c.consume(eventbus.Event{Type: pool.EventSessionBuilt, Data: "garbage"})

	if got := testutil.ToFloat64(c.sessionsBuilt.WithLabelValues("panda-main")); got != 1 {
		t.Fatalf("sessions_built = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.sessionsDead.WithLabelValues("panda-main")); got != 2 {
		t.Fatalf("sessions_dead = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.sessionsBuilt.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("malformed event not counted under unknown: %v", got)
	}
}

func TestSamplePool(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.samplePool([]pool.Stats{{Target: "panda-main", Cap: 3, Total: 2, Idle: 1, Waiters: 4}})

	if got := testutil.ToFloat64(c.poolSessions.WithLabelValues("panda-main", "idle")); got != 1 {
		t.Fatalf("idle gauge = %v", got)
	}
	if got := testutil.ToFloat64(c.poolSessions.WithLabelValues("panda-main", "leased")); got != 1 {
		t.Fatalf("leased gauge = %v", got)
	}
	if got := testutil.ToFloat64(c.poolSessions.WithLabelValues("panda-main", "waiting")); got != 4 {
		t.Fatalf("waiting gauge = %v", got)
	}
}

func TestObserveDelivery(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.ObserveDelivery(true)
	c.ObserveDelivery(true)
	c.ObserveDelivery(false)

	if got := testutil.ToFloat64(c.deliveries.WithLabelValues("ok")); got != 2 {
		t.Fatalf("deliveries ok = %v", got)
	}
	if got := testutil.ToFloat64(c.deliveries.WithLabelValues("failed")); got != 1 {
		t.Fatalf("deliveries failed = %v", got)
	}
}
