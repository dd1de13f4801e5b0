package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/job"
	"agentdesk/internal/router"
	"agentdesk/pkg/logx"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Execute(_ context.Context, identityID string, principal, replyTo int64, op string, _ map[string]string) (job.Result, broadcast.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, identityID+"/"+op)
	f.mu.Unlock()
	if principal != 0 || replyTo != 0 {
		return job.Result{}, broadcast.Report{}, nil
	}
	return job.Result{JobID: "j1", OK: true}, broadcast.Report{}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func identityWithSchedule(spec string) *router.Identity {
	return &router.Identity{
		ID:     "bot-a",
		Target: "panda-main",
		Active: true,
		Schedules: []router.Schedule{
			{Name: "sweep", Spec: spec, Op: job.OpBalance},
		},
	}
}

func TestApplyRejectsBadSpec(t *testing.T) {
	s := New(&fakeRunner{}, logx.Nop())
	defer s.Stop()
	if err := s.Apply([]*router.Identity{identityWithSchedule("not a cron spec")}); err == nil {
		t.Fatalf("bad cron spec accepted")
	}
}

func TestApplySkipsInactiveIdentities(t *testing.T) {
	s := New(&fakeRunner{}, logx.Nop())
	defer s.Stop()
	id := identityWithSchedule("bogus spec that would fail")
	id.Active = false
	if err := s.Apply([]*router.Identity{id}); err != nil {
		t.Fatalf("inactive identity's schedule was parsed: %v", err)
	}
}

func TestFireRunsThroughRunner(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, logx.Nop())
	s.fire("bot-a", router.Schedule{Name: "sweep", Op: job.OpBalance})
	if r.callCount() != 1 {
		t.Fatalf("runner called %d times, want 1", r.callCount())
	}
}

func TestScheduledJobFires(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, logx.Nop())
	defer s.Stop()

	// The standard 5-field spec bottoms out at one minute, so tests use
	// the @every extension.
	if err := s.Apply([]*router.Identity{identityWithSchedule("@every 100ms")}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("schedule never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApplySwapRemovesOldSchedules(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, logx.Nop())
	defer s.Stop()

	if err := s.Apply([]*router.Identity{identityWithSchedule("@every 50ms")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for r.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("schedule never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Swap to an empty set; firing must stop.
	if err := s.Apply(nil); err != nil {
		t.Fatalf("apply empty: %v", err)
	}
	n := r.callCount()
	time.Sleep(200 * time.Millisecond)
	if r.callCount() != n {
		t.Fatalf("old schedule still firing after swap")
	}
}
