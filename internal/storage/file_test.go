package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentdesk/internal/job"
	"agentdesk/pkg/logx"
)

func record(id, identity string, ok bool) JobRecord {
	return JobRecord{
		At:       time.Now(),
		JobID:    id,
		Identity: identity,
		Target:   "panda-main",
		Op:       job.OpBalance,
		OK:       ok,
		Attempts: 1,
		TookMS:   1200,
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, drv := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: drv}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", drv, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", drv)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestFileAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i, r := range []JobRecord{
		record("j1", "bot-a", true),
		record("j2", "bot-b", false),
		record("j3", "bot-a", true),
	} {
		if err := st.AppendJob(ctx, r); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := st.RecentJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 || all[0].JobID != "j3" {
		t.Fatalf("expected 3 records newest first, got %+v", all)
	}

	onlyA, err := st.RecentJobs(ctx, "bot-a", 0)
	if err != nil {
		t.Fatalf("recent bot-a: %v", err)
	}
	if len(onlyA) != 2 || onlyA[0].JobID != "j3" || onlyA[1].JobID != "j1" {
		t.Fatalf("identity filter wrong: %+v", onlyA)
	}

	limited, err := st.RecentJobs(ctx, "", 1)
	if err != nil {
		t.Fatalf("recent limited: %v", err)
	}
	if len(limited) != 1 || limited[0].JobID != "j3" {
		t.Fatalf("limit not honored: %+v", limited)
	}
}

func TestFileReplayAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []string{"j1", "j2"} {
		if err := st.AppendJob(ctx, record(id, "bot-a", true)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a torn write from a crash.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.WriteString(`{"at":"2026-01-01T00:0`); err != nil {
		t.Fatalf("torn write: %v", err)
	}
	f.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err := st2.RecentJobs(ctx, "bot-a", 0)
	if err != nil {
		t.Fatalf("recent after reopen: %v", err)
	}
	if len(got) != 2 || got[0].JobID != "j2" {
		t.Fatalf("replay wrong: %+v", got)
	}

	// New appends land after the replayed tail.
	if err := st2.AppendJob(ctx, record("j3", "bot-a", true)); err != nil {
		t.Fatalf("append after replay: %v", err)
	}
	got, _ = st2.RecentJobs(ctx, "bot-a", 1)
	if len(got) != 1 || got[0].JobID != "j3" {
		t.Fatalf("post-replay append wrong: %+v", got)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Close()
	if err := st.AppendJob(context.Background(), record("j1", "bot-a", true)); err == nil {
		t.Fatalf("append after close succeeded")
	}
}

func TestRecordFlattensResult(t *testing.T) {
	bal := 12.5
	res := job.Result{
		JobID:    "j1",
		Identity: "bot-a",
		Target:   "panda-main",
		Op:       job.OpBalance,
		OK:       true,
		Attempts: 2,
		Duration: 1500 * time.Millisecond,
		Balance:  &bal,
	}
	r := Record(res, 42)
	if r.Principal != 42 || r.TookMS != 1500 || r.Balance == nil || *r.Balance != 12.5 {
		t.Fatalf("record wrong: %+v", r)
	}
	if r.At.IsZero() {
		t.Fatalf("record has no timestamp")
	}
}
