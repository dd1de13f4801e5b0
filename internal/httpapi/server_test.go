package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/job"
	"agentdesk/internal/router"
	"agentdesk/pkg/logx"
)

type fakeEngine struct {
	lastIdentity string
	lastOp       string
	res          job.Result
	err          error
}

func (f *fakeEngine) Execute(_ context.Context, identityID string, _, _ int64, op string, _ map[string]string) (job.Result, broadcast.Report, error) {
	f.lastIdentity = identityID
	f.lastOp = op
	if f.err != nil {
		return job.Result{}, broadcast.Report{}, f.err
	}
	return f.res, broadcast.Report{JobID: f.res.JobID}, nil
}

func newTestServer(t *testing.T, eng Engine) *Server {
	t.Helper()
	rt := router.New(logx.Nop())
	err := rt.Apply([]router.Identity{{
		ID: "bot-a", APIKey: "key-a", Target: "panda-main", Active: true,
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return New(Config{Listen: "127.0.0.1:0"}, eng, rt, prometheus.NewRegistry(), logx.Nop())
}

func TestSubmitRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"op":"balance"}`))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestSubmitRunsJob(t *testing.T) {
	eng := &fakeEngine{res: job.Result{JobID: "j1", OK: true, Op: job.OpBalance}}
	s := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"op":"balance"}`))
	req.Header.Set("X-API-Key", "key-a")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if eng.lastIdentity != "bot-a" || eng.lastOp != "balance" {
		t.Fatalf("engine called with %q/%q", eng.lastIdentity, eng.lastOp)
	}
	if !strings.Contains(rec.Body.String(), `"job_id":"j1"`) {
		t.Fatalf("result missing from response: %s", rec.Body.String())
	}
}

func TestSubmitBadBody(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"op":`))
	req.Header.Set("X-API-Key", "key-a")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestSubmitRejectStatusMapping(t *testing.T) {
	cases := []struct {
		reason router.Reason
		want   int
	}{
		{router.UnknownIdentity, http.StatusUnauthorized},
		{router.Unauthorized, http.StatusForbidden},
		{router.OperationNotAllowed, http.StatusForbidden},
		{router.RateLimited, http.StatusTooManyRequests},
		{router.InvalidArguments, http.StatusBadRequest},
	}
	for _, tc := range cases {
		eng := &fakeEngine{err: &router.Error{Reason: tc.reason, Message: "nope"}}
		s := newTestServer(t, eng)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"op":"balance"}`))
		req.Header.Set("X-API-Key", "key-a")
		rec := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(rec, req)

		if rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.reason, rec.Code, tc.want)
		}
		if !strings.Contains(rec.Body.String(), string(tc.reason)) {
			t.Fatalf("%s: reason missing from body: %s", tc.reason, rec.Body.String())
		}
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
