package router

import (
	"testing"
	"time"

	"agentdesk/internal/job"
	"agentdesk/pkg/logx"
)

func testIdentity() Identity {
	return Identity{
		ID:       "bot-a",
		Name:     "Bot A",
		BotToken: "token-a",
		APIKey:   "key-a",
		Target:   "panda-main",
		Active:   true,
		Defaults: Defaults{Timeout: 30 * time.Second, Screenshot: true},
	}
}

func newTestRouter(t *testing.T, ids ...Identity) *Router {
	t.Helper()
	r := New(logx.Nop())
	if err := r.Apply(ids); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return r
}

func wantReason(t *testing.T, err error, want Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s rejection, got nil", want)
	}
	if got := ReasonOf(err); got != want {
		t.Fatalf("got reason %q (%v), want %q", got, err, want)
	}
}

func TestRouteSuccessBindsIdentityDefaults(t *testing.T) {
	r := newTestRouter(t, testIdentity())

	j, err := r.Route("bot-a", 42, job.OpBalance, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if j.ID == "" {
		t.Fatalf("job has no id")
	}
	if j.Target != "panda-main" {
		t.Fatalf("job target %q, want panda-main", j.Target)
	}
	if j.Timeout != 30*time.Second || !j.Screenshot {
		t.Fatalf("identity defaults not applied: timeout=%v screenshot=%v", j.Timeout, j.Screenshot)
	}
	if j.State() != job.Queued {
		t.Fatalf("new job state %v, want Queued", j.State())
	}
}

func TestRouteRejections(t *testing.T) {
	id := testIdentity()
	id.AllowedPrincipals = []int64{42}
	id.AllowedOps = []string{job.OpBalance, job.OpCredit}

	inactive := testIdentity()
	inactive.ID = "bot-off"
	inactive.APIKey = "key-off"
	inactive.BotToken = "token-off"
	inactive.Active = false

	r := newTestRouter(t, id, inactive)

	cases := []struct {
		name      string
		identity  string
		principal int64
		op        string
		args      map[string]string
		want      Reason
	}{
		{"unknown identity", "nobody", 42, job.OpBalance, nil, UnknownIdentity},
		{"inactive identity", "bot-off", 42, job.OpBalance, nil, UnknownIdentity},
		{"principal not allowed", "bot-a", 7, job.OpBalance, nil, Unauthorized},
		{"op not allowed", "bot-a", 42, job.OpDebit, map[string]string{"username": "pmjd001", "amount": "10"}, OperationNotAllowed},
		{"unknown op", "bot-a", 42, "reboot", nil, OperationNotAllowed},
		{"bad username", "bot-a", 42, job.OpCredit, map[string]string{"username": "x", "amount": "10"}, InvalidArguments},
		{"bad amount", "bot-a", 42, job.OpCredit, map[string]string{"username": "pmjd001", "amount": "-5"}, InvalidArguments},
	}
	for _, tc := range cases {
		j, err := r.Route(tc.identity, tc.principal, tc.op, tc.args)
		wantReason(t, err, tc.want)
		if j != nil {
			t.Fatalf("%s: rejection still produced a job", tc.name)
		}
	}
}

func TestRouteValidatesSignupArgs(t *testing.T) {
	r := newTestRouter(t, testIdentity())

	if _, err := r.Route("bot-a", 1, job.OpSignup, map[string]string{"username": "pmjd001"}); ReasonOf(err) != InvalidArguments {
		t.Fatalf("signup without full_name: got %v", err)
	}
	if _, err := r.Route("bot-a", 1, job.OpSignup, map[string]string{"full_name": "John Doe", "username": "x"}); ReasonOf(err) != InvalidArguments {
		t.Fatalf("signup with 1-char username: got %v", err)
	}
	if _, err := r.Route("bot-a", 1, job.OpSignup, map[string]string{"full_name": "John Doe", "username": "pm.jd-01"}); err != nil {
		t.Fatalf("valid signup rejected: %v", err)
	}
}

// pinClock freezes the router's clock so a test cannot straddle a
// window boundary.
func pinClock(r *Router) time.Time {
	at := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }
	return at
}

func TestRateLimitCapExact(t *testing.T) {
	id := testIdentity()
	id.Rate = RateConfig{Cap: 3, Window: time.Hour}
	r := newTestRouter(t, id)
	pinClock(r)

	for i := 0; i < 3; i++ {
		if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
			t.Fatalf("request %d inside cap rejected: %v", i+1, err)
		}
	}
	j, err := r.Route("bot-a", 1, job.OpBalance, nil)
	wantReason(t, err, RateLimited)
	if j != nil {
		t.Fatalf("rate-limited request produced a job")
	}
}

func TestRateWindowSpreadArrivals(t *testing.T) {
	id := testIdentity()
	id.Rate = RateConfig{Cap: 3, Window: time.Minute}
	r := newTestRouter(t, id)

	clock := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
		t.Fatalf("request at window start: %v", err)
	}

	// Three more arrive 50 seconds later, still inside the same minute.
	// The window already holds one request, so exactly one of these must
	// be rejected even though most of the window has elapsed.
	clock = clock.Add(50 * time.Second)
	accepted, limited := 0, 0
	for i := 0; i < 3; i++ {
		_, err := r.Route("bot-a", 1, job.OpBalance, nil)
		switch {
		case err == nil:
			accepted++
		case ReasonOf(err) == RateLimited:
			limited++
		default:
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if accepted != 2 || limited != 1 {
		t.Fatalf("accepted=%d limited=%d, want 2 accepted and 1 limited", accepted, limited)
	}

	// The next minute opens a fresh bucket.
	clock = clock.Add(time.Minute)
	if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
		t.Fatalf("request in next window: %v", err)
	}
}

func TestPrincipalCapDoesNotBurnIdentityBudget(t *testing.T) {
	id := testIdentity()
	id.Rate = RateConfig{Cap: 10, Window: time.Hour, PrincipalCap: 1}
	r := newTestRouter(t, id)
	pinClock(r)

	if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
		t.Fatalf("first request for principal 1: %v", err)
	}
	wantReason(t, mustErr(r.Route("bot-a", 1, job.OpBalance, nil)), RateLimited)

	// The throttled principal must not have spent the shared budget:
	// nine other requests still fit under the identity cap of 10.
	for i := int64(2); i <= 10; i++ {
		if _, err := r.Route("bot-a", i, job.OpBalance, nil); err != nil {
			t.Fatalf("principal %d rejected: %v", i, err)
		}
	}
}

func TestInvalidArgsDoNotBurnRateBudget(t *testing.T) {
	id := testIdentity()
	id.Rate = RateConfig{Cap: 1, Window: time.Hour}
	r := newTestRouter(t, id)
	pinClock(r)

	if _, err := r.Route("bot-a", 1, job.OpCredit, map[string]string{"username": "x", "amount": "10"}); ReasonOf(err) != InvalidArguments {
		t.Fatalf("expected invalid arguments, got %v", err)
	}
	// The single token is still there.
	if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
		t.Fatalf("valid request after malformed one: %v", err)
	}
}

func TestApplyKeepsSpentBudgetAcrossReload(t *testing.T) {
	id := testIdentity()
	id.Rate = RateConfig{Cap: 1, Window: time.Hour}
	r := newTestRouter(t, id)
	pinClock(r)

	if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// Re-applying the same config must not hand the identity a fresh
	// bucket.
	if err := r.Apply([]Identity{id}); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	wantReason(t, mustErr(r.Route("bot-a", 1, job.OpBalance, nil)), RateLimited)

	// Changing the rate config does reset the bucket.
	id.Rate.Cap = 2
	if err := r.Apply([]Identity{id}); err != nil {
		t.Fatalf("apply new rate: %v", err)
	}
	if _, err := r.Route("bot-a", 1, job.OpBalance, nil); err != nil {
		t.Fatalf("request after rate change: %v", err)
	}
}

func TestApplyRejectsDuplicates(t *testing.T) {
	r := New(logx.Nop())
	a := testIdentity()
	b := testIdentity()
	if err := r.Apply([]Identity{a, b}); err == nil {
		t.Fatalf("duplicate identity id accepted")
	}

	b.ID = "bot-b"
	b.BotToken = "token-b"
	// Same API key as a.
	if err := r.Apply([]Identity{a, b}); err == nil {
		t.Fatalf("duplicate api key accepted")
	}
}

func TestByAPIKey(t *testing.T) {
	r := newTestRouter(t, testIdentity())
	if id := r.ByAPIKey("key-a"); id == nil || id.ID != "bot-a" {
		t.Fatalf("ByAPIKey(key-a) = %v", id)
	}
	if id := r.ByAPIKey("wrong"); id != nil {
		t.Fatalf("ByAPIKey(wrong) = %v, want nil", id)
	}
	if id := r.ByAPIKey(""); id != nil {
		t.Fatalf("ByAPIKey(\"\") = %v, want nil", id)
	}
}

func mustErr(_ *job.Job, err error) error { return err }
