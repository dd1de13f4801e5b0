// Package router owns the identity table and the pre-dispatch
// authorization chain. Every inbound request passes through Route,
// which either rejects it with a typed reason or emits a Queued job
// bound to the identity's panel target.
package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentdesk/internal/job"
	"agentdesk/pkg/logx"
)

// Reason classifies a routing rejection.
type Reason string

const (
	UnknownIdentity     Reason = "unknown_identity"
	Unauthorized        Reason = "unauthorized"
	OperationNotAllowed Reason = "operation_not_allowed"
	RateLimited         Reason = "rate_limited"
	InvalidArguments    Reason = "invalid_arguments"
)

// Error is a typed routing rejection. No job exists when Route returns
// one of these.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("route: %s: %s", e.Reason, e.Message) }

func reject(r Reason, format string, args ...any) *Error {
	return &Error{Reason: r, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason, or "" for non-routing errors.
func ReasonOf(err error) Reason {
	if re, ok := err.(*Error); ok {
		return re.Reason
	}
	return ""
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// rateWindow is a fixed-window counter. Every request lands in the
// bucket containing its arrival time; the count resets when the clock
// crosses into the next bucket, never mid-window.
type rateWindow struct {
	bucketStart time.Time
	used        int
}

// roll moves the counter to the bucket containing now.
func (w *rateWindow) roll(now time.Time, span time.Duration) {
	start := now.Truncate(span)
	if !start.Equal(w.bucketStart) {
		w.bucketStart = start
		w.used = 0
	}
}

// limiterPair is the rate state for one identity. It survives config
// reloads so a reload cannot be used to reset a spent budget.
type limiterPair struct {
	mu         sync.Mutex
	identity   rateWindow
	principals map[int64]*rateWindow
	cfg        RateConfig
}

// Router holds the active identity snapshot. Apply swaps the snapshot
// atomically; in-flight routing keeps whichever snapshot it started
// with.
type Router struct {
	log logx.Logger

	mu       sync.RWMutex
	byID     map[string]*Identity
	byAPIKey map[string]*Identity

	limitMu  sync.Mutex
	limiters map[string]*limiterPair

	idSeq atomic.Uint64
	now   func() time.Time
}

func New(log logx.Logger) *Router {
	return &Router{
		log:      log,
		byID:     make(map[string]*Identity),
		byAPIKey: make(map[string]*Identity),
		limiters: make(map[string]*limiterPair),
		now:      time.Now,
	}
}

// Apply installs a new identity snapshot. Rate limiter state is carried
// over for identities whose rate config did not change.
func (r *Router) Apply(ids []Identity) error {
	byID := make(map[string]*Identity, len(ids))
	byKey := make(map[string]*Identity, len(ids))
	for i := range ids {
		id := ids[i]
		if id.ID == "" {
			return fmt.Errorf("router: identity %d has no id", i)
		}
		if _, dup := byID[id.ID]; dup {
			return fmt.Errorf("router: duplicate identity %q", id.ID)
		}
		if id.Target == "" {
			return fmt.Errorf("router: identity %q has no target", id.ID)
		}
		byID[id.ID] = &id
		if id.APIKey != "" {
			if _, dup := byKey[id.APIKey]; dup {
				return fmt.Errorf("router: identity %q reuses another identity's api key", id.ID)
			}
			byKey[id.APIKey] = &id
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byAPIKey = byKey
	r.mu.Unlock()

	r.limitMu.Lock()
	for key, lp := range r.limiters {
		id, ok := byID[key]
		if !ok {
			delete(r.limiters, key)
			continue
		}
		lp.mu.Lock()
		if lp.cfg != id.Rate {
			lp.identity = rateWindow{}
			lp.principals = make(map[int64]*rateWindow)
			lp.cfg = id.Rate
		}
		lp.mu.Unlock()
	}
	r.limitMu.Unlock()

	r.log.Info("identity snapshot applied", logx.Int("identities", len(ids)))
	return nil
}

// Identity returns the identity by id, or nil.
func (r *Router) Identity(id string) *Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByAPIKey resolves an identity from its HTTP API key, or nil.
func (r *Router) ByAPIKey(key string) *Identity {
	if key == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAPIKey[key]
}

// Identities returns the current snapshot.
func (r *Router) Identities() []*Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Identity, 0, len(r.byID))
	for _, id := range r.byID {
		out = append(out, id)
	}
	return out
}

// Route runs the authorization chain for one request and, on success,
// returns a Queued job. The chain order is fixed: identity, principal,
// operation, arguments, then rate — so a malformed request never burns
// rate budget.
func (r *Router) Route(identityID string, principal int64, op string, args map[string]string) (*job.Job, error) {
	id := r.Identity(identityID)
	if id == nil || !id.Active {
		return nil, reject(UnknownIdentity, "identity %q not configured", identityID)
	}
	if !id.allowsPrincipal(principal) {
		return nil, reject(Unauthorized, "principal %d not allowed for identity %q", principal, identityID)
	}
	op = strings.ToLower(strings.TrimSpace(op))
	if !id.allowsOp(op) {
		return nil, reject(OperationNotAllowed, "operation %q not allowed for identity %q", op, identityID)
	}
	if err := validateArgs(op, args); err != nil {
		return nil, err
	}
	if err := r.reserve(id, principal); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:          r.nextID(),
		Identity:    id.ID,
		Principal:   principal,
		Target:      id.Target,
		Op:          op,
		Args:        args,
		SubmittedAt: time.Now(),
		Timeout:     id.Defaults.Timeout,
		Screenshot:  id.Defaults.Screenshot,
	}
	return j, nil
}

func validateArgs(op string, args map[string]string) error {
	switch op {
	case job.OpBalance:
		return nil
	case job.OpSignup:
		if strings.TrimSpace(args["full_name"]) == "" {
			return reject(InvalidArguments, "signup requires full_name")
		}
		return validUsername(args["username"])
	case job.OpCredit, job.OpDebit:
		if err := validUsername(args["username"]); err != nil {
			return err
		}
		return validAmount(args["amount"])
	default:
		return reject(InvalidArguments, "unknown operation %q", op)
	}
}

func validUsername(u string) error {
	if !usernameRe.MatchString(u) {
		return reject(InvalidArguments, "username %q must be 3-32 chars of [a-zA-Z0-9_.-]", u)
	}
	return nil
}

func validAmount(raw string) error {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return reject(InvalidArguments, "amount %q must be a positive number", raw)
	}
	return nil
}

// reserve counts the request against the identity window and, when
// configured, against the principal window. A cap of N per window means
// the N+1'th request inside one bucket is rejected, however the
// arrivals are spread across it.
func (r *Router) reserve(id *Identity, principal int64) error {
	if id.Rate.Cap <= 0 {
		return nil
	}
	span := id.Rate.Window
	if span <= 0 {
		span = time.Minute
	}
	lp := r.limiterFor(id)
	now := r.now()

	lp.mu.Lock()
	defer lp.mu.Unlock()

	// Check both windows before counting against either, so a throttled
	// principal does not burn the identity's shared budget.
	lp.identity.roll(now, span)
	if lp.identity.used >= id.Rate.Cap {
		return reject(RateLimited, "identity %q over %d/%s", id.ID, id.Rate.Cap, id.Rate.Window)
	}
	if id.Rate.PrincipalCap > 0 {
		pw := lp.principals[principal]
		if pw == nil {
			pw = &rateWindow{}
			lp.principals[principal] = pw
		}
		pw.roll(now, span)
		if pw.used >= id.Rate.PrincipalCap {
			return reject(RateLimited, "principal %d over %d/%s for identity %q",
				principal, id.Rate.PrincipalCap, id.Rate.Window, id.ID)
		}
		pw.used++
	}
	lp.identity.used++
	return nil
}

func (r *Router) limiterFor(id *Identity) *limiterPair {
	r.limitMu.Lock()
	defer r.limitMu.Unlock()
	lp := r.limiters[id.ID]
	if lp == nil {
		lp = &limiterPair{
			principals: make(map[int64]*rateWindow),
			cfg:        id.Rate,
		}
		r.limiters[id.ID] = lp
	}
	return lp
}

func (r *Router) nextID() string {
	n := r.idSeq.Add(1)
	return fmt.Sprintf("j%08x-%04d", time.Now().Unix(), n%10000)
}
