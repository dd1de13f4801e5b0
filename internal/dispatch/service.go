// Package dispatch executes authorized jobs against pooled sessions.
// It owns the worker pool, the per-attempt timeout, the retry policy
// for transient failures and the guarantee that every acquired session
// is released exactly once, whatever the attempt does.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentdesk/internal/driver"
	"agentdesk/internal/eventbus"
	"agentdesk/internal/job"
	"agentdesk/internal/pool"
	"agentdesk/pkg/logx"
)

// Event types published on the bus.
const (
	EventJobStarted   = "job.started"
	EventJobRetry     = "job.retry"
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Identity   string        `json:"identity"`
	Target     string        `json:"target"`
	Op         string        `json:"op"`
	Attempt    int           `json:"attempt,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	FailKind   string        `json:"fail_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Lease is the slice of a pooled session the dispatcher needs.
type Lease interface {
	Driver() driver.Driver
}

// SessionPool abstracts the session pool so attempt handling can be
// tested against a fake.
type SessionPool interface {
	Acquire(ctx context.Context, target, jobID string) (Lease, error)
	Release(l Lease, outcome pool.Outcome)
}

// Config tunes the dispatcher.
type Config struct {
	Workers   int
	QueueSize int

	// MaxRetries is extra attempts after the first, for transient
	// failures only.
	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// DefaultTimeout bounds one attempt when the job carries no
	// per-identity timeout.
	DefaultTimeout time.Duration
	// AcquireTimeout bounds each session acquisition.
	AcquireTimeout time.Duration

	HistorySize int

	// CircuitTripFailures < 0 disables the breaker.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration

	// TransientMatch lists per-target error substrings to retry even
	// when the driver did not classify them.
	TransientMatch map[string][]string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 45 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem is one finished job, kept in a bounded ring for /status.
type HistoryItem struct {
	ID       string
	Identity string
	Target   string
	Op       string
	Started  time.Time
	Duration time.Duration
	Attempts int
	OK       bool
	Error    string
}

// Stats is a point-in-time dispatcher snapshot.
type Stats struct {
	InFlight      int
	QueueDepth    int
	CircuitsTotal int
	CircuitsOpen  int
}

type ticket struct {
	j    *job.Job
	at   time.Time
	done chan job.Result
}

// Service is the dispatcher.
type Service struct {
	cfg  Config
	pool SessionPool
	log  logx.Logger
	bus  eventbus.Bus

	queue    chan *ticket
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	circuits circuitStore
	inFlight atomic.Int32

	mu       sync.Mutex
	inflight map[string]*job.Job

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sessions SessionPool, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		pool:     sessions,
		log:      log,
		bus:      bus,
		queue:    make(chan *ticket, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[string]*job.Job),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Stop is called.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(ctx, idx)
		}(i)
	}
	s.log.Info("dispatcher started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop halts the workers and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Submit queues the job and blocks until it reaches a terminal state.
// A full queue rejects immediately with a resource-exhausted result;
// the job is never partially run. If ctx ends while the job is queued
// or running, the job is flagged for cancellation and Submit still
// waits for the terminal result so the caller sees the truth.
func (s *Service) Submit(ctx context.Context, j *job.Job) job.Result {
	t := &ticket{j: j, at: time.Now(), done: make(chan job.Result, 1)}

	s.mu.Lock()
	s.inflight[j.ID] = j
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, j.ID)
		s.mu.Unlock()
	}()

	select {
	case s.queue <- t:
	default:
		_ = j.SetState(job.Failed)
		res := job.Failure(j, job.FailResourceExhausted, "dispatch queue full", 0)
		s.record(t, res)
		return res
	}

	select {
	case res := <-t.done:
		return res
	case <-ctx.Done():
		j.Cancel()
		return <-t.done
	case <-s.stopCh:
		// Workers are gone; the ticket may already be finished or may
		// never run. Prefer a real result if one landed.
		select {
		case res := <-t.done:
			return res
		default:
		}
		j.Cancel()
		select {
		case res := <-t.done:
			return res
		case <-time.After(100 * time.Millisecond):
			_ = j.SetState(job.Cancelled)
			res := job.Failure(j, job.FailCancelled, "dispatcher stopped", time.Since(t.at))
			s.record(t, res)
			return res
		}
	}
}

// Cancel flags an in-flight job. A running attempt is allowed to
// finish; the flag is honored at the next attempt boundary. Cancelling
// an unknown or terminal job reports false.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	j := s.inflight[jobID]
	s.mu.Unlock()
	if j == nil {
		return false
	}
	return j.Cancel()
}

// Job returns the in-flight job by id, or nil.
func (s *Service) Job(jobID string) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[jobID]
}

// History returns the most recent finished jobs, newest last.
func (s *Service) History(limit int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryItem, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

func (s *Service) Snapshot() Stats {
	total, open := s.circuitSnapshot(time.Now())
	return Stats{
		InFlight:      int(s.inFlight.Load()),
		QueueDepth:    len(s.queue),
		CircuitsTotal: total,
		CircuitsOpen:  open,
	}
}

func (s *Service) worker(ctx context.Context, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs
	// retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case t := <-s.queue:
			s.inFlight.Add(1)
			res := s.execute(ctx, t, rng)
			s.inFlight.Add(-1)
			s.record(t, res)
			t.done <- res
		}
	}
}

func (s *Service) execute(ctx context.Context, t *ticket, rng *rand.Rand) job.Result {
	j := t.j
	start := time.Now()
	queueDelay := start.Sub(t.at)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.log.Debug("job started",
		logx.String("job", j.ID), logx.String("identity", j.Identity),
		logx.String("op", j.Op), logx.Duration("queue_delay", queueDelay))
	s.publish(EventJobStarted, JobEvent{ID: j.ID, Identity: j.Identity, Target: j.Target, Op: j.Op, QueueDelay: queueDelay})

	if open, until := s.circuitIsOpen(start, j.Target); open {
		return job.Failure(j, job.FailResourceExhausted,
			fmt.Sprintf("target %s circuit open until %s", j.Target, until.Format(time.RFC3339)),
			time.Since(start))
	}

	return s.attemptLoop(ctx, j, start, rng)
}

// attemptLoop runs acquire/invoke/release cycles until the job reaches
// a terminal outcome. Each attempt gets its own session lease; the
// lease is released before any sleep or re-acquire, and a deferred
// discard backstops the exactly-once guarantee if an unexpected panic
// escapes the recovery in invoke.
func (s *Service) attemptLoop(ctx context.Context, j *job.Job, start time.Time, rng *rand.Rand) (res job.Result) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	maxAttempts := 1 + s.cfg.MaxRetries

	var lease Lease
	released := true
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panic", logx.String("job", j.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = job.Failure(j, job.FailFatal, fmt.Sprintf("internal panic: %v", r), time.Since(start))
		}
		if !released && lease != nil {
			s.pool.Release(lease, pool.Discard)
		}
	}()

	var lastErr error
	var screenshot string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if j.CancelRequested() {
			return job.Failure(j, job.FailCancelled, "cancelled before attempt", time.Since(start))
		}

		actx, acancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		l, err := s.pool.Acquire(actx, j.Target, j.ID)
		acancel()
		if err != nil {
			switch {
			case errors.Is(err, driver.ErrUnknownTarget):
				return job.Failure(j, job.FailUnknownTarget, err.Error(), time.Since(start))
			case errors.Is(err, pool.ErrClosed):
				return job.Failure(j, job.FailResourceExhausted, "session pool closed", time.Since(start))
			default:
				return job.Failure(j, job.FailResourceExhausted, "no session available: "+err.Error(), time.Since(start))
			}
		}
		lease = l
		released = false

		if _, err := j.BeginAttempt(); err != nil {
			s.pool.Release(lease, pool.Recycle)
			released = true
			return job.Failure(j, job.FailCancelled, err.Error(), time.Since(start))
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		payload, err := s.invoke(runCtx, lease.Driver(), j)
		cancel()

		if err == nil {
			s.pool.Release(lease, pool.Reuse)
			released = true
			res := job.Success(j, time.Since(start))
			res.Balance = payload.balance
			res.Confirmation = payload.confirmation
			return res
		}

		lastErr = err
		if shot := driver.ScreenshotOf(err); shot != "" && j.Screenshot {
			screenshot = shot
		}
		kind := s.classify(j.Target, err)

		// Release outcome depends on what the failure says about the
		// session. A transient failure with retries left recycles so the
		// next lease re-probes; a transient failure on the last attempt
		// discards, since the session absorbed every failed attempt. A
		// recognized fatal means the panel rejected the operation while
		// the session itself stayed usable, so it recycles. Anything
		// outside the taxonomy leaves the session in an unknown state and
		// is discarded.
		switch {
		case kind == driver.Transient && attempt < maxAttempts:
			s.pool.Release(lease, pool.Recycle)
		case kind == driver.Transient:
			s.pool.Release(lease, pool.Discard)
		case recognizedFatal(err):
			s.pool.Release(lease, pool.Recycle)
		default:
			s.pool.Release(lease, pool.Discard)
		}
		released = true

		if kind == driver.Fatal {
			r := job.Failure(j, job.FailFatal, err.Error(), time.Since(start))
			r.Screenshot = screenshot
			return r
		}
		if attempt >= maxAttempts {
			break
		}
		if j.CancelRequested() {
			return job.Failure(j, job.FailCancelled, "cancelled at retry boundary", time.Since(start))
		}

		_ = j.SetState(job.Retrying)
		delay := backoffDelay(s.cfg, attempt, rng)
		s.log.Debug("job retry scheduled",
			logx.String("job", j.ID), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))
		s.publish(EventJobRetry, JobEvent{ID: j.ID, Identity: j.Identity, Target: j.Target, Op: j.Op, Attempt: attempt + 1, Error: err.Error()})

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return job.Failure(j, job.FailCancelled, "dispatcher shutting down", time.Since(start))
		case <-s.stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			return job.Failure(j, job.FailCancelled, "dispatcher stopped", time.Since(start))
		case <-tmr.C:
		}
	}

	r := job.Failure(j, job.FailTransient, lastErr.Error(), time.Since(start))
	r.Screenshot = screenshot
	return r
}

type opPayload struct {
	balance      *float64
	confirmation *driver.Confirmation
}

// invoke runs one operation on the driver, converting panics to errors
// so one bad driver cannot kill a worker. A panic stays untyped: it is
// outside the driver taxonomy, so the session gets discarded rather
// than recycled.
func (s *Service) invoke(ctx context.Context, drv driver.Driver, j *job.Job) (p opPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("driver panic",
				logx.String("job", j.ID), logx.String("target", j.Target),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()

	switch j.Op {
	case job.OpBalance:
		v, e := drv.Balance(ctx)
		if e != nil {
			return p, e
		}
		p.balance = &v
	case job.OpSignup:
		c, e := drv.Signup(ctx, j.Args["full_name"], j.Args["username"])
		if e != nil {
			return p, e
		}
		p.confirmation = &c
	case job.OpCredit, job.OpDebit:
		amt, e := strconv.ParseFloat(j.Args["amount"], 64)
		if e != nil || amt <= 0 {
			return p, driver.Fatalf("bad amount %q", j.Args["amount"])
		}
		var c driver.Confirmation
		if j.Op == job.OpCredit {
			c, e = drv.Credit(ctx, j.Args["username"], amt)
		} else {
			c, e = drv.Debit(ctx, j.Args["username"], amt)
		}
		if e != nil {
			return p, e
		}
		p.confirmation = &c
	default:
		return p, driver.Fatalf("unsupported operation %q", j.Op)
	}
	return p, nil
}

// recognizedFatal reports whether the driver itself classified the
// failure as fatal, as opposed to an untyped error treated as fatal by
// default.
func recognizedFatal(err error) bool {
	var de *driver.Error
	return errors.As(err, &de) && de.Kind == driver.Fatal
}

// classify folds the per-target substring overrides into the driver's
// own error taxonomy.
func (s *Service) classify(target string, err error) driver.ErrorKind {
	if driver.IsTransient(err) {
		return driver.Transient
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range s.cfg.TransientMatch[target] {
		if sub != "" && strings.Contains(msg, strings.ToLower(sub)) {
			return driver.Transient
		}
	}
	return driver.Fatal
}

// record finalizes state, the circuit breaker, the history ring, logs
// and bus events for a terminal result.
func (s *Service) record(t *ticket, res job.Result) {
	j := t.j
	switch {
	case res.OK:
		_ = j.SetState(job.Succeeded)
	case res.FailKind == job.FailCancelled:
		_ = j.SetState(job.Cancelled)
	default:
		_ = j.SetState(job.Failed)
	}

	// Only real target outcomes feed the breaker: rejections for a full
	// queue or an open circuit say nothing about the panel itself.
	now := time.Now()
	switch res.FailKind {
	case job.FailNone:
		s.circuitRecordResult(now, j.Target, false)
	case job.FailTransient, job.FailFatal:
		s.circuitRecordResult(now, j.Target, true)
	}

	item := HistoryItem{
		ID: j.ID, Identity: j.Identity, Target: j.Target, Op: j.Op,
		Started: t.at, Duration: res.Duration,
		Attempts: res.Attempts, OK: res.OK, Error: res.FailMessage,
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()

	ev := JobEvent{
		ID: j.ID, Identity: j.Identity, Target: j.Target, Op: j.Op,
		Attempt: res.Attempts, Duration: res.Duration,
		FailKind: string(res.FailKind), Error: res.FailMessage,
	}
	switch {
	case res.OK:
		s.log.Info("job succeeded",
			logx.String("job", j.ID), logx.String("op", j.Op),
			logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
		s.publish(EventJobSucceeded, ev)
	case res.FailKind == job.FailCancelled:
		s.log.Info("job cancelled", logx.String("job", j.ID), logx.String("op", j.Op))
		s.publish(EventJobCancelled, ev)
	default:
		s.log.Warn("job failed",
			logx.String("job", j.ID), logx.String("op", j.Op),
			logx.String("kind", string(res.FailKind)),
			logx.String("err", res.FailMessage), logx.Int("attempts", res.Attempts))
		s.publish(EventJobFailed, ev)
	}
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
