// Package pool owns the bounded set of live driver sessions. Sessions
// are expensive (a headless browser plus an authenticated panel login),
// so the pool leases them out one job at a time, probes health before
// every reuse, and enforces both a per-target cap and a global cap.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"agentdesk/internal/driver"
	"agentdesk/internal/eventbus"
	"agentdesk/pkg/logx"
)

var (
	// ErrAcquireTimeout means no session became available within the
	// caller's acquire window.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("pool: closed")
)

// Event types published on the bus.
const (
	EventSessionBuilt = "pool.session_built"
	EventSessionDead  = "pool.session_dead"
	EventSessionGone  = "pool.session_discarded"
)

// Config bounds the pool.
type Config struct {
	// GlobalMax caps live sessions across all target types.
	GlobalMax int
	// DefaultPerTarget caps sessions per target type unless PerTarget
	// overrides it.
	DefaultPerTarget int
	PerTarget        map[string]int

	// AcquireTimeout bounds Acquire when the caller's context carries no
	// deadline of its own.
	AcquireTimeout time.Duration
	// ProbeTimeout bounds the pre-reuse health probe.
	ProbeTimeout time.Duration
	// ReleaseTimeout bounds driver teardown.
	ReleaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalMax <= 0 {
		c.GlobalMax = 8
	}
	if c.DefaultPerTarget <= 0 {
		c.DefaultPerTarget = 2
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 10 * time.Second
	}
	return c
}

func (c Config) capFor(target string) int {
	if n, ok := c.PerTarget[target]; ok && n > 0 {
		return n
	}
	return c.DefaultPerTarget
}

// waiter is a parked Acquire call. It receives either a leased session
// (handed off directly by the releaser) or nil, which means "capacity
// freed, try again".
type waiter struct {
	ch    chan *Session
	jobID string
}

type bucket struct {
	target string
	cap    int

	mu      sync.Mutex
	total   int // built or being built
	idle    []*Session
	all     map[*Session]struct{}
	waiters []*waiter
}

// Pool manages driver sessions grouped by target type.
type Pool struct {
	cfg Config
	reg *driver.Registry
	log logx.Logger
	bus eventbus.Bus

	// global holds one token per live session.
	global chan struct{}

	closed atomic.Bool

	mu      sync.Mutex // guards buckets map
	buckets map[string]*bucket

	teardowns sync.WaitGroup
}

func New(cfg Config, reg *driver.Registry, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		bus:     bus,
		global:  make(chan struct{}, cfg.GlobalMax),
		buckets: make(map[string]*bucket),
	}
}

func (p *Pool) bucket(target string) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buckets[target]
	if b == nil {
		b = &bucket{
			target: target,
			cap:    p.cfg.capFor(target),
			all:    make(map[*Session]struct{}),
		}
		p.buckets[target] = b
	}
	return b
}

// Acquire leases a session for jobID. It prefers an idle session
// (probed first), builds a fresh one when under both caps, and
// otherwise queues FIFO behind earlier callers until the deadline.
func (p *Pool) Acquire(ctx context.Context, target, jobID string) (*Session, error) {
	if !p.reg.Known(target) {
		return nil, driver.ErrUnknownTarget
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	b := p.bucket(target)
	for {
		if p.closed.Load() {
			return nil, ErrClosed
		}

		b.mu.Lock()
		if s := b.popIdleLocked(); s != nil {
			s.leasedBy = jobID
			b.mu.Unlock()
			if p.checkout(s, b) {
				return s, nil
			}
			continue
		}
		if b.total < b.cap {
			b.total++ // reserve the slot before the slow build
			b.mu.Unlock()
			s, err := p.build(ctx, b, jobID)
			if err != nil {
				b.mu.Lock()
				b.total--
				b.wakeOneLocked()
				b.mu.Unlock()
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return nil, ErrAcquireTimeout
				}
				return nil, err
			}
			return s, nil
		}

		w := &waiter{ch: make(chan *Session, 1), jobID: jobID}
		b.waiters = append(b.waiters, w)
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.mu.Lock()
			removed := b.removeWaiterLocked(w)
			b.mu.Unlock()
			if !removed {
				// A releaser already popped this waiter and is committed
				// to a send, though it may not have happened yet. Block
				// for the handoff so the session is not stranded in the
				// channel with its lease set.
				if s := <-w.ch; s != nil {
					p.Release(s, Reuse)
				}
			}
			return nil, ErrAcquireTimeout
		case s := <-w.ch:
			if s == nil {
				continue // capacity freed, retry the fast paths
			}
			if p.checkout(s, b) {
				return s, nil
			}
			continue
		}
	}
}

// checkout probes a reused session before handing it out. A failed
// probe marks the session dead, frees its slot and reports false so the
// caller loops around and acquires a replacement; the waiting job never
// sees the broken session.
func (p *Pool) checkout(s *Session, b *bucket) bool {
	pctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	_, err := s.drv.Balance(pctx)
	cancel()
	if err == nil {
		s.setHealth(Healthy)
		return true
	}

	s.setHealth(Dead)
	p.log.Warn("session failed health probe",
		logx.String("target", b.target),
		logx.Err(err),
	)
	p.publish(EventSessionDead, b.target)

	b.mu.Lock()
	s.leasedBy = ""
	b.total--
	delete(b.all, s)
	b.wakeOneLocked()
	b.mu.Unlock()

	p.teardown(s)
	return false
}

// build constructs a fresh session. The caller has already reserved a
// bucket slot; build claims a global token, then runs the driver
// constructor (browser spawn plus panel login) bounded by ctx.
func (p *Pool) build(ctx context.Context, b *bucket, jobID string) (*Session, error) {
	select {
	case p.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	drv, err := p.reg.Create(ctx, b.target)
	if err != nil {
		<-p.global
		return nil, err
	}

	s := &Session{target: b.target, drv: drv, lastUsed: time.Now(), leasedBy: jobID}
	s.setHealth(Healthy)

	b.mu.Lock()
	b.all[s] = struct{}{}
	b.mu.Unlock()

	p.log.Info("session built", logx.String("target", b.target), logx.String("job", jobID))
	p.publish(EventSessionBuilt, b.target)
	return s, nil
}

// Release ends a lease. Releasing an already-released session is a
// logged no-op, so the dispatcher's defensive cleanup path cannot
// double-free.
func (p *Pool) Release(s *Session, outcome Outcome) {
	if s == nil {
		return
	}
	b := p.bucket(s.target)

	b.mu.Lock()
	if s.leasedBy == "" {
		b.mu.Unlock()
		p.log.Warn("release of unleased session ignored", logx.String("target", s.target))
		return
	}
	s.leasedBy = ""
	s.lastUsed = time.Now()

	if outcome == Discard || s.Health() == Dead {
		s.setHealth(Dead)
		b.total--
		delete(b.all, s)
		b.wakeOneLocked()
		b.mu.Unlock()
		p.publish(EventSessionGone, s.target)
		p.teardown(s)
		return
	}

	if outcome == Recycle {
		s.setHealth(Degraded)
	} else {
		s.setHealth(Healthy)
	}

	// Direct handoff to the oldest waiter keeps acquisition FIFO.
	if w := b.popWaiterLocked(); w != nil {
		s.leasedBy = w.jobID
		b.mu.Unlock()
		w.ch <- s
		return
	}
	b.idle = append(b.idle, s)
	b.mu.Unlock()
}

// teardown releases the driver asynchronously and returns the global
// token once it is done. Shutdown waits for all teardowns.
func (p *Pool) teardown(s *Session) {
	p.teardowns.Add(1)
	go func() {
		defer p.teardowns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReleaseTimeout)
		defer cancel()
		if err := s.drv.Release(ctx); err != nil {
			p.log.Warn("session teardown failed", logx.String("target", s.target), logx.Err(err))
		}
		<-p.global
	}()
}

func (p *Pool) publish(typ, target string) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: map[string]any{"target": target}})
	}
}

// Stats is a point-in-time snapshot of one target bucket.
type Stats struct {
	Target  string
	Cap     int
	Total   int
	Idle    int
	Waiters int
}

// Snapshot returns per-target stats, for /status and metrics scrapes.
func (p *Pool) Snapshot() []Stats {
	p.mu.Lock()
	bs := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		bs = append(bs, b)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(bs))
	for _, b := range bs {
		b.mu.Lock()
		out = append(out, Stats{
			Target:  b.target,
			Cap:     b.cap,
			Total:   b.total,
			Idle:    len(b.idle),
			Waiters: len(b.waiters),
		})
		b.mu.Unlock()
	}
	return out
}

// Shutdown drains the pool: new acquires fail with ErrClosed, parked
// waiters are woken to observe the closed flag, idle sessions are torn
// down immediately, and leased sessions get until ctx expires to come
// back before being torn down underneath their holder.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	bs := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		bs = append(bs, b)
	}
	p.mu.Unlock()

	for _, b := range bs {
		b.mu.Lock()
		ws := b.waiters
		b.waiters = nil
		b.mu.Unlock()
		for _, w := range ws {
			w.ch <- nil
		}
	}

	// Reap idle sessions as leases come back, until everything is gone
	// or the grace period runs out.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if p.reapIdle(bs) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			p.forceTeardown(bs)
			p.teardowns.Wait()
			return ctx.Err()
		case <-tick.C:
		}
	}

	p.teardowns.Wait()
	return nil
}

// reapIdle tears down idle sessions and returns how many sessions
// remain alive (idle or leased) across the given buckets.
func (p *Pool) reapIdle(bs []*bucket) int {
	remaining := 0
	for _, b := range bs {
		b.mu.Lock()
		idle := b.idle
		b.idle = nil
		for _, s := range idle {
			s.setHealth(Dead)
			b.total--
			delete(b.all, s)
		}
		remaining += b.total
		b.mu.Unlock()
		for _, s := range idle {
			p.teardown(s)
		}
	}
	return remaining
}

// forceTeardown destroys every remaining session, leased or not. Only
// reached when the shutdown grace period expired.
func (p *Pool) forceTeardown(bs []*bucket) {
	for _, b := range bs {
		b.mu.Lock()
		var rest []*Session
		for s := range b.all {
			rest = append(rest, s)
			delete(b.all, s)
		}
		b.total = 0
		b.idle = nil
		b.mu.Unlock()
		for _, s := range rest {
			s.setHealth(Dead)
			p.log.Warn("session torn down while leased", logx.String("target", s.target))
			p.teardown(s)
		}
	}
}

func (b *bucket) popIdleLocked() *Session {
	for len(b.idle) > 0 {
		n := len(b.idle) - 1
		s := b.idle[n]
		b.idle = b.idle[:n]
		if s.Health() != Dead {
			return s
		}
	}
	return nil
}

func (b *bucket) popWaiterLocked() *waiter {
	if len(b.waiters) == 0 {
		return nil
	}
	w := b.waiters[0]
	b.waiters = b.waiters[1:]
	return w
}

// wakeOneLocked signals the oldest waiter that capacity freed up.
func (b *bucket) wakeOneLocked() {
	if w := b.popWaiterLocked(); w != nil {
		w.ch <- nil
	}
}

func (b *bucket) removeWaiterLocked(w *waiter) bool {
	for i, x := range b.waiters {
		if x == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}
