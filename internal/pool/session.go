package pool

import (
	"sync/atomic"
	"time"

	"agentdesk/internal/driver"
)

// Health is the pool's view of a session's fitness for reuse.
type Health int32

const (
	Healthy Health = iota
	// Degraded sessions stay in the pool but must pass a health probe
	// before the next lease.
	Degraded
	// Dead sessions are torn down and never handed out again.
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Outcome tells the pool what to do with a session when a lease ends.
type Outcome int

const (
	// Reuse returns the session straight to the idle set.
	Reuse Outcome = iota
	// Recycle keeps the slot but forces a health probe before the next
	// lease.
	Recycle
	// Discard tears the session down and frees the slot.
	Discard
)

func (o Outcome) String() string {
	switch o {
	case Reuse:
		return "reuse"
	case Recycle:
		return "recycle"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Session is a pool-owned handle to a live driver instance. It is
// leased (not owned) to one job at a time; leasedBy is guarded by the
// owning bucket's lock, health is atomic so probes can flip it without
// the lock.
type Session struct {
	target string
	drv    driver.Driver

	health   atomic.Int32
	lastUsed time.Time // bucket lock
	leasedBy string    // job id holding the lease, "" when idle; bucket lock
}

func (s *Session) Target() string        { return s.target }
func (s *Session) Driver() driver.Driver { return s.drv }

func (s *Session) Health() Health     { return Health(s.health.Load()) }
func (s *Session) setHealth(h Health) { s.health.Store(int32(h)) }
