package dispatch

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive job failures for a single target type.
//
// Consecutive-failure breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// A panel that is down takes every session with it, so tripping per
// target (not per identity) stops the pool from burning sessions on a
// dead panel.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) get(key string) *circuitState {
	if s == nil {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	s.mu.Unlock()
	return st
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	trip := cfg.CircuitTripFailures
	if trip < 0 {
		return circuitCfg{enabled: false}
	}
	if trip == 0 {
		trip = 5
	}

	base := cfg.CircuitBaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := cfg.CircuitMaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := cfg.CircuitResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}

	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

func (s *Service) circuitIsOpen(now time.Time, target string) (bool, time.Time) {
	cc := effectiveCircuitCfg(s.cfg)
	if !cc.enabled {
		return false, time.Time{}
	}
	st := s.circuits.get(target)
	if st == nil {
		return false, time.Time{}
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	// Opportunistic reset if last failure was long ago.
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, target string, failed bool) {
	cc := effectiveCircuitCfg(s.cfg)
	if !cc.enabled {
		return
	}
	st := s.circuits.get(target)
	if st == nil {
		return
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now

	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - cc.trip
	d := cc.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	if s.circuits.m == nil {
		return 0, 0
	}
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if st == nil {
			continue
		}
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
