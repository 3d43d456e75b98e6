package executor

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive dispatch failures for a single agent.
//
// It implements a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// While open, dispatches to the agent fail fast. Nothing is retried.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key. Call with s.mu held.
func (s *circuitStore) getLocked(key string) *circuitState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	return st
}

// resetIfStaleLocked forgets failures that are older than resetAfter.
func (st *circuitState) resetIfStaleLocked(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && resetAfter > 0 && now.Sub(st.lastFailure) > resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, agentName string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st := s.circuits.getLocked(agentName)
	if st == nil {
		return false, time.Time{}
	}
	st.resetIfStaleLocked(now, cfg.CircuitResetAfter)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, agentName string, cfg Config, failed bool) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st := s.circuits.getLocked(agentName)
	if st == nil {
		return
	}
	st.resetIfStaleLocked(now, cfg.CircuitResetAfter)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}

	// Exponential cooldown after tripping.
	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			break
		}
	}
	if d > cfg.CircuitMaxDelay {
		d = cfg.CircuitMaxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if st != nil && !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
