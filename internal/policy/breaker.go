// Package policy implements per-request admission control for
// federation invocations: circuit breaking, rate limiting,
// data-classification content filtering, and exposure authorization.
package policy

import (
	"sync"
	"time"
)

const (
	// breakerWindow is the sliding window over which outcomes count
	// toward the error-rate trip condition.
	breakerWindow = 5 * time.Minute

	// breakerMinRequests is the minimum window traffic before the
	// error-rate condition can trip.
	breakerMinRequests = 10

	// breakerErrorRate trips the breaker when reached.
	breakerErrorRate = 0.5

	// violationWindow is the rolling window for rate-limit violations.
	violationWindow = time.Hour

	// violationThreshold denies with a throttling reason when reached,
	// protecting against retry storms before the error-rate condition
	// ever trips.
	violationThreshold = 3
)

// BreakerSnapshot is the per-agreement breaker state at evaluation time.
type BreakerSnapshot struct {
	Requests   int
	Failures   int
	ErrorRate  float64
	Violations int
	Open       bool
	Throttled  bool
}

type breakerEntry struct {
	at      time.Time
	success bool
}

type breakerState struct {
	outcomes   []breakerEntry
	violations []time.Time
}

// BreakerSet tracks invocation outcomes and rate-limit violations per
// agreement. Shared mutable state accessed concurrently by all in-flight
// invocations; counters are advisory and in-process (a multi-instance
// deployment needs these centralized to stay correct across processes).
type BreakerSet struct {
	mu     sync.Mutex
	states map[string]*breakerState
	now    func() time.Time
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{
		states: make(map[string]*breakerState),
		now:    time.Now,
	}
}

// RecordOutcome records one invocation result against an agreement.
func (b *BreakerSet) RecordOutcome(agreementID string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(agreementID)
	st.outcomes = append(st.outcomes, breakerEntry{at: b.now(), success: success})
	b.prune(st)
}

// RecordRateLimitExceeded records a rate-limit violation against an
// agreement. Repeated violations escalate to a hard throttling deny.
func (b *BreakerSet) RecordRateLimitExceeded(agreementID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(agreementID)
	st.violations = append(st.violations, b.now())
	b.prune(st)
}

// Snapshot evaluates the breaker for an agreement without side effects.
// Read-only: an ID with no recorded outcomes never allocates tracking
// state, so unauthenticated garbage IDs cannot grow the set.
func (b *BreakerSet) Snapshot(agreementID string) BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[agreementID]
	if !ok {
		return BreakerSnapshot{}
	}
	b.prune(st)
	if len(st.outcomes) == 0 && len(st.violations) == 0 {
		delete(b.states, agreementID)
		return BreakerSnapshot{}
	}

	snap := BreakerSnapshot{
		Requests:   len(st.outcomes),
		Violations: len(st.violations),
	}
	for _, o := range st.outcomes {
		if !o.success {
			snap.Failures++
		}
	}
	if snap.Requests > 0 {
		snap.ErrorRate = float64(snap.Failures) / float64(snap.Requests)
	}
	snap.Open = snap.Requests >= breakerMinRequests && snap.ErrorRate >= breakerErrorRate
	snap.Throttled = snap.Violations >= violationThreshold
	return snap
}

// Reset clears all state for an agreement so a resumed agreement starts
// from a clean window.
func (b *BreakerSet) Reset(agreementID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, agreementID)
}

func (b *BreakerSet) state(agreementID string) *breakerState {
	st, ok := b.states[agreementID]
	if !ok {
		st = &breakerState{}
		b.states[agreementID] = st
	}
	return st
}

// prune drops entries that fell out of their windows. Caller holds mu.
func (b *BreakerSet) prune(st *breakerState) {
	now := b.now()

	cutoff := now.Add(-breakerWindow)
	kept := st.outcomes[:0]
	for _, o := range st.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	st.outcomes = kept

	vCutoff := now.Add(-violationWindow)
	vKept := st.violations[:0]
	for _, v := range st.violations {
		if v.After(vCutoff) {
			vKept = append(vKept, v)
		}
	}
	st.violations = vKept
}
