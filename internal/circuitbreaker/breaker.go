// Package circuitbreaker stops calling a failing dependency for a while,
// tracked per key (one key per chain network or per tenant endpoint).
// Healthy keys hold no state, so keys may be high-cardinality.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit rejects calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is a circuit's position.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected
	StateHalfOpen              // one trial request in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aegis",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by breaker and target state.",
}, []string{"breaker", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	trialAt     time.Time
}

// Breaker opens a key's circuit after threshold consecutive failures and
// lets a single trial request through once openDuration has passed. A trial
// that never reports back is replaced after another openDuration.
type Breaker struct {
	mu           sync.Mutex
	name         string
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a breaker. name labels its metrics.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	now := b.now()
	switch e.state {
	case StateOpen:
		if now.Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, StateHalfOpen)
			e.trialAt = now
			return true
		}
		return false
	case StateHalfOpen:
		if now.Sub(e.trialAt) >= b.openDuration {
			e.trialAt = now
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and forgets the key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	b.transition(e, StateClosed)
	delete(b.entries, key)
}

// RecordFailure extends the failure streak and trips the circuit when it
// reaches the threshold or when a trial request fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, StateOpen)
	}
}

// Do runs fn when the circuit allows it and records the outcome.
// Errors for which countable returns false do not trip the circuit.
func (b *Breaker) Do(key string, countable func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Tracked returns how many keys currently hold state.
func (b *Breaker) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, to State) {
	if e.state == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(b.name, to.String()).Inc()
}
