// Package circuitbreaker stops calling a dependency that keeps failing.
// Circuits are keyed (one per oracle relayer URL) and trip independently.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrOpen is returned by Do without calling fn while a circuit rejects calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infravault",
		Subsystem: "circuitbreaker",
		Name:      "transitions_total",
		Help:      "Circuit state changes by key and target state.",
	}, []string{"key", "to"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "infravault",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge)
}

// Config tunes a Breaker. Zero fields take defaults.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// Cooldown is how long an open circuit rejects calls before a trial call.
	Cooldown time.Duration
	// TrialTimeout abandons a half-open trial call that never reported back,
	// letting another caller try.
	TrialTimeout time.Duration
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.TrialTimeout <= 0 {
		c.TrialTimeout = 2 * c.Cooldown
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Transition describes a state change of one circuit.
type Transition struct {
	Key      string
	From, To State
}

// Snapshot is a point-in-time view of a circuit.
type Snapshot struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	Trips    int       `json:"trips"`
	RetryAt  time.Time `json:"retryAt,omitempty"`
}

type circuit struct {
	state    State
	failures int
	trips    int
	openedAt time.Time
	trialAt  time.Time
}

// Breaker holds the circuits. The zero value is not usable; call New.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	circuits map[string]*circuit
	notify   []func(Transition)
}

// New returns a Breaker with every circuit closed.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), circuits: make(map[string]*circuit)}
}

// Notify registers fn to be called after each state change. Callbacks run
// on the goroutine that caused the change, outside the breaker's lock.
func (b *Breaker) Notify(fn func(Transition)) {
	b.mu.Lock()
	b.notify = append(b.notify, fn)
	b.mu.Unlock()
}

// Do calls fn unless the circuit for key is open. An error from fn counts
// against the circuit when failed reports true for it; a nil failed counts
// every error. The error from fn is returned unchanged.
func (b *Breaker) Do(key string, failed func(error) bool, fn func() error) error {
	if err := b.acquire(key); err != nil {
		return err
	}
	err := fn()
	b.report(key, err != nil && (failed == nil || failed(err)))
	return err
}

// State returns the state of the circuit for key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshots lists every circuit that has seen a failure, sorted by key.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.circuits))
	for key, c := range b.circuits {
		s := Snapshot{Key: key, State: c.state, Failures: c.failures, Trips: c.trips}
		if c.state == StateOpen {
			s.RetryAt = c.openedAt.Add(b.cfg.Cooldown)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (b *Breaker) acquire(key string) error {
	var changes []Transition
	defer func() { b.fire(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return nil
	}
	now := b.cfg.Now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		changes = append(changes, b.move(key, c, StateHalfOpen))
		c.trialAt = now
	case StateHalfOpen:
		// One trial call at a time, unless the last one went missing.
		if now.Sub(c.trialAt) < b.cfg.TrialTimeout {
			return ErrOpen
		}
		c.trialAt = now
	}
	return nil
}

func (b *Breaker) report(key string, failed bool) {
	var changes []Transition
	defer func() { b.fire(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !failed {
		if ok {
			if c.state != StateClosed {
				changes = append(changes, b.move(key, c, StateClosed))
			}
			c.failures = 0
		}
		return
	}

	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.cfg.Threshold) {
		changes = append(changes, b.move(key, c, StateOpen))
		c.openedAt = b.cfg.Now()
		c.trips++
	}
}

// move changes state and records metrics. Caller holds b.mu.
func (b *Breaker) move(key string, c *circuit, to State) Transition {
	t := Transition{Key: key, From: c.state, To: to}
	c.state = to
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	return t
}

func (b *Breaker) fire(changes []Transition) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	fns := append([]func(Transition){}, b.notify...)
	b.mu.Unlock()
	for _, t := range changes {
		for _, fn := range fns {
			fn(t)
		}
	}
}
