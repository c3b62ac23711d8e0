// Package resilience keeps a conversation going when a speech, language or
// synthesis backend misbehaves.
//
// A [Breaker] stops calling a backend after repeated failures and probes it
// again after a cooldown. A [Chain] orders several backends of one kind, each
// behind its own breaker, and moves on to the next when one fails. [LLM],
// [STT] and [TTS] expose a chain through the provider interfaces so the turn
// controller never knows it is talking to more than one backend.
//
// A cancelled caller context is never held against a backend: breakers
// ignore it and chains stop immediately.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker defaults.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
	DefaultProbes    = 1
)

// State is a [Breaker]'s operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed.
	StateOpen
	// StateHalfOpen admits one probe at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings tunes a [Breaker]. Zero fields take the package defaults.
type Settings struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of consecutive successful probes that close a
	// half-open breaker.
	Probes int

	// OnTransition is called after every state change, outside the lock.
	OnTransition func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultCooldown
	}
	if s.Probes <= 0 {
		s.Probes = DefaultProbes
	}
	return s
}

type transition struct {
	from, to State
}

// Breaker guards one backend.
//
// Every state change starts a new generation. A call that finishes after the
// generation it started in has ended does not count, so a slow request
// issued before the breaker opened cannot close it again.
type Breaker struct {
	name string
	s    Settings
	now  func() time.Time

	mu        sync.Mutex
	state     State
	gen       uint64
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// NewBreaker returns a closed breaker labelled name.
func NewBreaker(name string, s Settings) *Breaker {
	return &Breaker{name: name, s: s.withDefaults(), now: time.Now}
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// Do calls fn unless the breaker rejects it with [ErrCircuitOpen]. fn's
// error is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	gen, probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(gen, probe, err)
	return err
}

func (b *Breaker) admit() (gen uint64, probe bool, err error) {
	b.mu.Lock()
	var tr []transition
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.s.Cooldown {
			b.mu.Unlock()
			return 0, false, ErrCircuitOpen
		}
		tr = append(tr, b.moveTo(StateHalfOpen))
	}
	if b.state == StateHalfOpen {
		if b.probing {
			b.mu.Unlock()
			b.notify(tr)
			return 0, false, ErrCircuitOpen
		}
		b.probing = true
		probe = true
	}
	gen = b.gen
	b.mu.Unlock()
	b.notify(tr)
	return gen, probe, nil
}

func (b *Breaker) settle(gen uint64, probe bool, err error) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	if probe {
		b.probing = false
	}
	var tr []transition
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.s.Threshold {
			tr = append(tr, b.moveTo(StateOpen))
		}
	case b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.s.Probes {
			tr = append(tr, b.moveTo(StateClosed))
		}
	default:
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(tr)
}

// moveTo must be called with b.mu held.
func (b *Breaker) moveTo(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	b.gen++
	b.failures = 0
	b.successes = 0
	b.probing = false
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return t
}

func (b *Breaker) notify(tr []transition) {
	for _, t := range tr {
		if t.to == StateOpen {
			slog.Warn("circuit breaker opened", "backend", b.name, "from", t.from.String(), "cooldown", b.s.Cooldown)
		} else {
			slog.Info("circuit breaker state changed", "backend", b.name, "from", t.from.String(), "to", t.to.String())
		}
		if b.s.OnTransition != nil {
			b.s.OnTransition(b.name, t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen] although the switch happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.s.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr []transition
	if b.state != StateClosed {
		tr = append(tr, b.moveTo(StateClosed))
	} else {
		b.gen++
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(tr)
}
