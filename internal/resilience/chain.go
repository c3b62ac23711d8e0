package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrAllFailed is returned when no backend in a [Chain] produced a result.
// The error also wraps every backend's individual failure.
var ErrAllFailed = errors.New("all providers failed")

// Member is one backend of a [Chain].
type Member[T any] struct {
	Name     string
	Provider T
}

// ChainConfig configures a [Chain].
type ChainConfig struct {
	// Breaker tunes the breaker created for each member.
	Breaker Settings

	// OnFailover is called when a member fails and the chain moves on.
	OnFailover func(kind, failed string, err error)
}

type link[T any] struct {
	Member[T]
	breaker *Breaker
}

// Chain tries its members in order until one succeeds. Members whose
// breaker is open are skipped without being called.
type Chain[T any] struct {
	kind  string
	links []link[T]
	cfg   ChainConfig
}

// NewChain builds a chain for backends of the given kind ("llm", "stt",
// "tts"). The first member is the primary. It panics without members.
func NewChain[T any](kind string, cfg ChainConfig, members ...Member[T]) *Chain[T] {
	if len(members) == 0 {
		panic("resilience: chain " + kind + " has no members")
	}
	c := &Chain[T]{kind: kind, cfg: cfg}
	for _, m := range members {
		c.links = append(c.links, link[T]{
			Member:  m,
			breaker: NewBreaker(kind+"/"+m.Name, cfg.Breaker),
		})
	}
	return c
}

// Kind returns the backend kind the chain was built for.
func (c *Chain[T]) Kind() string { return c.kind }

// Names returns the member names in trial order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.Name
	}
	return names
}

// Primary returns the first member's provider.
func (c *Chain[T]) Primary() T { return c.links[0].Provider }

// Breaker returns the breaker guarding the named member, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, l := range c.links {
		if l.Name == name {
			return l.breaker
		}
	}
	return nil
}

// Call runs fn against each member of c in turn and returns the first
// success. Cancellation of ctx ends the chain with ctx's error. When every
// member fails the result wraps [ErrAllFailed] and each member's error.
//
// When ctx has a deadline, each attempt gets an equal share of the time left
// among the members still worth trying, so a hung primary cannot use up the
// whole deadline. An attempt that runs out of its share counts as a failure.
func Call[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs = &multierror.Error{ErrorFormat: inlineErrors}
	)
	for i := range c.links {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		l := &c.links[i]
		actx, cancel := c.attemptContext(ctx, i)
		var out R
		err := l.breaker.Do(func() error {
			var err error
			out, err = fn(actx, l.Provider)
			return err
		})
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", l.Name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend with open breaker", "kind", c.kind, "backend", l.Name)
			continue
		}
		if i+1 < len(c.links) {
			slog.Warn("backend failed, trying next", "kind", c.kind, "backend", l.Name, "next", c.links[i+1].Name, "err", err)
		}
		if c.cfg.OnFailover != nil {
			c.cfg.OnFailover(c.kind, l.Name, err)
		}
	}
	return zero, fmt.Errorf("%s: %w: %w", c.kind, ErrAllFailed, errs)
}

// attemptContext bounds the attempt of member i to its share of ctx's
// remaining time. Members behind an open breaker are not counted.
func (c *Chain[T]) attemptContext(ctx context.Context, i int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	candidates := 1
	for _, l := range c.links[i+1:] {
		if l.breaker.State() != StateOpen {
			candidates++
		}
	}
	if candidates == 1 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Until(deadline)/time.Duration(candidates))
}

func inlineErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
