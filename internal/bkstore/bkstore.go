// Public domain.

// Package bkstore resolves run ids to observations and their events.
//
// Resolvers are tried in order by a Chain; each failure is logged and
// resolution fails only when every candidate has been exhausted.
package bkstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// Run is a resolved run: its metadata and an accessor for its events.
type Run struct {
	bkbin.Observation
	Source string // resolver that found the run

	events func(ctx context.Context) ([]bkbin.Event, error)
}

// NewRun constructs a Run.
func NewRun(o bkbin.Observation, source string,
	events func(ctx context.Context) ([]bkbin.Event, error)) *Run {
	return &Run{Observation: o, Source: source, events: events}
}

// Events fetches the events of the run.
func (r *Run) Events(ctx context.Context) ([]bkbin.Event, error) {
	ev, err := r.events(ctx)
	if err != nil {
		return nil, bkerr.Run("events", r.RunID, bkerr.ErrUnavailable,
			fmt.Errorf("%s: %w", r.Source, err))
	}
	return ev, nil
}

// Resolver resolves run ids.  Implementations return an error wrapping
// bkerr.ErrUnavailable for unknown runs.
type Resolver interface {
	Resolve(ctx context.Context, run int) (*Run, error)
}

// Chain tries resolvers in order.
type Chain struct {
	rs  []Resolver
	log *slog.Logger
}

// NewChain constructs a Chain.  A nil logger means slog.Default().
func NewChain(log *slog.Logger, rs ...Resolver) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{rs: rs, log: log}
}

// Resolve returns the run from the first resolver that has it.
func (c *Chain) Resolve(ctx context.Context, run int) (*Run, error) {
	var errs []error
	for i, r := range c.rs {
		res, err := r.Resolve(ctx, run)
		if err == nil {
			if i > 0 {
				c.log.Info("run resolved by fallback", "run", run, "source", res.Source)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("run not resolved by candidate", "run", run,
			"candidate", name(r), "err", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no resolvers configured"))
	}
	return nil, bkerr.Run("resolve", run, bkerr.ErrUnavailable, errors.Join(errs...))
}

func (c *Chain) String() string {
	s := make([]string, len(c.rs))
	for i, r := range c.rs {
		s[i] = name(r)
	}
	return "chain(" + strings.Join(s, ", ") + ")"
}

func name(r Resolver) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}

func unavailable(op string, run int, format string, a ...interface{}) error {
	return bkerr.Run(op, run, bkerr.ErrUnavailable, fmt.Errorf(format, a...))
}

// Memory is an in-memory store, mostly useful for tests.
type Memory struct {
	order []int
	runs  map[int]memRun
}

type memRun struct {
	obs    bkbin.Observation
	events []bkbin.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[int]memRun)}
}

// Add stores a run, replacing any run with the same id.
func (m *Memory) Add(o bkbin.Observation, events []bkbin.Event) {
	if _, ok := m.runs[o.RunID]; !ok {
		m.order = append(m.order, o.RunID)
	}
	m.runs[o.RunID] = memRun{o, events}
}

// Observations returns stored observations in insertion order.
func (m *Memory) Observations() []bkbin.Observation {
	obs := make([]bkbin.Observation, len(m.order))
	for i, id := range m.order {
		obs[i] = m.runs[id].obs
	}
	return obs
}

// Resolve implements Resolver.
func (m *Memory) Resolve(_ context.Context, run int) (*Run, error) {
	r, ok := m.runs[run]
	if !ok {
		return nil, unavailable("resolve", run, "not in memory store")
	}
	return NewRun(r.obs, m.String(), func(context.Context) ([]bkbin.Event, error) {
		return r.events, nil
	}), nil
}

func (m *Memory) String() string { return "memory" }
