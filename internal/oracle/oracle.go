// Package oracle drives demo and automated play: it holds the game's active
// flag and an optional auto-play loop that opens, closes and resolves
// markets on a timer chain.
//
// Every scheduled step carries the generation it was scheduled under.
// Stopping, restarting or resetting bumps the generation, so a timer from a
// replaced chain can never act even if it already fired.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Callbacks are the actions the oracle triggers. The composing layer wires
// them to the market lifecycle.
type Callbacks struct {
	OnOpenMarket  func(ctx context.Context) error
	OnCloseMarket func(ctx context.Context) error
	OnResolve     func(ctx context.Context, outcome string) error
}

// OutcomeSource picks the outcome of the next resolution.
type OutcomeSource interface {
	Next() string
}

// RandomOutcome picks uniformly among its outcomes.
type RandomOutcome struct {
	Outcomes []string
}

func (r RandomOutcome) Next() string {
	return r.Outcomes[rand.IntN(len(r.Outcomes))]
}

// Sequence repeats a fixed list of outcomes.
type Sequence struct {
	mu       sync.Mutex
	outcomes []string
	next     int
}

// NewSequence returns a source cycling through outcomes in order.
func NewSequence(outcomes ...string) *Sequence {
	return &Sequence{outcomes: append([]string(nil), outcomes...)}
}

func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outcomes[s.next%len(s.outcomes)]
	s.next++
	return o
}

// AutoPlay configures one auto-play chain.
type AutoPlay struct {
	OpenDelay    time.Duration
	CloseDelay   time.Duration
	ResolveDelay time.Duration
	Outcomes     OutcomeSource
}

var ErrNoOutcomes = errors.New("oracle: auto-play needs an outcome source")

type step int

const (
	stepOpen step = iota
	stepClose
	stepResolve
)

func (s step) String() string {
	switch s {
	case stepOpen:
		return "open"
	case stepClose:
		return "close"
	default:
		return "resolve"
	}
}

// Oracle is the game-cycle scheduler.
type Oracle struct {
	cb     Callbacks
	logger *slog.Logger

	mu      sync.Mutex
	active  bool
	gen     uint64
	running bool
	play    AutoPlay
	timer   *time.Timer
	ctx     context.Context
}

// New creates an idle Oracle.
func New(cb Callbacks, logger *slog.Logger) *Oracle {
	return &Oracle{
		cb:     cb,
		logger: logger.With(slog.String("component", "oracle")),
	}
}

// SetActive sets the game flag.
func (o *Oracle) SetActive(active bool) {
	o.mu.Lock()
	o.active = active
	o.mu.Unlock()
}

// Active reports the game flag.
func (o *Oracle) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Running reports whether an auto-play chain is scheduled.
func (o *Oracle) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// StartAutoPlay starts the open -> close -> resolve loop, first opening
// after OpenDelay. A running chain is replaced atomically. Callbacks run
// with ctx; cancelling it ends the chain.
func (o *Oracle) StartAutoPlay(ctx context.Context, p AutoPlay) error {
	if p.Outcomes == nil {
		return ErrNoOutcomes
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopLocked()
	o.running = true
	o.play = p
	o.ctx = ctx
	o.scheduleLocked(stepOpen, p.OpenDelay, o.gen)

	o.logger.Info("oracle: auto-play started",
		slog.Duration("open_delay", p.OpenDelay),
		slog.Duration("close_delay", p.CloseDelay),
		slog.Duration("resolve_delay", p.ResolveDelay),
		slog.Uint64("generation", o.gen),
	)
	return nil
}

// StopAutoPlay cancels the pending step and halts the chain.
func (o *Oracle) StopAutoPlay() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.logger.Info("oracle: auto-play stopped", slog.Uint64("generation", o.gen))
	}
	o.stopLocked()
}

// Reset stops auto-play and clears the active flag.
func (o *Oracle) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	o.active = false
}

func (o *Oracle) stopLocked() {
	o.gen++
	o.running = false
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Oracle) scheduleLocked(s step, delay time.Duration, gen uint64) {
	o.timer = time.AfterFunc(delay, func() { o.fire(s, gen) })
}

func (o *Oracle) fire(s step, gen uint64) {
	o.mu.Lock()
	if !o.running || o.gen != gen {
		o.mu.Unlock()
		return
	}
	ctx, play := o.ctx, o.play
	o.mu.Unlock()

	if ctx.Err() != nil {
		o.StopAutoPlay()
		return
	}

	var (
		err  error
		next step
		wait time.Duration
	)
	switch s {
	case stepOpen:
		err = call(ctx, o.cb.OnOpenMarket)
		next, wait = stepClose, play.CloseDelay
	case stepClose:
		err = call(ctx, o.cb.OnCloseMarket)
		next, wait = stepResolve, play.ResolveDelay
	case stepResolve:
		if o.cb.OnResolve != nil {
			err = o.cb.OnResolve(ctx, play.Outcomes.Next())
		}
		next, wait = stepOpen, play.OpenDelay
	}
	if err != nil {
		o.logger.Warn("oracle: step failed",
			slog.String("step", s.String()),
			slog.Uint64("generation", gen),
			slog.String("error", err.Error()),
		)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running && o.gen == gen {
		o.scheduleLocked(next, wait, gen)
	}
}

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
