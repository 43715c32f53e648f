// Package scheduler serializes agent turns per session key. One turn runs
// at a time for a given key; different keys run concurrently. This is the
// runtime's primary concurrency discipline.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/finchlabs/finch/internal/diag"
)

const (
	// DefaultDepth bounds the per-key queue; overflow submits fail fast.
	DefaultDepth = 32
	// DefaultStuckAfter is the wall clock after which a running turn is
	// reported as stuck (it is not killed; the deadline does that).
	DefaultStuckAfter = 10 * time.Minute
	// DefaultTurnDeadline caps one turn end to end.
	DefaultTurnDeadline = 10 * time.Minute
	// cancelGrace is how long a cancelled session rejects new submits.
	cancelGrace = 2 * time.Second
)

var (
	ErrQueueFull = errors.New("session queue full")
	ErrDraining  = errors.New("session is draining")
	ErrStopped   = errors.New("scheduler stopped")
)

// Outcome reports a finished turn back to the submitter.
type Outcome struct {
	Err error
}

// TurnFunc runs one turn. The context carries the turn deadline and is
// cancelled by Cancel or scheduler shutdown.
type TurnFunc func(ctx context.Context) error

type job struct {
	run      TurnFunc
	outcome  chan Outcome
	submitTs time.Time
}

type lane struct {
	queue      chan job
	mu         sync.Mutex
	cancelTurn context.CancelFunc // non-nil while a turn runs
	drainUntil time.Time
	processing bool
}

// Scheduler owns the per-key lanes.
type Scheduler struct {
	mu           sync.Mutex
	lanes        map[string]*lane
	depth        int
	stuckAfter   time.Duration
	turnDeadline time.Duration
	bus          *diag.Bus
	baseCtx      context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopped      bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.depth = n
		}
	}
}

func WithStuckAfter(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

func WithTurnDeadline(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.turnDeadline = d
		}
	}
}

func New(bus *diag.Bus, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		lanes:        make(map[string]*lane),
		depth:        DefaultDepth,
		stuckAfter:   DefaultStuckAfter,
		turnDeadline: DefaultTurnDeadline,
		bus:          bus,
		baseCtx:      ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enqueues a turn for a session key. Non-blocking: a full lane
// returns ErrQueueFull and emits message.queued{skipped, queue_full}.
// The returned channel receives exactly one Outcome.
func (s *Scheduler) Submit(sessionKey string, run TurnFunc) (<-chan Outcome, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	ln, ok := s.lanes[sessionKey]
	if !ok {
		ln = &lane{queue: make(chan job, s.depth)}
		s.lanes[sessionKey] = ln
		s.wg.Add(1)
		go s.runLane(sessionKey, ln)
	}
	s.mu.Unlock()

	ln.mu.Lock()
	draining := time.Now().Before(ln.drainUntil)
	ln.mu.Unlock()
	if draining {
		return nil, ErrDraining
	}

	j := job{run: run, outcome: make(chan Outcome, 1), submitTs: time.Now()}
	select {
	case ln.queue <- j:
		s.bus.Emit(diag.Input{
			Type:       diag.EventLaneEnqueue,
			SessionKey: sessionKey,
			Fields:     map[string]any{"depth": len(ln.queue)},
		})
		return j.outcome, nil
	default:
		s.bus.Emit(diag.Input{
			Type:       diag.EventMessageQueued,
			SessionKey: sessionKey,
			Fields:     map[string]any{"outcome": diag.OutcomeSkipped, "reason": "queue_full"},
		})
		return nil, ErrQueueFull
	}
}

func (s *Scheduler) runLane(sessionKey string, ln *lane) {
	defer s.wg.Done()
	for {
		select {
		case j := <-ln.queue:
			s.bus.Emit(diag.Input{Type: diag.EventLaneDequeue, SessionKey: sessionKey})
			s.runTurn(sessionKey, ln, j)
		case <-s.baseCtx.Done():
			// Fail any jobs still queued so submitters do not hang.
			for {
				select {
				case j := <-ln.queue:
					j.outcome <- Outcome{Err: ErrStopped}
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) runTurn(sessionKey string, ln *lane, j job) {
	turnCtx, cancelTurn := context.WithTimeout(s.baseCtx, s.turnDeadline)
	defer cancelTurn()

	ln.mu.Lock()
	ln.cancelTurn = cancelTurn
	ln.processing = true
	ln.mu.Unlock()

	s.emitState(sessionKey, "idle", "processing")

	stuck := time.AfterFunc(s.stuckAfter, func() {
		s.bus.Emit(diag.Input{
			Type:       diag.EventSessionStuck,
			SessionKey: sessionKey,
			Message:    fmt.Sprintf("turn running longer than %s", s.stuckAfter),
			IsError:    true,
		})
		slog.Warn("scheduler: session stuck", "session", sessionKey, "after", s.stuckAfter)
	})

	err := s.safeRun(sessionKey, turnCtx, j.run)

	stuck.Stop()

	ln.mu.Lock()
	ln.cancelTurn = nil
	ln.processing = false
	ln.mu.Unlock()

	s.emitState(sessionKey, "processing", "idle")
	j.outcome <- Outcome{Err: err}
}

// safeRun isolates turn panics: the lane keeps draining after a panic.
func (s *Scheduler) safeRun(sessionKey string, ctx context.Context, run TurnFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panic: %v", r)
			slog.Error("scheduler: turn panicked", "session", sessionKey, "panic", r)
			s.bus.Emit(diag.Input{
				Type:       diag.EventError,
				SessionKey: sessionKey,
				Category:   diag.CategoryInternal,
				Message:    fmt.Sprintf("turn panic: %v", r),
				Fields:     map[string]any{"stack": string(debug.Stack())},
			})
		}
	}()
	return run(ctx)
}

func (s *Scheduler) emitState(sessionKey, prev, state string) {
	s.bus.Emit(diag.Input{
		Type:       diag.EventSessionState,
		SessionKey: sessionKey,
		Fields:     map[string]any{"prev_state": prev, "state": state},
	})
}

// Cancel aborts the running turn for a session (if any) and rejects new
// submits for a short grace window. Returns true when a turn was running.
func (s *Scheduler) Cancel(sessionKey string) bool {
	s.mu.Lock()
	ln, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.drainUntil = time.Now().Add(cancelGrace)
	if ln.cancelTurn != nil {
		ln.cancelTurn()
		return true
	}
	return false
}

// Processing reports whether a turn is currently running for the key.
func (s *Scheduler) Processing(sessionKey string) bool {
	s.mu.Lock()
	ln, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.processing
}

// QueueLen returns the number of queued (not yet started) jobs for a key.
func (s *Scheduler) QueueLen(sessionKey string) int {
	s.mu.Lock()
	ln, ok := s.lanes[sessionKey]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ln.queue)
}

// Drain blocks until a session's lane is empty and idle, or ctx is done.
// Testing aid.
func (s *Scheduler) Drain(ctx context.Context, sessionKey string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.QueueLen(sessionKey) == 0 && !s.Processing(sessionKey) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels all running turns and shuts down the lanes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
