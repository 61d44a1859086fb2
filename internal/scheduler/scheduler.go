// Package scheduler implements the per-character priority-preemptive
// routine scheduler: each character runs an independent cooperative loop
// that picks the highest-priority runnable routine, lets a suspended
// loop routine keep running unless a strictly-higher-priority candidate
// is urgent or the current routine consents to preemption, and otherwise
// idles for a short interval.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/model"
)

// Routine is one unit of character behavior the scheduler can dispatch.
// Priority/Loop/Urgent are fixed for the routine's lifetime; CanRun,
// CanBePreempted, and Execute consult live character/runtime state.
type Routine interface {
	Name() string
	Priority() int
	// Loop reports whether Execute may request another immediate
	// iteration by returning true; false means Execute always runs once.
	Loop() bool
	// Urgent lets this routine preempt a non-consenting lower-priority
	// routine that is mid-execute.
	Urgent() bool
	CanRun(ctx context.Context, char *model.CharacterRecord) bool
	CanBePreempted(ctx context.Context, char *model.CharacterRecord) bool
	// Execute runs one iteration, returning true if Loop and another
	// iteration should follow immediately.
	Execute(ctx context.Context, char *model.CharacterRecord) (bool, error)
	UpdateConfig(cfg any)
}

// RefreshFunc re-fetches the live character record from the game server.
type RefreshFunc func(ctx context.Context) (model.CharacterRecord, error)

// Scheduler drives one character's cooperative routine loop.
type Scheduler struct {
	CharName     string
	Char         *model.CharacterRecord
	Routines     []Routine
	Refresh      RefreshFunc
	IdleInterval time.Duration
	Log          *zap.Logger

	mu      sync.Mutex
	current Routine

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Scheduler for one character. routines is kept in
// registration order, the tie-break for equal-priority candidates.
func New(charName string, char *model.CharacterRecord, routines []Routine, refresh RefreshFunc, idleInterval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if idleInterval <= 0 {
		idleInterval = time.Second
	}
	return &Scheduler{
		CharName: charName, Char: char, Routines: routines, Refresh: refresh,
		IdleInterval: idleInterval, Log: log, stopCh: make(chan struct{}),
	}
}

// Tick runs one scheduling decision: refresh (if starting a fresh
// decision), build and sort runnable candidates, decide whether to
// preempt a mid-execute loop routine, and dispatch. Returns (false, nil)
// when nothing was runnable, so Run knows to idle.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	if current == nil && s.Refresh != nil {
		if char, err := s.Refresh(ctx); err != nil {
			s.Log.Warn("character refresh failed", zap.String("char", s.CharName), zap.Error(err))
		} else {
			*s.Char = char
		}
	}

	candidates := s.runnableCandidates(ctx)
	if len(candidates) == 0 {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		return false, nil
	}

	chosen := candidates[0]
	if current != nil && containsRoutine(candidates, current) {
		top := candidates[0]
		if top != current && top.Priority() > current.Priority() &&
			(top.Urgent() || current.CanBePreempted(ctx, s.Char)) {
			s.Log.Info("routine preempted",
				zap.String("char", s.CharName), zap.String("from", current.Name()), zap.String("to", top.Name()))
		} else {
			chosen = current
		}
	}

	again, err := chosen.Execute(ctx, s.Char)

	s.mu.Lock()
	if chosen.Loop() && again && err == nil {
		s.current = chosen
	} else {
		s.current = nil
	}
	s.mu.Unlock()

	return true, err
}

func (s *Scheduler) runnableCandidates(ctx context.Context) []Routine {
	var out []Routine
	for _, r := range s.Routines {
		if r.CanRun(ctx, s.Char) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}

func containsRoutine(candidates []Routine, r Routine) bool {
	for _, c := range candidates {
		if c == r {
			return true
		}
	}
	return false
}

// UpdateConfig broadcasts cfg to every routine; each routine type-asserts
// and applies the parts relevant to it.
func (s *Scheduler) UpdateConfig(cfg any) {
	for _, r := range s.Routines {
		r.UpdateConfig(cfg)
	}
}

// Run drives the cooperative loop until ctx is canceled or Stop is
// called, idling for IdleInterval whenever no routine was runnable.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		ran, err := s.Tick(ctx)
		if err != nil {
			s.Log.Warn("routine execute failed", zap.String("char", s.CharName), zap.Error(err))
		}
		if ran {
			continue
		}

		select {
		case <-time.After(s.IdleInterval):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Stop signals Run to exit after its current tick. Safe to call more
// than once and from any goroutine.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
