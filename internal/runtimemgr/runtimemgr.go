// Package runtimemgr owns the process lifecycle: starting and stopping
// the per-character schedulers, serializing the lifecycle procedures
// behind a single operation lock, and driving a background housekeeping
// cycle (stale-claim sweep, NPC-lock TTL sweep, debounced persistence
// flush, gear-state recompute poll) off a parsed cron schedule.
package runtimemgr

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"artifactsbot/internal/apierr"
	"artifactsbot/internal/clock"
)

// LifecycleState is one of the five states the runtime can be in.
type LifecycleState string

const (
	StateStopped  LifecycleState = "stopped"
	StateStarting LifecycleState = "starting"
	StateRunning  LifecycleState = "running"
	StateStopping LifecycleState = "stopping"
	StateError    LifecycleState = "error"
)

// Operation describes the lifecycle procedure currently holding the
// operation lock, observable via GetStatus while it runs.
type Operation struct {
	Name        string
	StartedAtMs int64
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	State       LifecycleState
	RuntimeActive bool
	Operation   *Operation
	UpdatedAtMs int64
}

// CharacterScheduler is the narrow surface runtimemgr drives per
// character — satisfied by *scheduler.Scheduler without importing it
// directly, so this package stays leaf-level relative to scheduler.
type CharacterScheduler interface {
	Run(ctx context.Context)
	Stop()
	UpdateConfig(cfg any)
}

// SchedulerFactory builds one character's scheduler, with every routine it
// needs already wired, from the currently loaded config.
type SchedulerFactory func(charName string) (CharacterScheduler, error)

// Housekeeping bundles the periodic sweep callbacks the background cycle
// invokes each due cron tick. Any nil field is skipped. Errors are logged,
// never fatal to the cycle.
type Housekeeping struct {
	SweepStaleClaims   func()
	SweepNPCLockTTL    func()
	FlushPersistence   func() error
	RecomputeGearState func() error
}

// RunDescriptor carries the one-time start-up inputs the runtime's "on
// start" procedure needs.
type RunDescriptor struct {
	CharacterNames []string
	// FirstRunClear makes Start call ClearOrderBoard("first_run_rollout")
	// on every call that receives this descriptor; the manager keeps no
	// record of an earlier clear.
	FirstRunClear bool
	ClearOrderBoard func(reason string)
	// Unsubscribe holds the teardown callbacks for the action/log event
	// stream subscriptions Start established; Stop runs them in order.
	Unsubscribe []func()
}

// Manager implements the runtime's start/stop/reload/restart lifecycle.
type Manager struct {
	Factory      SchedulerFactory
	Housekeeping Housekeeping
	// CronExpr drives the housekeeping cadence, parsed with the same
	// five-field (minute hour dom month dow) layout used throughout the
	// pack's own cron.Parser usage.
	CronExpr string
	Clock    clock.Clock
	Log      *zap.Logger

	// PollInterval is how often the housekeeping loop checks the cron
	// schedule for a due tick; it does not itself gate how often
	// housekeeping runs.
	PollInterval time.Duration

	mu          sync.Mutex
	state       LifecycleState
	op          *Operation
	updatedAtMs int64

	schedulers map[string]CharacterScheduler
	unsub      []func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	houseStop    chan struct{}
	houseWg      sync.WaitGroup
	cronSchedule cron.Schedule
	nextDueMs    int64
}

// NewManager returns a stopped Manager.
func NewManager(factory SchedulerFactory, housekeeping Housekeeping, cronExpr string, c clock.Clock, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{
		Factory:      factory,
		Housekeeping: housekeeping,
		CronExpr:     cronExpr,
		Clock:        c,
		Log:          log,
		PollInterval: time.Second,
		state:        StateStopped,
		schedulers:   map[string]CharacterScheduler{},
	}
}

func (m *Manager) touch() {
	m.updatedAtMs = m.Clock.NowMs()
}

// beginOp acquires the single operation lock, or returns
// apierr.ErrOperationConflict if another lifecycle procedure is already
// in flight. The returned func releases the lock and must be deferred.
func (m *Manager) beginOp(name string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.op != nil {
		return nil, apierr.ErrOperationConflict
	}
	m.op = &Operation{Name: name, StartedAtMs: m.Clock.NowMs()}
	m.touch()
	return func() {
		m.mu.Lock()
		m.op = nil
		m.touch()
		m.mu.Unlock()
	}, nil
}

func (m *Manager) setState(s LifecycleState) {
	m.mu.Lock()
	m.state = s
	m.touch()
	m.mu.Unlock()
}

// GetStatus returns the current lifecycle snapshot.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var op *Operation
	if m.op != nil {
		cp := *m.op
		op = &cp
	}
	return Status{
		State:         m.state,
		RuntimeActive: m.state == StateRunning,
		Operation:     op,
		UpdatedAtMs:   m.updatedAtMs,
	}
}

// Start initializes module-global state via run.ClearOrderBoard (if this
// is the gated first run), builds and spawns one scheduler goroutine per
// character in run.CharacterNames, and starts the housekeeping cycle.
func (m *Manager) Start(ctx context.Context, run RunDescriptor) error {
	release, err := m.beginOp("start")
	if err != nil {
		return err
	}
	defer release()

	m.setState(StateStarting)

	if run.FirstRunClear && run.ClearOrderBoard != nil {
		run.ClearOrderBoard("first_run_rollout")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	schedulers := map[string]CharacterScheduler{}
	for _, name := range run.CharacterNames {
		sched, err := m.Factory(name)
		if err != nil {
			cancel()
			m.setState(StateError)
			return err
		}
		schedulers[name] = sched
	}

	m.mu.Lock()
	m.schedulers = schedulers
	m.unsub = run.Unsubscribe
	m.cancel = cancel
	m.mu.Unlock()

	for _, sched := range schedulers {
		s := sched
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.Run(runCtx)
		}()
	}

	if err := m.prepareCronSchedule(); err != nil {
		m.Log.Warn("housekeeping cron expression invalid, housekeeping disabled", zap.Error(err))
	} else {
		m.startHousekeeping(runCtx)
	}

	m.setState(StateRunning)
	return nil
}

// Stop cancels every character scheduler, waits up to gracefulTimeoutMs
// for them to exit, then runs cleanup (persistence flush, unsubscribe
// callbacks) regardless of whether they exited in time.
func (m *Manager) Stop(ctx context.Context, gracefulTimeoutMs int64) error {
	release, err := m.beginOp("stop")
	if err != nil {
		return err
	}
	defer release()

	m.setState(StateStopping)

	m.mu.Lock()
	schedulers := m.schedulers
	cancel := m.cancel
	unsub := m.unsub
	m.mu.Unlock()

	for _, sched := range schedulers {
		sched.Stop()
	}
	m.stopHousekeeping()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timeout := time.Duration(gracefulTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		m.Log.Warn("graceful shutdown timeout elapsed, proceeding with cleanup anyway")
	}

	if m.Housekeeping.FlushPersistence != nil {
		if err := m.Housekeeping.FlushPersistence(); err != nil {
			m.Log.Warn("persistence flush on stop failed", zap.Error(err))
		}
	}
	for _, fn := range unsub {
		fn()
	}

	m.mu.Lock()
	m.schedulers = map[string]CharacterScheduler{}
	m.unsub = nil
	m.cancel = nil
	m.mu.Unlock()

	m.setState(StateStopped)
	return nil
}

// ReloadConfig broadcasts cfg to every live character scheduler.
func (m *Manager) ReloadConfig(cfg any) error {
	release, err := m.beginOp("reloadConfig")
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	schedulers := m.schedulers
	m.mu.Unlock()

	for _, sched := range schedulers {
		sched.UpdateConfig(cfg)
	}
	return nil
}

// UpdateCharacterConfig delivers cfg to a single character's scheduler,
// for callers that decode a reload-config request into distinct
// per-character configs rather than one value broadcast to every
// character (what ReloadConfig does). Returns nil without effect if no
// scheduler is currently running under that name.
func (m *Manager) UpdateCharacterConfig(charName string, cfg any) error {
	release, err := m.beginOp("reloadConfig")
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	sched, ok := m.schedulers[charName]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	sched.UpdateConfig(cfg)
	return nil
}

// Restart calls Stop and then Start. Each takes the operation lock on its
// own, so the lock is free for a moment between the two.
func (m *Manager) Restart(ctx context.Context, gracefulTimeoutMs int64, run RunDescriptor) error {
	if err := m.Stop(ctx, gracefulTimeoutMs); err != nil {
		return err
	}
	return m.Start(ctx, run)
}

func (m *Manager) prepareCronSchedule() error {
	if m.CronExpr == "" {
		m.cronSchedule = nil
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(m.CronExpr)
	if err != nil {
		return err
	}
	m.cronSchedule = sched
	m.nextDueMs = m.cronSchedule.Next(m.Clock.Now()).UnixMilli()
	return nil
}

// startHousekeeping runs the housekeeping poll loop until ctx is canceled
// or stopHousekeeping is called.
func (m *Manager) startHousekeeping(ctx context.Context) {
	if m.cronSchedule == nil {
		return
	}
	m.houseStop = make(chan struct{})
	m.houseWg.Add(1)
	go func() {
		defer m.houseWg.Done()
		ticker := time.NewTicker(m.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.houseStop:
				return
			case <-ticker.C:
				m.maybeRunHousekeeping()
			}
		}
	}()
}

func (m *Manager) stopHousekeeping() {
	if m.houseStop != nil {
		close(m.houseStop)
		m.houseWg.Wait()
		m.houseStop = nil
	}
}

func (m *Manager) maybeRunHousekeeping() {
	now := m.Clock.Now()
	if now.UnixMilli() < m.nextDueMs {
		return
	}
	m.runHousekeepingOnce()
	m.nextDueMs = m.cronSchedule.Next(now).UnixMilli()
}

func (m *Manager) runHousekeepingOnce() {
	if fn := m.Housekeeping.SweepStaleClaims; fn != nil {
		fn()
	}
	if fn := m.Housekeeping.SweepNPCLockTTL; fn != nil {
		fn()
	}
	if fn := m.Housekeeping.RecomputeGearState; fn != nil {
		if err := fn(); err != nil {
			m.Log.Warn("housekeeping gear-state recompute failed", zap.Error(err))
		}
	}
	if fn := m.Housekeeping.FlushPersistence; fn != nil {
		if err := fn(); err != nil {
			m.Log.Warn("housekeeping persistence flush failed", zap.Error(err))
		}
	}
}
