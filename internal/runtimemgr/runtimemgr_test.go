package runtimemgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactsbot/internal/apierr"
	"artifactsbot/internal/clock"
)

type fakeScheduler struct {
	mu        sync.Mutex
	running   bool
	stopped   bool
	cfgs      []any
	runCalled chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{runCalled: make(chan struct{}, 1)}
}

func (f *fakeScheduler) Run(ctx context.Context) {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	select {
	case f.runCalled <- struct{}{}:
	default:
	}
	<-ctx.Done()
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeScheduler) UpdateConfig(cfg any) {
	f.mu.Lock()
	f.cfgs = append(f.cfgs, cfg)
	f.mu.Unlock()
}

func TestManager_StartRunStop(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sched := newFakeScheduler()
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return sched, nil
	}, Housekeeping{}, "", fc, nil)

	require.NoError(t, m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice"}}))
	assert.Equal(t, StateRunning, m.GetStatus().State)

	select {
	case <-sched.runCalled:
	case <-time.After(time.Second):
		t.Fatal("scheduler never started running")
	}

	require.NoError(t, m.Stop(context.Background(), 1000))
	assert.Equal(t, StateStopped, m.GetStatus().State)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.True(t, sched.stopped)
}

func TestManager_OperationLockRejectsConcurrentCalls(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	blocking := make(chan struct{})
	m := NewManager(func(name string) (CharacterScheduler, error) {
		<-blocking
		return newFakeScheduler(), nil
	}, Housekeeping{}, "", fc, nil)

	startErrCh := make(chan error, 1)
	go func() {
		startErrCh <- m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice"}})
	}()

	// Give the goroutine a moment to acquire the operation lock before the
	// second call races it.
	time.Sleep(20 * time.Millisecond)
	err := m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"bob"}})
	assert.ErrorIs(t, err, apierr.ErrOperationConflict)

	close(blocking)
	require.NoError(t, <-startErrCh)
	require.NoError(t, m.Stop(context.Background(), 1000))
}

func TestManager_ReloadConfigBroadcasts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sched := newFakeScheduler()
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return sched, nil
	}, Housekeeping{}, "", fc, nil)

	require.NoError(t, m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice"}}))
	require.NoError(t, m.ReloadConfig("new-config"))
	require.NoError(t, m.Stop(context.Background(), 1000))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.Len(t, sched.cfgs, 1)
	assert.Equal(t, "new-config", sched.cfgs[0])
}

func TestManager_UpdateCharacterConfigTargetsOneScheduler(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	alice := newFakeScheduler()
	bob := newFakeScheduler()
	schedulers := map[string]*fakeScheduler{"alice": alice, "bob": bob}
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return schedulers[name], nil
	}, Housekeeping{}, "", fc, nil)

	require.NoError(t, m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice", "bob"}}))
	require.NoError(t, m.UpdateCharacterConfig("alice", "alice-config"))
	require.NoError(t, m.Stop(context.Background(), 1000))

	alice.mu.Lock()
	require.Len(t, alice.cfgs, 1)
	assert.Equal(t, "alice-config", alice.cfgs[0])
	alice.mu.Unlock()

	bob.mu.Lock()
	assert.Empty(t, bob.cfgs)
	bob.mu.Unlock()
}

func TestManager_UpdateCharacterConfigUnknownNameIsNoop(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sched := newFakeScheduler()
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return sched, nil
	}, Housekeeping{}, "", fc, nil)

	require.NoError(t, m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice"}}))
	require.NoError(t, m.UpdateCharacterConfig("nobody", "whatever"))
	require.NoError(t, m.Stop(context.Background(), 1000))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Empty(t, sched.cfgs)
}

func TestManager_HousekeepingRunsOnDueCronTick(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var flushes int32
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return newFakeScheduler(), nil
	}, Housekeeping{
		FlushPersistence: func() error {
			atomic.AddInt32(&flushes, 1)
			return nil
		},
	}, "* * * * *", fc, nil)
	m.PollInterval = 5 * time.Millisecond

	require.NoError(t, m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice"}}))
	fc.Advance(61 * time.Second)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&flushes) >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background(), 1000))
}

func TestManager_StartFailurePropagatesFactoryError(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	wantErr := apierr.ErrUnknownTask
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return nil, wantErr
	}, Housekeeping{}, "", fc, nil)

	err := m.Start(context.Background(), RunDescriptor{CharacterNames: []string{"alice"}})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, StateError, m.GetStatus().State)
}

func TestManager_StopRunsUnsubscribeCallbacks(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	sched := newFakeScheduler()
	m := NewManager(func(name string) (CharacterScheduler, error) {
		return sched, nil
	}, Housekeeping{}, "", fc, nil)

	var unsubCalled int32
	require.NoError(t, m.Start(context.Background(), RunDescriptor{
		CharacterNames: []string{"alice"},
		Unsubscribe: []func(){
			func() { atomic.AddInt32(&unsubCalled, 1) },
		},
	}))
	require.NoError(t, m.Stop(context.Background(), 1000))
	assert.EqualValues(t, 1, unsubCalled)
}
