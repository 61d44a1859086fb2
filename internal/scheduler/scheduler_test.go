package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactsbot/internal/model"
)

type fakeRoutine struct {
	name          string
	priority      int
	loop          bool
	urgent        bool
	runnable      bool
	preemptible   bool
	execAgain     bool
	execErr       error
	execCount     int
	lastCfg       any
}

func (f *fakeRoutine) Name() string     { return f.name }
func (f *fakeRoutine) Priority() int    { return f.priority }
func (f *fakeRoutine) Loop() bool       { return f.loop }
func (f *fakeRoutine) Urgent() bool     { return f.urgent }
func (f *fakeRoutine) CanRun(context.Context, *model.CharacterRecord) bool { return f.runnable }
func (f *fakeRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool {
	return f.preemptible
}
func (f *fakeRoutine) Execute(context.Context, *model.CharacterRecord) (bool, error) {
	f.execCount++
	return f.execAgain, f.execErr
}
func (f *fakeRoutine) UpdateConfig(cfg any) { f.lastCfg = cfg }

func TestTick_PicksHighestPriorityRunnable(t *testing.T) {
	low := &fakeRoutine{name: "low", priority: 10, runnable: true}
	high := &fakeRoutine{name: "high", priority: 90, runnable: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{low, high}, nil, time.Millisecond, nil)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, high.execCount)
	assert.Equal(t, 0, low.execCount)
}

func TestTick_SkipsNonRunnableCandidates(t *testing.T) {
	blocked := &fakeRoutine{name: "blocked", priority: 90, runnable: false}
	eligible := &fakeRoutine{name: "eligible", priority: 10, runnable: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{blocked, eligible}, nil, time.Millisecond, nil)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, eligible.execCount)
}

func TestTick_NoCandidatesReturnsFalse(t *testing.T) {
	idle := &fakeRoutine{name: "idle", priority: 10, runnable: false}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{idle}, nil, time.Millisecond, nil)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestTick_RegistrationOrderBreaksPriorityTies(t *testing.T) {
	first := &fakeRoutine{name: "first", priority: 50, runnable: true}
	second := &fakeRoutine{name: "second", priority: 50, runnable: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{first, second}, nil, time.Millisecond, nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.execCount)
	assert.Equal(t, 0, second.execCount)
}

func TestTick_LoopRoutineContinuesAcrossTicksWithoutPreemption(t *testing.T) {
	rotation := &fakeRoutine{name: "rotation", priority: 5, loop: true, runnable: true, execAgain: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{rotation}, nil, time.Millisecond, nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rotation.execCount)
}

func TestTick_NonLoopRoutineNeverStaysCurrent(t *testing.T) {
	rest := &fakeRoutine{name: "rest", priority: 100, loop: false, runnable: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{rest}, nil, time.Millisecond, nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)

	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	assert.Nil(t, current, "a non-loop routine never stays 'current' between ticks")
}

func TestTick_UrgentHigherPriorityPreemptsWithoutConsent(t *testing.T) {
	rotation := &fakeRoutine{name: "rotation", priority: 5, loop: true, runnable: true, execAgain: true, preemptible: false}
	event := &fakeRoutine{name: "event", priority: 90, loop: true, runnable: false, urgent: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{rotation, event}, nil, time.Millisecond, nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rotation.execCount)

	event.runnable = true
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, event.execCount, "urgent higher-priority candidate preempts even without current's consent")
	assert.Equal(t, 1, rotation.execCount, "rotation should not have run again this tick")
}

func TestTick_NonUrgentHigherPriorityWaitsForConsent(t *testing.T) {
	rotation := &fakeRoutine{name: "rotation", priority: 5, loop: true, runnable: true, execAgain: true, preemptible: false}
	bankExpansion := &fakeRoutine{name: "bankExpansion", priority: 55, loop: false, runnable: false, urgent: false}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{rotation, bankExpansion}, nil, time.Millisecond, nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	bankExpansion.runnable = true
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rotation.execCount, "non-urgent candidate can't preempt a non-consenting routine")
	assert.Equal(t, 0, bankExpansion.execCount)

	rotation.preemptible = true
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bankExpansion.execCount, "consenting current routine allows the non-urgent preempt")
}

func TestUpdateConfig_BroadcastsToAllRoutines(t *testing.T) {
	a := &fakeRoutine{name: "a"}
	b := &fakeRoutine{name: "b"}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{a, b}, nil, time.Millisecond, nil)

	cfg := struct{ Foo string }{Foo: "bar"}
	s.UpdateConfig(cfg)
	assert.Equal(t, cfg, a.lastCfg)
	assert.Equal(t, cfg, b.lastCfg)
}

func TestTick_RefreshOnlyAppliesWhenNotMidLoop(t *testing.T) {
	calls := 0
	refresh := func(context.Context) (model.CharacterRecord, error) {
		calls++
		return model.CharacterRecord{Name: "alice", HP: calls}, nil
	}
	rotation := &fakeRoutine{name: "rotation", priority: 5, loop: true, runnable: true, execAgain: true}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{rotation}, refresh, time.Millisecond, nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "fresh decision refreshes once")

	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "mid-loop continuation must not refresh again")
}

func TestStop_IsIdempotentAndEndsRun(t *testing.T) {
	r := &fakeRoutine{name: "r", priority: 1, runnable: false}
	char := &model.CharacterRecord{Name: "alice"}
	s := New("alice", char, []Routine{r}, nil, time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
