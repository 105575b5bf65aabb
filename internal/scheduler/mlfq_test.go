package scheduler

import (
	"io"
	"testing"

	"mlfq-sim/internal/proc"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var smallConfig = Config{
	Quantum:       [proc.NumLevels]int{2, 3, 4},
	MaxPriority:   3,
	BoostInterval: 10,
}

func newTestMLFQ(t *testing.T, cfg Config) (*MLFQ, *proc.Table) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	table := proc.NewTable(8)
	m, err := New(table, cfg, logger)
	require.NoError(t, err)
	return m, table
}

func spawn(t *testing.T, m *MLFQ, table *proc.Table, name string) *proc.Entity {
	t.Helper()
	e, err := table.Alloc(name)
	require.NoError(t, err)
	e.State = proc.Runnable
	require.NoError(t, m.Admit(e))
	return e
}

// dispatch selects the next entity and marks it running, as the kernel does.
func dispatch(t *testing.T, m *MLFQ) *proc.Entity {
	t.Helper()
	e, err := m.Select()
	require.NoError(t, err)
	require.NotNil(t, e, "expected a runnable entity")
	e.State = proc.Running
	return e
}

func charge(t *testing.T, m *MLFQ, e *proc.Entity) {
	t.Helper()
	e.State = proc.Runnable
	require.NoError(t, m.Account(e))
}

func runTick(t *testing.T, m *MLFQ) *proc.Entity {
	t.Helper()
	e := dispatch(t, m)
	charge(t, m, e)
	return e
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(proc.NewTable(4), Config{Quantum: [proc.NumLevels]int{1, 0, 1}, BoostInterval: 1}, nil)
	require.Error(t, err)

	_, err = New(nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestSelect_IdleWhenEmpty(t *testing.T) {
	m, _ := newTestMLFQ(t, smallConfig)
	e, err := m.Select()
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestSelect_RoundRobinOrderAtL0(t *testing.T) {
	m, table := newTestMLFQ(t, DefaultConfig())
	a := spawn(t, m, table, "a")
	b := spawn(t, m, table, "b")
	c := spawn(t, m, table, "c")

	assert.Equal(t, []int{a.PID, b.PID, c.PID}, m.Order(proc.L0))
	assert.Same(t, a, dispatch(t, m))
	assert.Same(t, b, dispatch(t, m))
	assert.Same(t, c, dispatch(t, m))
}

func TestSelect_ScansLevelsInOrder(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")
	runTick(t, m)
	runTick(t, m)
	require.Equal(t, proc.L1, a.Level)

	b := spawn(t, m, table, "b")
	assert.Same(t, b, dispatch(t, m), "L0 must be served before L1")
}

func TestSelect_NonRunnableIsFatal(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	e := spawn(t, m, table, "a")
	e.State = proc.Sleeping

	_, err := m.Select()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestSelect_UnlockPendingIsFatal(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))
	require.NoError(t, m.Unlock())

	_, err := m.Select()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestAccount_DemotesAfterQuantum(t *testing.T) {
	m, table := newTestMLFQ(t, DefaultConfig())
	e := spawn(t, m, table, "e")
	q0 := m.Config().Quantum[proc.L0]
	require.Equal(t, q0, e.TicksLeft)

	for i := 1; i < q0; i++ {
		runTick(t, m)
		assert.Equal(t, proc.L0, e.Level)
		assert.Equal(t, q0-i, e.TicksLeft)
	}
	runTick(t, m)
	assert.Equal(t, proc.L1, e.Level)
	assert.Equal(t, m.Config().Quantum[proc.L1], e.TicksLeft)
	assert.Equal(t, m.Config().MaxPriority, e.Priority.Value)
	require.NoError(t, m.Verify())
}

func TestAccount_EntersL2WithFreshEnterID(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")
	for a.Level != proc.L2 {
		runTick(t, m)
	}
	assert.Equal(t, smallConfig.Quantum[proc.L2], a.TicksLeft)
	assert.Equal(t, uint64(0), a.Priority.EnterID)

	b := spawn(t, m, table, "b")
	for b.Level != proc.L2 {
		e := dispatch(t, m)
		require.Same(t, b, e)
		charge(t, m, e)
	}
	assert.Equal(t, uint64(1), b.Priority.EnterID)
	assert.Equal(t, []int{a.PID, b.PID}, m.Order(proc.L2))
	require.NoError(t, m.Verify())
}

func TestAccount_L2AgesPriorityInsteadOfDemoting(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	e := spawn(t, m, table, "e")
	for e.Level != proc.L2 {
		runTick(t, m)
	}
	q2 := smallConfig.Quantum[proc.L2]

	for want := smallConfig.MaxPriority - 1; want >= 0; want-- {
		for i := 0; i < q2; i++ {
			runTick(t, m)
		}
		assert.Equal(t, proc.L2, e.Level)
		assert.Equal(t, want, e.Priority.Value)
		assert.Equal(t, q2, e.TicksLeft)
	}

	for i := 0; i < q2; i++ {
		runTick(t, m)
	}
	assert.Equal(t, 0, e.Priority.Value, "pvalue must not go negative")
}

func TestAccount_ZeroQuantumIsFatal(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "e")
	e := dispatch(t, m)
	e.TicksLeft = 0
	e.State = proc.Runnable

	err := m.Account(e)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestAccount_NonRunnableIsFatal(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "e")
	e := dispatch(t, m)

	err := m.Account(e)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestLock_PinsSelection(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	spawn(t, m, table, "a")
	spawn(t, m, table, "b")
	p := dispatch(t, m)

	require.NoError(t, m.Lock(p))
	assert.Equal(t, Locked, m.LockState())
	assert.Same(t, p, m.LockHolder())

	err := m.Lock(p)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.False(t, IsFatal(err))

	for i := 0; i < 10; i++ {
		ticks := p.TicksLeft
		charge(t, m, p)
		assert.Equal(t, ticks, p.TicksLeft, "no bookkeeping while locked")
		assert.Same(t, p, dispatch(t, m))
	}
	assert.Equal(t, 2, m.QueueLen(proc.L0))
	require.NoError(t, m.Verify())
}

func TestLock_RejectsQueuedEntity(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")

	err := m.Lock(a)
	assert.ErrorIs(t, err, ErrNotSchedulable)
	assert.Equal(t, Idle, m.LockState())
}

func TestLock_ResetsBoostCounter(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	p := dispatch(t, m)

	for i := 0; i < smallConfig.BoostInterval-1; i++ {
		require.False(t, m.ClockTick())
	}
	require.NoError(t, m.Lock(p))
	for i := 0; i < smallConfig.BoostInterval-1; i++ {
		assert.False(t, m.ClockTick())
	}
	assert.True(t, m.ClockTick())
}

func TestUnlock_DeferredUntilNextAccount(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	a := spawn(t, m, table, "a")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))

	// Let the holder drift away from L0 values before unlocking.
	p.TicksLeft = 1
	p.Priority.Value = 0

	require.NoError(t, m.Unlock())
	assert.Equal(t, UnlockPending, m.LockState())
	assert.Nil(t, m.LockHolder())
	assert.Equal(t, proc.L0, p.Level)
	assert.Equal(t, smallConfig.Quantum[proc.L0], p.TicksLeft)
	assert.Equal(t, smallConfig.MaxPriority, p.Priority.Value)
	assert.Equal(t, []int{a.PID}, m.Order(proc.L0), "holder is not queued before the next account")

	charge(t, m, p)
	assert.Equal(t, Idle, m.LockState())
	assert.Equal(t, []int{p.PID, a.PID}, m.Order(proc.L0), "holder goes to the very front of L0")

	next, err := m.Select()
	require.NoError(t, err)
	assert.Same(t, p, next)
	require.NoError(t, m.Verify())
}

func TestUnlock_Errors(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")

	err := m.Unlock()
	assert.ErrorIs(t, err, ErrNotLocked)
	assert.False(t, IsFatal(err))

	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))
	require.NoError(t, m.Unlock())

	err = m.Unlock()
	require.Error(t, err)
	assert.True(t, IsFatal(err), "unlock while an unlock is pending is corruption")
}

func TestLock_DuringUnlockPending(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	other := spawn(t, m, table, "other")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))
	require.NoError(t, m.Unlock())

	assert.ErrorIs(t, m.Lock(other), ErrUnlockPending)

	require.NoError(t, m.Lock(p), "the releasing holder may lock again")
	assert.Equal(t, Locked, m.LockState())
	assert.Same(t, p, m.LockHolder())
}

func TestBlock_ReleasesLockOfSleepingHolder(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	a := spawn(t, m, table, "a")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))

	p.State = proc.Sleeping
	require.NoError(t, m.Block(p))
	assert.Equal(t, Idle, m.LockState())
	assert.Nil(t, m.LockHolder())
	assert.Equal(t, proc.L0, p.Level)

	assert.Same(t, a, dispatch(t, m), "a sleeping holder must not starve others")

	p.State = proc.Runnable
	require.NoError(t, m.Wakeup(p))
	assert.Equal(t, []int{p.PID}, m.Order(proc.L0))
}

func TestBlock_ResolvesPendingUnlock(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))
	require.NoError(t, m.Unlock())

	p.State = proc.Sleeping
	require.NoError(t, m.Block(p))
	assert.Equal(t, Idle, m.LockState())

	e, err := m.Select()
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestWakeup_PendingUnlockOfSleeperIsFatal(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))
	require.NoError(t, m.Unlock())

	// Went to sleep without Block resolving the pending unlock.
	p.State = proc.Runnable
	err := m.Wakeup(p)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestDiscard_ReleasesLockOfExitingHolder(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	a := spawn(t, m, table, "a")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))

	p.State = proc.Zombie
	require.NoError(t, m.Discard(p))
	assert.Equal(t, Idle, m.LockState())
	assert.Equal(t, proc.LevelNone, p.Level)
	assert.Equal(t, 0, p.TicksLeft)
	assert.Same(t, a, dispatch(t, m))
}

func TestDiscard_RemovesQueuedEntity(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")
	b := spawn(t, m, table, "b")
	c := spawn(t, m, table, "c")

	b.State = proc.Zombie
	require.NoError(t, m.Discard(b))
	assert.Equal(t, []int{a.PID, c.PID}, m.Order(proc.L0))
	require.NoError(t, m.Verify())
}

func TestBoost_RestoresFairness(t *testing.T) {
	m, table := newTestMLFQ(t, Config{Quantum: [proc.NumLevels]int{1, 1, 2}, MaxPriority: 3, BoostInterval: 100})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		spawn(t, m, table, name)
	}
	for i := 0; i < 12; i++ {
		runTick(t, m)
	}
	require.Positive(t, m.QueueLen(proc.L1)+m.QueueLen(proc.L2))

	sleeper := dispatch(t, m)
	sleeper.State = proc.Sleeping
	require.NoError(t, m.Block(sleeper))
	running := dispatch(t, m)

	require.NoError(t, m.Boost())

	assert.Zero(t, m.QueueLen(proc.L1))
	assert.Zero(t, m.QueueLen(proc.L2))
	table.Each(func(e *proc.Entity) {
		if !e.Live() {
			return
		}
		assert.Equal(t, proc.L0, e.Level, "pid %d", e.PID)
		assert.Equal(t, 3, e.Priority.Value, "pid %d", e.PID)
		assert.Equal(t, 1, e.TicksLeft, "pid %d", e.PID)
	})
	assert.Equal(t, 3, m.QueueLen(proc.L0))
	assert.False(t, m.queued(running))
	assert.False(t, m.queued(sleeper))
	assert.Equal(t, 1, m.Boosts())
	require.NoError(t, m.Verify())

	charge(t, m, running)
	require.NoError(t, m.Verify())
}

func TestBoost_ReleasesLock(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	a := spawn(t, m, table, "a")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))
	p.TicksLeft = 1
	charge(t, m, p)

	require.NoError(t, m.Boost())
	assert.Equal(t, Idle, m.LockState())
	assert.Nil(t, m.LockHolder())
	assert.Equal(t, []int{p.PID, a.PID}, m.Order(proc.L0))
	assert.Equal(t, smallConfig.Quantum[proc.L0], p.TicksLeft)
	require.NoError(t, m.Verify())
}

func TestBoost_RunningHolderReturnsToFrontOfL0(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "p")
	a := spawn(t, m, table, "a")
	p := dispatch(t, m)
	require.NoError(t, m.Lock(p))

	require.NoError(t, m.Boost())
	assert.Equal(t, UnlockPending, m.LockState())
	assert.False(t, m.queued(p))

	charge(t, m, p)
	assert.Equal(t, Idle, m.LockState())
	assert.Equal(t, []int{p.PID, a.PID}, m.Order(proc.L0))
	assert.Equal(t, smallConfig.Quantum[proc.L0], p.TicksLeft, "the release is not charged")
}

func TestSetPriority_ReordersL2(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")
	b := spawn(t, m, table, "b")
	for i := 0; i < 30 && (a.Level != proc.L2 || b.Level != proc.L2); i++ {
		runTick(t, m)
	}
	require.Equal(t, proc.L2, a.Level)
	require.Equal(t, proc.L2, b.Level)

	first, later := a, b
	if b.Priority.EnterID < a.Priority.EnterID {
		first, later = b, a
	}
	require.Equal(t, first.PID, m.Order(proc.L2)[0])

	require.NoError(t, m.SetPriority(later.PID, 0))
	assert.Equal(t, 0, later.Priority.Value)
	assert.Equal(t, []int{later.PID, first.PID}, m.Order(proc.L2))
	require.NoError(t, m.Verify())

	assert.Same(t, later, dispatch(t, m))
}

func TestSetPriority_OutsideL2OnlyUpdatesField(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")
	b := spawn(t, m, table, "b")
	running := dispatch(t, m)
	require.Same(t, a, running)

	require.NoError(t, m.SetPriority(a.PID, 1))
	require.NoError(t, m.SetPriority(b.PID, 2))
	assert.Equal(t, 1, a.Priority.Value)
	assert.Equal(t, 2, b.Priority.Value)
	assert.Equal(t, []int{b.PID}, m.Order(proc.L0))
}

func TestSetPriority_Errors(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	a := spawn(t, m, table, "a")

	err := m.SetPriority(99, 1)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
	assert.False(t, IsFatal(err))

	assert.ErrorIs(t, m.SetPriority(a.PID, -1), ErrInvalidPriority)
	assert.ErrorIs(t, m.SetPriority(a.PID, 4), ErrInvalidPriority)

	a.State = proc.Zombie
	require.NoError(t, m.Discard(a))
	assert.ErrorIs(t, m.SetPriority(a.PID, 1), ErrNotSchedulable)
}

func TestWakeup_KeepsPriorityAndResetsQuantum(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	e := spawn(t, m, table, "e")
	for e.Level != proc.L2 {
		runTick(t, m)
	}
	runTick(t, m)

	s := dispatch(t, m)
	require.Same(t, e, s)
	require.NoError(t, m.SetPriority(e.PID, 1))
	e.State = proc.Sleeping
	require.NoError(t, m.Block(e))
	oldEnter := e.Priority.EnterID

	e.State = proc.Runnable
	require.NoError(t, m.Wakeup(e))
	assert.Equal(t, proc.L2, e.Level)
	assert.Equal(t, 1, e.Priority.Value)
	assert.Equal(t, smallConfig.Quantum[proc.L2], e.TicksLeft)
	assert.Greater(t, e.Priority.EnterID, oldEnter)
	require.NoError(t, m.Verify())
}

func TestLevel_ReportsCurrentLevel(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	e := spawn(t, m, table, "e")

	lvl, err := m.Level(e.PID)
	require.NoError(t, err)
	assert.Equal(t, proc.L0, lvl)

	_, err = m.Level(1234)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestSnapshot_ReportsTicksUsed(t *testing.T) {
	m, table := newTestMLFQ(t, smallConfig)
	spawn(t, m, table, "a")
	spawn(t, m, table, "b")
	a := dispatch(t, m)
	require.NoError(t, m.Lock(a))

	infos := m.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "running", infos[0].State)
	assert.True(t, infos[0].Locked)
	assert.False(t, infos[0].Queued)
	assert.Equal(t, 0, infos[0].TicksUsed)
	assert.True(t, infos[1].Queued)

	a.State = proc.Zombie
	require.NoError(t, m.Discard(a))
	infos = m.Snapshot()
	assert.Equal(t, -1, infos[0].TicksUsed)
	assert.Equal(t, int(proc.LevelNone), infos[0].Level)
}
