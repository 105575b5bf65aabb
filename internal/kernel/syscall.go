package kernel

import (
	"fmt"

	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"

	"github.com/sirupsen/logrus"
)

// SchedulerLock pins the cpu to the calling process. The caller must be
// running and present the kernel's lock token.
func (k *Kernel) SchedulerLock(pid, token int) error {
	unlock, err := k.enter()
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := k.requireCurrent(pid)
	if err != nil {
		return err
	}
	if token != k.token {
		k.rejectToken("lock", cur)
		return fmt.Errorf("%w: pid %d", ErrBadToken, pid)
	}
	return k.check("scheduler_lock", k.sched.Lock(cur))
}

// SchedulerUnlock starts releasing the lock held by the calling process.
func (k *Kernel) SchedulerUnlock(pid, token int) error {
	unlock, err := k.enter()
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := k.requireCurrent(pid)
	if err != nil {
		return err
	}
	if token != k.token {
		k.rejectToken("unlock", cur)
		return fmt.Errorf("%w: pid %d", ErrBadToken, pid)
	}
	switch {
	case k.sched.LockState() != scheduler.Locked:
		return fmt.Errorf("%w: lock is %s", scheduler.ErrNotLocked, k.sched.LockState())
	case k.sched.LockHolder() != cur:
		return fmt.Errorf("%w: held by pid %d", scheduler.ErrNotLocked, k.sched.LockHolder().PID)
	}
	return k.check("scheduler_unlock", k.sched.Unlock())
}

func (k *Kernel) rejectToken(op string, e *proc.Entity) {
	used := -1
	if e.Level.Valid() {
		used = k.sched.Config().Quantum[e.Level] - e.TicksLeft
	}
	k.logger.WithFields(logrus.Fields{
		"op":         op,
		"pid":        e.PID,
		"ticks_used": used,
		"level":      e.Level.String(),
	}).Warn("Rejected scheduler lock request with wrong token")
}

func (k *Kernel) SetPriority(pid, value int) error {
	unlock, err := k.enter()
	if err != nil {
		return err
	}
	defer unlock()
	return k.check("set_priority", k.sched.SetPriority(pid, value))
}

func (k *Kernel) GetLevel(pid int) (proc.Level, error) {
	unlock, err := k.enter()
	if err != nil {
		return proc.LevelNone, err
	}
	defer unlock()
	return k.sched.Level(pid)
}

// Procs lists every process with its scheduling state.
func (k *Kernel) Procs() []scheduler.ProcInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Snapshot()
}

// Status is a point-in-time view of the kernel.
type Status struct {
	Ticks      uint64              `json:"ticks"`
	CurrentPID int                 `json:"current_pid"`
	LockState  string              `json:"lock_state"`
	LockHolder int                 `json:"lock_holder"`
	Boosts     int                 `json:"boosts"`
	QueueLen   [proc.NumLevels]int `json:"queue_len"`
	Halted     string              `json:"halted,omitempty"`
}

func (k *Kernel) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := Status{
		Ticks:     k.ticks,
		LockState: k.sched.LockState().String(),
		Boosts:    k.sched.Boosts(),
	}
	if k.current != nil {
		st.CurrentPID = k.current.PID
	}
	if h := k.sched.LockHolder(); h != nil {
		st.LockHolder = h.PID
	}
	for l := proc.L0; l < proc.NumLevels; l++ {
		st.QueueLen[l] = k.sched.QueueLen(l)
	}
	if k.halted != nil {
		st.Halted = k.halted.Error()
	}
	return st
}
