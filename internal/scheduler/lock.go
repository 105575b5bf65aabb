package scheduler

import (
	"fmt"

	"mlfq-sim/internal/proc"

	"github.com/sirupsen/logrus"
)

// Lock pins the CPU to e until it unlocks, blocks, exits or a boost fires.
// It also restarts the boost interval.
func (m *MLFQ) Lock(e *proc.Entity) error {
	switch m.state {
	case Locked:
		return fmt.Errorf("%w by pid %d", ErrAlreadyLocked, m.locked.PID)
	case UnlockPending:
		if m.releasing != e {
			return fmt.Errorf("%w for pid %d", ErrUnlockPending, m.releasing.PID)
		}
	}
	if m.queued(e) || (e.State != proc.Running && e.State != proc.Runnable) {
		return fmt.Errorf("%w: pid %d cannot take the lock while %s", ErrNotSchedulable, e.PID, e.State)
	}

	m.releasing = nil
	m.state = Locked
	m.locked = e
	m.sinceBoost = 0
	m.logger.WithFields(entityFields(e)).Info("Scheduler locked")
	return nil
}

// Unlock starts releasing the lock. The holder is reset to L0 values now,
// but only re-enters the queues at the next Account call.
func (m *MLFQ) Unlock() error {
	switch m.state {
	case Idle:
		return ErrNotLocked
	case UnlockPending:
		return corrupt("Unlock", m.releasing, "unlock requested while a previous unlock is pending")
	}
	if m.locked == nil {
		return corrupt("Unlock", nil, "scheduler locked without a holder")
	}

	e := m.locked
	m.locked = nil
	m.releasing = e
	m.state = UnlockPending
	m.resetTop(e)
	m.logger.WithFields(entityFields(e)).Info("Scheduler unlock pending")
	return nil
}

// finishRelease puts the former holder at the very front of L0 and
// returns the scheduler to Idle.
func (m *MLFQ) finishRelease(e *proc.Entity) error {
	if e != m.releasing {
		return corrupt("finishRelease", e, "pending unlock belongs to pid %d", m.releasing.PID)
	}
	if e.State != proc.Runnable {
		return corrupt("finishRelease", e, "state is %s, not runnable", e.State)
	}
	if err := m.pushBack(proc.L0, e); err != nil {
		return err
	}
	m.releasing = nil
	m.state = Idle
	m.logger.WithFields(entityFields(e)).Debug("Released former lock holder to L0")
	return nil
}

// releaseFor drops the lock held or being released by e, which can no
// longer run. The entity is not queued here.
func (m *MLFQ) releaseFor(op string, e *proc.Entity) error {
	switch {
	case m.state == Locked && m.locked == e:
		m.resetTop(e)
		m.locked = nil
		m.state = Idle
		m.logger.WithFields(entityFields(e)).WithField("op", op).Info("Scheduler lock released automatically")
	case m.state == Locked && m.locked == nil:
		return corrupt(op, e, "scheduler locked without a holder")
	case m.state == UnlockPending && m.releasing == e:
		m.releasing = nil
		m.state = Idle
	}
	return nil
}

func (m *MLFQ) resetTop(e *proc.Entity) {
	e.Level = proc.L0
	e.Priority.Value = m.cfg.MaxPriority
	e.TicksLeft = m.quantum(proc.L0)
}

// ClockTick advances the boost counter by one timer tick and reports
// whether a boost is due.
func (m *MLFQ) ClockTick() bool {
	m.sinceBoost++
	return m.sinceBoost >= m.cfg.BoostInterval
}

// Boost moves every live entity back to L0 with a full quantum and the
// maximum priority value, releasing the lock if one is held.
func (m *MLFQ) Boost() error {
	m.sinceBoost = 0
	m.boosts++

	if m.state == Locked {
		e := m.locked
		if e == nil {
			return corrupt("Boost", nil, "scheduler locked without a holder")
		}
		m.locked = nil
		m.resetTop(e)
		switch {
		case e.State == proc.Running:
			// Still on the cpu: it reaches the front of L0 through its
			// next Account, the same way a voluntary unlock does.
			m.releasing = e
			m.state = UnlockPending
		case e.State == proc.Runnable && !m.queued(e):
			m.state = Idle
			if err := m.pushBack(proc.L0, e); err != nil {
				return err
			}
		default:
			m.state = Idle
		}
		m.logger.WithFields(entityFields(e)).Info("Scheduler lock released by priority boost")
	}

	moved := 0
	for _, level := range []proc.Level{proc.L1, proc.L2} {
		for !m.queues[level].empty() {
			e, err := m.popBack(level)
			if err != nil {
				return err
			}
			if err := m.enqueue(e, proc.L0, true, true); err != nil {
				return err
			}
			moved++
		}
	}

	m.table.Each(func(e *proc.Entity) {
		if e.Live() {
			m.resetTop(e)
		}
	})

	m.logger.WithFields(logrus.Fields{
		"boost": m.boosts,
		"moved": moved,
	}).Debug("Priority boost")
	return nil
}
