package scheduler

import (
	"mlfq-sim/internal/proc"
)

// ProcInfo is the diagnostic view of one process.
type ProcInfo struct {
	PID       int    `json:"pid"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Level     int    `json:"level"`
	TicksUsed int    `json:"ticks_used"`
	TicksLeft int    `json:"ticks_left"`
	Priority  int    `json:"priority"`
	EnterID   uint64 `json:"enter_id"`
	Queued    bool   `json:"queued"`
	Locked    bool   `json:"locked"`
}

// Snapshot lists every used slot of the process table. TicksUsed is -1 for
// entities without a level.
func (m *MLFQ) Snapshot() []ProcInfo {
	var out []ProcInfo
	m.table.Each(func(e *proc.Entity) {
		if e.State == proc.Unused {
			return
		}
		used := -1
		if e.Level.Valid() {
			used = m.quantum(e.Level) - e.TicksLeft
		}
		out = append(out, ProcInfo{
			PID:       e.PID,
			Name:      e.Name,
			State:     e.State.String(),
			Level:     int(e.Level),
			TicksUsed: used,
			TicksLeft: e.TicksLeft,
			Priority:  e.Priority.Value,
			EnterID:   e.Priority.EnterID,
			Queued:    m.queued(e),
			Locked:    (m.state == Locked && m.locked == e) || (m.state == UnlockPending && m.releasing == e),
		})
	})
	return out
}

// Order returns the pids waiting at level, next to run first.
func (m *MLFQ) Order(level proc.Level) []int {
	if !level.Valid() {
		return nil
	}
	slots := m.order(level)
	pids := make([]int, 0, len(slots))
	for _, i := range slots {
		pids = append(pids, m.table.At(i).PID)
	}
	return pids
}

// Verify walks the queues and the process table and checks the structural
// invariants of the scheduler. Any violation is an InvariantError.
func (m *MLFQ) Verify() error {
	seen := make(map[int]proc.Level)
	enterIDs := make(map[uint64]int)

	for level := proc.L0; level < proc.NumLevels; level++ {
		q := m.queues[level]
		if (q.head == proc.Nil) != (q.tail == proc.Nil) {
			return corrupt("Verify", nil, "%s has only one of head and tail", level)
		}
		count := 0
		prev := proc.Nil
		for it := q.head; it != proc.Nil; it = m.links[it].next {
			e := m.table.At(it)
			if count > m.table.Len() {
				return corrupt("Verify", nil, "%s queue has a cycle", level)
			}
			if other, dup := seen[it]; dup {
				return corrupt("Verify", e, "member of both %s and %s", other, level)
			}
			seen[it] = level
			l := m.links[it]
			if !l.queued {
				return corrupt("Verify", e, "reachable from %s but not marked queued", level)
			}
			if l.prev != prev {
				return corrupt("Verify", e, "broken back link in %s", level)
			}
			if e.Level != level {
				return corrupt("Verify", e, "queued in %s but level is %s", level, e.Level)
			}
			if e.State != proc.Runnable {
				return corrupt("Verify", e, "queued in %s while %s", level, e.State)
			}
			if level == proc.L2 {
				if pid, dup := enterIDs[e.Priority.EnterID]; dup {
					return corrupt("Verify", e, "enter_id %d shared with pid %d", e.Priority.EnterID, pid)
				}
				enterIDs[e.Priority.EnterID] = e.PID
				if prev != proc.Nil {
					// Walking head to tail, each entry must outrank the one before it.
					first, err := outranks(e, m.table.At(prev))
					if err != nil {
						return err
					}
					if !first {
						return corrupt("Verify", e, "L2 order broken after pid %d", m.table.At(prev).PID)
					}
				}
			}
			prev = it
			count++
		}
		if prev != q.tail {
			return corrupt("Verify", nil, "%s tail does not end the list", level)
		}
		if count != q.size {
			return corrupt("Verify", nil, "%s holds %d entries but counts %d", level, count, q.size)
		}
	}

	var err error
	m.table.Each(func(e *proc.Entity) {
		if err != nil {
			return
		}
		if _, ok := seen[e.Slot()]; !ok && m.links[e.Slot()].queued {
			err = corrupt("Verify", e, "marked queued but unreachable")
			return
		}
		if e.Level.Valid() && (e.TicksLeft < 0 || e.TicksLeft > m.quantum(e.Level)) {
			err = corrupt("Verify", e, "ticks left %d outside 0..%d", e.TicksLeft, m.quantum(e.Level))
		}
	})
	if err != nil {
		return err
	}

	switch m.state {
	case Locked:
		if m.locked == nil {
			return corrupt("Verify", nil, "scheduler locked without a holder")
		}
		if m.queued(m.locked) {
			return corrupt("Verify", m.locked, "lock holder is queued")
		}
	case UnlockPending:
		if m.releasing == nil {
			return corrupt("Verify", nil, "unlock pending without a holder")
		}
	}
	return nil
}
