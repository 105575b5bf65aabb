package scheduler

import (
	"fmt"

	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/proc"

	"github.com/sirupsen/logrus"
)

// Version identifies the simulator release. The CLI reports it and every
// run records it in its metadata.
const Version = "1.0.0"

// Config holds the fixed policy parameters of the scheduler.
type Config struct {
	// Quantum is the number of ticks an entity may run at each level.
	Quantum [proc.NumLevels]int
	// MaxPriority is the pvalue given on admission and after a boost.
	MaxPriority int
	// BoostInterval is the number of timer ticks between priority boosts.
	BoostInterval int
}

func DefaultConfig() Config {
	return Config{
		Quantum:       [proc.NumLevels]int{4, 6, 8},
		MaxPriority:   3,
		BoostInterval: 100,
	}
}

func (c Config) validate() error {
	for i, q := range c.Quantum {
		if q <= 0 {
			return fmt.Errorf("quantum for L%d must be greater than 0", i)
		}
	}
	if c.MaxPriority < 0 {
		return fmt.Errorf("max priority must not be negative")
	}
	if c.BoostInterval <= 0 {
		return fmt.Errorf("boost interval must be greater than 0")
	}
	return nil
}

type LockState int

const (
	Idle LockState = iota
	Locked
	UnlockPending
)

func (s LockState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locked:
		return "locked"
	case UnlockPending:
		return "unlock_pending"
	default:
		return fmt.Sprintf("lock_state(%d)", int(s))
	}
}

// MLFQ is a three level feedback queue scheduler over a process table.
//
// It does no locking of its own. Every method must be called under the
// caller's single serializing lock, and none of them block.
type MLFQ struct {
	cfg    Config
	table  *proc.Table
	logger logrus.FieldLogger

	queues [proc.NumLevels]readyQueue
	links  []link

	state     LockState
	locked    *proc.Entity
	releasing *proc.Entity

	enterIDs   uint64
	sinceBoost int
	boosts     int
}

func New(table *proc.Table, cfg Config, logger logrus.FieldLogger) (*MLFQ, error) {
	if table == nil {
		return nil, fmt.Errorf("process table is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if logger == nil {
		logger = logging.GetSchedulerLogger()
	}
	m := &MLFQ{
		cfg:    cfg,
		table:  table,
		logger: logger,
		links:  make([]link, table.Len()),
	}
	m.resetQueues()
	return m, nil
}

func (m *MLFQ) Config() Config {
	return m.cfg
}

func (m *MLFQ) quantum(level proc.Level) int {
	return m.cfg.Quantum[level]
}

// enqueue places e at level the way a fresh admission does: round robin
// levels take it at head, L2 assigns a new enter id and sorts it in.
func (m *MLFQ) enqueue(e *proc.Entity, level proc.Level, resetPriority, resetQuantum bool) error {
	if !level.Valid() {
		return corrupt("enqueue", e, "invalid level %s", level)
	}
	if resetPriority {
		e.Priority.Value = m.cfg.MaxPriority
	}
	if resetQuantum {
		e.TicksLeft = m.quantum(level)
	}
	if level == proc.L2 {
		e.Priority.EnterID = m.enterIDs
		m.enterIDs++
		return m.pushSorted(level, e)
	}
	return m.pushFront(level, e)
}

// requeue puts e back at its current level without touching enter ids.
func (m *MLFQ) requeue(e *proc.Entity) error {
	switch e.Level {
	case proc.L0, proc.L1:
		return m.pushFront(e.Level, e)
	case proc.L2:
		return m.pushSorted(e.Level, e)
	default:
		return corrupt("requeue", e, "wrong level %s", e.Level)
	}
}

// Admit places a newly runnable entity at L0 with a full quantum and the
// maximum priority value.
func (m *MLFQ) Admit(e *proc.Entity) error {
	if e.State != proc.Runnable {
		return corrupt("Admit", e, "state is %s, not runnable", e.State)
	}
	if err := m.enqueue(e, proc.L0, true, true); err != nil {
		return err
	}
	m.logger.WithFields(entityFields(e)).Debug("Admitted process")
	return nil
}

// Select picks the entity to run next. It returns nil with no error when
// every queue is empty and the CPU should idle.
func (m *MLFQ) Select() (*proc.Entity, error) {
	switch m.state {
	case UnlockPending:
		return nil, corrupt("Select", m.releasing, "unlock still pending at selection")
	case Locked:
		return m.locked, nil
	}

	for level := proc.L0; level < proc.NumLevels; level++ {
		if m.queues[level].empty() {
			continue
		}
		e, err := m.popBack(level)
		if err != nil {
			return nil, err
		}
		if e.State != proc.Runnable {
			return nil, corrupt("Select", e, "selected entity is %s, not runnable", e.State)
		}
		return e, nil
	}
	return nil, nil
}

// Account charges one tick to the entity that just ran and puts it back
// into the queues, demoting or aging it when its quantum is used up.
func (m *MLFQ) Account(e *proc.Entity) error {
	switch m.state {
	case Locked:
		return nil
	case UnlockPending:
		return m.finishRelease(e)
	}

	if e.State != proc.Runnable {
		return corrupt("Account", e, "state is %s, not runnable", e.State)
	}
	if e.TicksLeft == 0 {
		return corrupt("Account", e, "quantum already used up at %s", e.Level)
	}
	e.TicksLeft--
	if e.TicksLeft > 0 {
		return m.requeue(e)
	}

	switch e.Level {
	case proc.L0, proc.L1:
		next := e.Level + 1
		m.logger.WithFields(entityFields(e)).WithField("to_level", next.String()).Debug("Demoting process")
		return m.enqueue(e, next, true, true)
	case proc.L2:
		if e.Priority.Value > 0 {
			e.Priority.Value--
		}
		e.TicksLeft = m.quantum(proc.L2)
		return m.pushSorted(proc.L2, e)
	default:
		return corrupt("Account", e, "wrong level %s", e.Level)
	}
}

// SetPriority changes the L2 priority value of a live process, restoring
// the L2 order when the process is currently queued there.
func (m *MLFQ) SetPriority(pid, value int) error {
	if value < 0 || value > m.cfg.MaxPriority {
		return fmt.Errorf("%w: %d not in 0..%d", ErrInvalidPriority, value, m.cfg.MaxPriority)
	}
	e, ok := m.table.Lookup(pid)
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrNoSuchProcess, pid)
	}
	if !e.Live() {
		return fmt.Errorf("%w: pid %d is %s", ErrNotSchedulable, pid, e.State)
	}

	e.Priority.Value = value
	if e.Level == proc.L2 && m.queued(e) {
		if err := m.remove(e); err != nil {
			return err
		}
		return m.pushSorted(proc.L2, e)
	}
	return nil
}

// Wakeup returns a process that just became runnable after sleeping to the
// queue matching its recorded level, with a fresh quantum.
func (m *MLFQ) Wakeup(e *proc.Entity) error {
	if e.State != proc.Runnable {
		return corrupt("Wakeup", e, "state is %s, not runnable", e.State)
	}
	if m.state == UnlockPending && m.releasing == e {
		// Block resolves a pending unlock before the holder sleeps.
		return corrupt("Wakeup", e, "woke up with its unlock still pending")
	}
	if m.queued(e) {
		return corrupt("Wakeup", e, "already queued at %s", e.Level)
	}
	return m.enqueue(e, e.Level, false, true)
}

// Block must be called after e moved to Sleeping. A sleeping lock holder
// can no longer run, so the lock is released on its behalf.
func (m *MLFQ) Block(e *proc.Entity) error {
	if e.State != proc.Sleeping {
		return corrupt("Block", e, "state is %s, not sleeping", e.State)
	}
	if err := m.releaseFor("Block", e); err != nil {
		return err
	}
	if m.queued(e) {
		return m.remove(e)
	}
	return nil
}

// Discard drops an exiting process from the scheduler, force-unlocking it
// when it holds the lock.
func (m *MLFQ) Discard(e *proc.Entity) error {
	if err := m.releaseFor("Discard", e); err != nil {
		return err
	}
	if m.queued(e) {
		if err := m.remove(e); err != nil {
			return err
		}
	}
	e.Level = proc.LevelNone
	e.TicksLeft = 0
	return nil
}

// Level reports the current level of a process.
func (m *MLFQ) Level(pid int) (proc.Level, error) {
	e, ok := m.table.Lookup(pid)
	if !ok {
		return proc.LevelNone, fmt.Errorf("%w: pid %d", ErrNoSuchProcess, pid)
	}
	return e.Level, nil
}

func (m *MLFQ) LockState() LockState {
	return m.state
}

// LockHolder returns the entity holding the lock, or nil.
func (m *MLFQ) LockHolder() *proc.Entity {
	return m.locked
}

// Boosts reports how many priority boosts have run.
func (m *MLFQ) Boosts() int {
	return m.boosts
}

// QueueLen reports the number of entities waiting at level.
func (m *MLFQ) QueueLen(level proc.Level) int {
	if !level.Valid() {
		return 0
	}
	return m.queues[level].size
}
