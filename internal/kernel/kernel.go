package kernel

import (
	"errors"
	"fmt"
	"sync"

	"mlfq-sim/internal/config"
	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"

	"github.com/sirupsen/logrus"
)

var (
	ErrBadToken   = errors.New("scheduler lock token mismatch")
	ErrNotCurrent = errors.New("process is not running on the cpu")
	ErrNoCurrent  = errors.New("no process is running")
	ErrNotZombie  = errors.New("process has not exited")
	ErrHalted     = errors.New("kernel halted")
)

// Options configures a Kernel.
type Options struct {
	Scheduler        scheduler.Config
	NProc            int
	LockToken        int
	VerifyInvariants bool
	Logger           logrus.FieldLogger
	SchedulerLogger  logrus.FieldLogger
}

// OptionsFromConfig maps the scheduler section of a simulation config.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	sc := scheduler.Config{
		MaxPriority:   cfg.GetMaxPriority(),
		BoostInterval: cfg.BoostInterval,
	}
	copy(sc.Quantum[:], cfg.Quantum)
	return Options{
		Scheduler:        sc,
		NProc:            cfg.NProc,
		LockToken:        cfg.LockToken,
		VerifyInvariants: cfg.VerifyInvariants,
	}
}

// Kernel plays the collaborators of the scheduler: the timer interrupt,
// the sleep and exit paths and the scheduling syscalls. All entry points
// serialize on one mutex, so the scheduler never sees concurrent callers.
type Kernel struct {
	mu sync.Mutex

	table   *proc.Table
	sched   *scheduler.MLFQ
	current *proc.Entity
	ticks   uint64
	token   int
	verify  bool
	halted  error

	logger logrus.FieldLogger
}

func New(opts Options) (*Kernel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	table := proc.NewTable(opts.NProc)
	sched, err := scheduler.New(table, opts.Scheduler, opts.SchedulerLogger)
	if err != nil {
		return nil, err
	}
	return &Kernel{
		table:  table,
		sched:  sched,
		token:  opts.LockToken,
		verify: opts.VerifyInvariants,
		logger: logger,
	}, nil
}

// enter takes the kernel lock and refuses to run once halted. The returned
// function must be deferred; it releases the lock.
func (k *Kernel) enter() (func(), error) {
	k.mu.Lock()
	if k.halted != nil {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrHalted, k.halted)
	}
	return k.mu.Unlock, nil
}

// check halts the kernel when err is fatal and, if enabled, verifies the
// scheduler invariants after a successful operation.
func (k *Kernel) check(op string, err error) error {
	if err == nil && k.verify {
		err = k.sched.Verify()
	}
	if err == nil || !scheduler.IsFatal(err) {
		return err
	}
	k.halted = err
	fields := logrus.Fields{"op": op, "tick": k.ticks}
	if k.current != nil {
		fields["current_pid"] = k.current.PID
	}
	k.logger.WithFields(fields).WithError(err).Error("Kernel halted on scheduler invariant violation")
	return fmt.Errorf("%w: %w", ErrHalted, err)
}

// dispatch selects the next process and puts it on the cpu.
func (k *Kernel) dispatch() error {
	next, err := k.sched.Select()
	if err != nil {
		return err
	}
	if next != nil {
		next.State = proc.Running
	}
	k.current = next
	return nil
}

// Spawn creates a runnable process, the fork path.
func (k *Kernel) Spawn(name string) (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	e, err := k.table.Alloc(name)
	if err != nil {
		return 0, err
	}
	e.State = proc.Runnable
	if err := k.check("spawn", k.sched.Admit(e)); err != nil {
		return 0, err
	}
	k.logger.WithFields(logrus.Fields{"pid": e.PID, "name": name}).Debug("Spawned process")
	return e.PID, nil
}

// Tick is the timer interrupt: charge the running process, boost when due
// and pick the next process. It returns the pid now on the cpu, 0 if idle.
func (k *Kernel) Tick() (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	k.ticks++
	if cur := k.current; cur != nil {
		cur.State = proc.Runnable
		if err := k.sched.Account(cur); err != nil {
			return 0, k.check("tick", err)
		}
		k.current = nil
	}
	if k.sched.ClockTick() {
		if err := k.sched.Boost(); err != nil {
			return 0, k.check("boost", err)
		}
	}
	if err := k.check("tick", k.dispatch()); err != nil {
		return 0, err
	}
	return k.currentPID(), nil
}

// Schedule puts a process on an idle cpu without charging a tick.
func (k *Kernel) Schedule() (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if k.current == nil {
		if err := k.check("schedule", k.dispatch()); err != nil {
			return 0, err
		}
	}
	return k.currentPID(), nil
}

// Yield gives up the cpu voluntarily. It is charged as a full tick.
func (k *Kernel) Yield(pid int) (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, err := k.requireCurrent(pid)
	if err != nil {
		return 0, err
	}
	cur.State = proc.Runnable
	if err := k.sched.Account(cur); err != nil {
		return 0, k.check("yield", err)
	}
	k.current = nil
	if err := k.check("yield", k.dispatch()); err != nil {
		return 0, err
	}
	return k.currentPID(), nil
}

// Sleep blocks the running process on ch and reschedules.
func (k *Kernel) Sleep(pid int, ch string) (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, err := k.requireCurrent(pid)
	if err != nil {
		return 0, err
	}
	cur.State = proc.Sleeping
	cur.Chan = ch
	k.current = nil
	if err := k.sched.Block(cur); err != nil {
		return 0, k.check("sleep", err)
	}
	if err := k.check("sleep", k.dispatch()); err != nil {
		return 0, err
	}
	return k.currentPID(), nil
}

// Wakeup makes every process sleeping on ch runnable. It returns the
// number of processes woken.
func (k *Kernel) Wakeup(ch string) (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	sleepers := k.table.Sleepers(ch)
	for _, e := range sleepers {
		e.State = proc.Runnable
		e.Chan = ""
		if err := k.sched.Wakeup(e); err != nil {
			return 0, k.check("wakeup", err)
		}
	}
	return len(sleepers), k.check("wakeup", nil)
}

// Exit terminates the running process and reschedules.
func (k *Kernel) Exit(pid int) (int, error) {
	unlock, err := k.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, err := k.requireCurrent(pid)
	if err != nil {
		return 0, err
	}
	if err := k.terminate(cur); err != nil {
		return 0, err
	}
	if err := k.check("exit", k.dispatch()); err != nil {
		return 0, err
	}
	return k.currentPID(), nil
}

// Kill terminates any live process. When it was running the cpu is left
// idle until the next Tick or Schedule.
func (k *Kernel) Kill(pid int) error {
	unlock, err := k.enter()
	if err != nil {
		return err
	}
	defer unlock()

	e, ok := k.table.Lookup(pid)
	if !ok || !e.Live() {
		return fmt.Errorf("%w: pid %d", scheduler.ErrNoSuchProcess, pid)
	}
	if err := k.terminate(e); err != nil {
		return err
	}
	if k.current == e {
		k.current = nil
	}
	return nil
}

func (k *Kernel) terminate(e *proc.Entity) error {
	e.State = proc.Zombie
	e.Chan = ""
	if err := k.check("exit", k.sched.Discard(e)); err != nil {
		return err
	}
	k.logger.WithFields(logrus.Fields{"pid": e.PID, "name": e.Name}).Debug("Process exited")
	return nil
}

// Wait reaps a zombie and frees its slot.
func (k *Kernel) Wait(pid int) error {
	unlock, err := k.enter()
	if err != nil {
		return err
	}
	defer unlock()

	e, ok := k.table.Lookup(pid)
	if !ok {
		return fmt.Errorf("%w: pid %d", scheduler.ErrNoSuchProcess, pid)
	}
	if e.State != proc.Zombie {
		return fmt.Errorf("%w: pid %d is %s", ErrNotZombie, pid, e.State)
	}
	k.table.Free(e)
	return nil
}

func (k *Kernel) requireCurrent(pid int) (*proc.Entity, error) {
	if k.current == nil {
		return nil, ErrNoCurrent
	}
	if k.current.PID != pid {
		return nil, fmt.Errorf("%w: pid %d (running pid %d)", ErrNotCurrent, pid, k.current.PID)
	}
	return k.current, nil
}

// Current returns the pid on the cpu, or 0 when idle.
func (k *Kernel) Current() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentPID()
}

func (k *Kernel) currentPID() int {
	if k.current == nil {
		return 0
	}
	return k.current.PID
}

func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Halted returns the fatal error that stopped the kernel, if any.
func (k *Kernel) Halted() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}
