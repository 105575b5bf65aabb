package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mlfq-sim/internal/config"
	"mlfq-sim/internal/dataframe"
	"mlfq-sim/internal/kernel"
	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/proc"
	"mlfq-sim/internal/scheduler"

	"github.com/sirupsen/logrus"
)

// Options tunes a Simulation beyond what the config file holds.
type Options struct {
	// TickInterval paces the run in wall-clock time. Zero runs as fast as
	// possible.
	TickInterval time.Duration
	// KeepAlive keeps ticking until MaxTicks even after every program has
	// finished, so processes spawned from outside still get scheduled.
	KeepAlive bool
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Result is what a run leaves behind.
type Result struct {
	Ticks    uint64
	Finished bool
	Halted   error
	Frames   *dataframe.DataFrames
	// LevelProbes holds the get_level counts per pid.
	LevelProbes map[int][proc.NumLevels]int
}

// Simulation drives scripted processes through a Kernel one tick at a time.
type Simulation struct {
	cfg    *config.SimulationConfig
	kernel *kernel.Kernel
	opts   Options
	logger logrus.FieldLogger

	pending  []config.ProcessConfig
	programs map[int]*program
	pids     map[string]int
	wakeAt   map[int]uint64

	frames *dataframe.DataFrames
	tick   uint64
}

func New(cfg *config.SimulationConfig, k *kernel.Kernel, opts Options) *Simulation {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	pending := cfg.GetProcessesSorted()
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].StartTick < pending[j].StartTick
	})
	return &Simulation{
		cfg:      cfg,
		kernel:   k,
		opts:     opts,
		logger:   opts.Logger,
		pending:  pending,
		programs: make(map[int]*program),
		pids:     make(map[string]int),
		wakeAt:   make(map[int]uint64),
		frames:   dataframe.NewDataFrames(),
	}
}

// Kernel returns the kernel the simulation runs on.
func (s *Simulation) Kernel() *kernel.Kernel {
	return s.kernel
}

// Run executes up to max_ticks ticks. It returns early when every program
// finished, when ctx is cancelled, or with an error wrapping
// kernel.ErrHalted when the scheduler detected corruption.
func (s *Simulation) Run(ctx context.Context) (*Result, error) {
	var ticker *time.Ticker
	if s.opts.TickInterval > 0 {
		ticker = time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
	}

	maxTicks := uint64(s.cfg.Simulation.MaxTicks)
	s.logger.WithFields(logrus.Fields{
		"simulation": s.cfg.Simulation.Name,
		"processes":  len(s.pending),
		"max_ticks":  maxTicks,
	}).Info("Starting simulation")

	var runErr error
	for s.tick < maxTicks {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := s.step(); err != nil {
			runErr = err
			break
		}
		if s.finished() && !s.opts.KeepAlive {
			break
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				runErr = ctx.Err()
			case <-ticker.C:
			}
			if runErr != nil {
				break
			}
		}
	}

	res := s.result()
	fields := logrus.Fields{"ticks": res.Ticks, "finished": res.Finished}
	if res.Halted != nil {
		s.logger.WithFields(fields).WithError(res.Halted).Error("Simulation stopped by halted kernel")
	} else {
		s.logger.WithFields(fields).Info("Simulation finished")
	}
	return res, runErr
}

func (s *Simulation) result() *Result {
	probes := make(map[int][proc.NumLevels]int, len(s.programs))
	for pid, p := range s.programs {
		probes[pid] = p.probes
	}
	return &Result{
		Ticks:       s.tick,
		Finished:    s.finished(),
		Halted:      s.kernel.Halted(),
		Frames:      s.frames,
		LevelProbes: probes,
	}
}

func (s *Simulation) finished() bool {
	if len(s.pending) > 0 {
		return false
	}
	for _, p := range s.programs {
		if !p.exited {
			return false
		}
	}
	return true
}

// step simulates one tick: arrivals, timed wakeups, the running programs,
// then the timer interrupt.
func (s *Simulation) step() error {
	if err := s.spawnDue(); err != nil {
		return err
	}
	if err := s.wakeDue(); err != nil {
		return err
	}
	if s.kernel.Current() == 0 {
		if _, err := s.kernel.Schedule(); err != nil {
			return err
		}
	}
	if err := s.execute(); err != nil {
		return err
	}

	boostsBefore := s.kernel.Status().Boosts
	samples := s.record()
	s.reap(samples)

	if _, err := s.kernel.Tick(); err != nil {
		return err
	}
	if s.kernel.Status().Boosts != boostsBefore {
		for pid, step := range samples {
			step.Sched.Boosted = true
			s.frames.GetProcess(pid).AddOrMergeStep(int(step.Tick), step)
		}
	}
	s.tick++
	return nil
}

func (s *Simulation) spawnDue() error {
	for len(s.pending) > 0 && uint64(s.pending[0].StartTick) <= s.tick {
		p := s.pending[0]
		s.pending = s.pending[1:]

		pid, err := s.kernel.Spawn(p.DisplayName())
		if err != nil {
			if errors.Is(err, kernel.ErrHalted) {
				return err
			}
			s.logger.WithField("process", p.KeyName).WithError(err).Warn("Failed to spawn process")
			continue
		}
		s.pids[p.KeyName] = pid
		s.programs[pid] = newProgram(pid, p)
		s.frames.AddProcess(pid, p.DisplayName())
		s.logger.WithFields(logrus.Fields{
			"pid":     pid,
			"process": p.KeyName,
			"tick":    s.tick,
		}).Debug("Process arrived")
	}
	return nil
}

func sleepChan(pid int) string {
	return fmt.Sprintf("sleep:%d", pid)
}

func (s *Simulation) wakeDue() error {
	due := make([]int, 0)
	for pid, at := range s.wakeAt {
		if at <= s.tick {
			due = append(due, pid)
		}
	}
	sort.Ints(due)
	for _, pid := range due {
		delete(s.wakeAt, pid)
		if _, err := s.kernel.Wakeup(sleepChan(pid)); err != nil {
			return err
		}
	}
	return nil
}

// execute runs programs on the cpu until one of them consumes the tick,
// the cpu goes idle or the dispatch limit is reached.
func (s *Simulation) execute() error {
	limit := s.cfg.Simulation.Scheduler.DispatchLimit
	for dispatches := 0; dispatches < limit; {
		pid := s.kernel.Current()
		if pid == 0 {
			return nil
		}
		consumed, gaveUp, err := s.run(pid)
		if err != nil {
			return err
		}
		if consumed {
			return nil
		}
		if gaveUp {
			dispatches++
		}
	}
	s.logger.WithFields(logrus.Fields{"tick": s.tick, "limit": limit}).Debug("Dispatch limit reached")
	return nil
}

// run executes ops of pid until it consumes the tick or gives up the cpu.
// Processes without a program, such as those spawned over the API, compute
// forever.
func (s *Simulation) run(pid int) (consumed, gaveUp bool, err error) {
	p, ok := s.programs[pid]
	if !ok {
		return true, false, nil
	}

	for {
		if p.done() {
			return false, true, s.exit(p)
		}
		op := p.current()
		switch op.Op {
		case config.OpCompute:
			p.computeTick()
			return true, false, nil

		case config.OpYield:
			p.advance()
			_, err := s.kernel.Yield(pid)
			return false, true, s.recoverable(p, op, err)

		case config.OpSleep:
			p.advance()
			s.wakeAt[pid] = s.tick + uint64(op.Ticks)
			_, err := s.kernel.Sleep(pid, sleepChan(pid))
			return false, true, s.recoverable(p, op, err)

		case config.OpExit:
			p.pc = len(p.ops)
			return false, true, s.exit(p)

		case config.OpLock:
			p.advance()
			if err := s.recoverable(p, op, s.kernel.SchedulerLock(pid, s.token(op))); err != nil {
				return false, false, err
			}

		case config.OpUnlock:
			p.advance()
			if err := s.recoverable(p, op, s.kernel.SchedulerUnlock(pid, s.token(op))); err != nil {
				return false, false, err
			}

		case config.OpSetPriority:
			p.advance()
			target, ok := s.target(pid, op.Target)
			if !ok {
				s.logger.WithFields(logrus.Fields{"pid": pid, "target": op.Target}).Warn("set_priority target is not running")
				continue
			}
			if err := s.recoverable(p, op, s.kernel.SetPriority(target, op.Value)); err != nil {
				return false, false, err
			}

		case config.OpGetLevel:
			p.advance()
			lvl, err := s.kernel.GetLevel(pid)
			if err := s.recoverable(p, op, err); err != nil {
				return false, false, err
			}
			if lvl.Valid() {
				p.probes[lvl]++
			}

		default:
			return false, false, fmt.Errorf("pid %d: unknown op %q", pid, op.Op)
		}

		if s.kernel.Current() != pid {
			// Lost the cpu, e.g. killed over the API.
			return false, true, nil
		}
	}
}

func (s *Simulation) exit(p *program) error {
	if _, err := s.kernel.Exit(p.pid); err != nil {
		return s.recoverable(p, config.OpConfig{Op: config.OpExit}, err)
	}
	p.exited = true
	delete(s.wakeAt, p.pid)
	return nil
}

// reap plays init: it frees every process sampled as a zombie, whether its
// program exited or it was killed from outside. The zombie sample has been
// recorded by then.
func (s *Simulation) reap(samples map[int]*dataframe.SamplingStep) {
	pids := make([]int, 0)
	for pid, step := range samples {
		if step.Sched.State == proc.Zombie.String() {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if err := s.kernel.Wait(pid); err != nil {
			s.logger.WithField("pid", pid).WithError(err).Debug("Failed to reap process")
			continue
		}
		if p, ok := s.programs[pid]; ok && !p.exited {
			p.exited = true
			s.logger.WithFields(logrus.Fields{"pid": pid, "tick": s.tick}).Info("Reaped killed process")
		}
		delete(s.wakeAt, pid)
	}
}

func (s *Simulation) token(op config.OpConfig) int {
	if op.Token != nil {
		return *op.Token
	}
	return s.cfg.Simulation.Scheduler.LockToken
}

func (s *Simulation) target(self int, key string) (int, bool) {
	if key == "" || key == config.SelfTarget {
		return self, true
	}
	pid, ok := s.pids[key]
	return pid, ok
}

// recoverable logs err and swallows it unless the kernel halted, like a
// user program that ignores a failed syscall.
func (s *Simulation) recoverable(p *program, op config.OpConfig, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kernel.ErrHalted) || scheduler.IsFatal(err) {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"pid":  p.pid,
		"op":   op.Op,
		"tick": s.tick,
	}).WithError(err).Warn("Syscall failed")
	return nil
}

// record samples every process as it enters the timer interrupt.
func (s *Simulation) record() map[int]*dataframe.SamplingStep {
	now := s.opts.Now()
	current := s.kernel.Current()
	samples := make(map[int]*dataframe.SamplingStep)
	for _, info := range s.kernel.Procs() {
		step := &dataframe.SamplingStep{
			Tick:      s.tick,
			Timestamp: now,
			Sched: &dataframe.SchedMetrics{
				State:     info.State,
				Level:     info.Level,
				TicksLeft: info.TicksLeft,
				TicksUsed: info.TicksUsed,
				Priority:  info.Priority,
				EnterID:   info.EnterID,
				Running:   info.PID == current,
				Locked:    info.Locked,
			},
		}
		s.frames.AddProcess(info.PID, info.Name).AddStep(int(s.tick), step)
		samples[info.PID] = step
	}
	return samples
}

// Frames returns the samples recorded so far.
func (s *Simulation) Frames() *dataframe.DataFrames {
	return s.frames
}
