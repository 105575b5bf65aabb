package accounting

import (
	"mlfq-sim/internal/dataframe"
	"mlfq-sim/internal/logging"
	"mlfq-sim/internal/proc"

	"github.com/sirupsen/logrus"
)

// ProcessStats summarizes the scheduling history of one process.
type ProcessStats struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`

	// LevelTicks counts the ticks the process held the cpu at each level.
	LevelTicks  [proc.NumLevels]int `json:"level_ticks"`
	RunTicks    int                 `json:"run_ticks"`
	LockedTicks int                 `json:"locked_ticks"`
	WaitTicks   int                 `json:"wait_ticks"`
	SleepTicks  int                 `json:"sleep_ticks"`
	Locks       int                 `json:"locks"`

	Arrival  uint64 `json:"arrival"`
	FirstRun int64  `json:"first_run"`
	Exit     int64  `json:"exit"`
}

// Response is the delay between arrival and first run, -1 if it never ran.
func (s ProcessStats) Response() int64 {
	if s.FirstRun < 0 {
		return -1
	}
	return s.FirstRun - int64(s.Arrival)
}

// Turnaround is the delay between arrival and exit, -1 if it never exited.
func (s ProcessStats) Turnaround() int64 {
	if s.Exit < 0 {
		return -1
	}
	return s.Exit - int64(s.Arrival)
}

type Report struct {
	Ticks     uint64         `json:"ticks"`
	IdleTicks int            `json:"idle_ticks"`
	Boosts    int            `json:"boosts"`
	Locks     int            `json:"locks"`
	Processes []ProcessStats `json:"processes"`
}

// Accountant turns recorded sampling steps into per-process statistics.
type Accountant struct {
	logger *logrus.Logger
}

func NewAccountant() *Accountant {
	return &Accountant{logger: logging.GetLogger()}
}

// Summarize walks every process frame in pid order. A step counts as a run
// tick when the sample is marked running, as wait when runnable otherwise
// and as sleep when sleeping. Locks counts transitions into the locked state.
func (a *Accountant) Summarize(df *dataframe.DataFrames) *Report {
	report := &Report{}
	busy := make(map[int]bool)
	boosted := make(map[int]bool)

	for _, pid := range df.PIDs() {
		pdf := df.GetProcess(pid)
		stats := ProcessStats{
			PID:      pid,
			Name:     pdf.Name,
			FirstRun: -1,
			Exit:     -1,
		}

		first := true
		wasLocked := false
		for _, n := range pdf.SortedSteps() {
			step := pdf.GetStep(n)
			if step == nil || step.Sched == nil {
				continue
			}
			if step.Tick+1 > report.Ticks {
				report.Ticks = step.Tick + 1
			}
			if first {
				stats.Arrival = step.Tick
				first = false
			}
			s := step.Sched
			if s.Boosted {
				boosted[n] = true
			}

			switch {
			case s.Running:
				busy[n] = true
				stats.RunTicks++
				if lvl := proc.Level(s.Level); lvl.Valid() {
					stats.LevelTicks[lvl]++
				}
				if stats.FirstRun < 0 {
					stats.FirstRun = int64(step.Tick)
				}
				if s.Locked {
					stats.LockedTicks++
				}
			case s.State == proc.Runnable.String():
				stats.WaitTicks++
			case s.State == proc.Sleeping.String():
				stats.SleepTicks++
			case s.State == proc.Zombie.String():
				if stats.Exit < 0 {
					stats.Exit = int64(step.Tick)
				}
			}

			if s.Locked && !wasLocked {
				stats.Locks++
			}
			wasLocked = s.Locked
		}

		report.Locks += stats.Locks
		report.Processes = append(report.Processes, stats)
	}

	report.IdleTicks = int(report.Ticks) - len(busy)
	report.Boosts = len(boosted)

	a.logger.WithFields(logrus.Fields{
		"processes": len(report.Processes),
		"ticks":     report.Ticks,
		"boosts":    report.Boosts,
	}).Debug("Summarized simulation")
	return report
}
