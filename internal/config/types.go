package config

import (
	"sort"
)

// Program operations a simulated process can perform.
const (
	OpCompute     = "compute"
	OpYield       = "yield"
	OpSleep       = "sleep"
	OpLock        = "lock"
	OpUnlock      = "unlock"
	OpSetPriority = "set_priority"
	OpGetLevel    = "get_level"
	OpExit        = "exit"
)

// SelfTarget lets a set_priority op address the process running it.
const SelfTarget = "self"

type SimulationConfig struct {
	Simulation SimulationInfo           `yaml:"simulation"`
	Processes  map[string]ProcessConfig `yaml:",inline"`
}

type SimulationInfo struct {
	Name              string          `yaml:"name"`
	Description       string          `yaml:"description"`
	MaxTicks          int             `yaml:"max_ticks"`
	LogLevel          string          `yaml:"log_level"`
	SchedulerLogLevel string          `yaml:"scheduler_log_level"`
	Scheduler         SchedulerConfig `yaml:"scheduler"`
	Data              DataConfig      `yaml:"data"`
}

type SchedulerConfig struct {
	Quantum          []int `yaml:"quantum"`
	MaxPriority      *int  `yaml:"max_priority"`
	BoostInterval    int   `yaml:"boost_interval"`
	LockToken        int   `yaml:"lock_token"`
	NProc            int   `yaml:"nproc"`
	VerifyInvariants bool  `yaml:"verify_invariants"`
	// TickMS is the wall-clock length of a tick in serve mode.
	TickMS int `yaml:"tick_ms"`
	// DispatchLimit bounds how many processes may give up the CPU within
	// a single simulated tick.
	DispatchLimit int `yaml:"dispatch_limit"`
}

type DataConfig struct {
	SpoolDir string         `yaml:"spool_dir"`
	DB       DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

// Enabled reports whether an InfluxDB export was configured.
func (db DatabaseConfig) Enabled() bool {
	return db.Host != ""
}

type ProcessConfig struct {
	// KeyName is the YAML key of the process, set by the parser.
	KeyName   string     `yaml:"-"`
	Index     int        `yaml:"index"`
	Name      string     `yaml:"name,omitempty"`
	StartTick int        `yaml:"start_tick"`
	Program   []OpConfig `yaml:"program"`
}

type OpConfig struct {
	Op     string `yaml:"op"`
	Ticks  int    `yaml:"ticks,omitempty"`
	Token  *int   `yaml:"token,omitempty"`
	Target string `yaml:"target,omitempty"`
	Value  int    `yaml:"value,omitempty"`
}

// DisplayName is the process name used in the process table.
func (p ProcessConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.KeyName
}

func (c *SimulationConfig) GetProcessesSorted() []ProcessConfig {
	processes := make([]ProcessConfig, 0, len(c.Processes))
	for _, p := range c.Processes {
		processes = append(processes, p)
	}
	sort.Slice(processes, func(i, j int) bool {
		return processes[i].Index < processes[j].Index
	})
	return processes
}

// GetMaxPriority returns the configured max priority, which the parser
// always fills in.
func (s SchedulerConfig) GetMaxPriority() int {
	if s.MaxPriority == nil {
		return DefaultMaxPriority
	}
	return *s.MaxPriority
}
