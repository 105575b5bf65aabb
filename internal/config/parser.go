package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"mlfq-sim/internal/logging"

	"gopkg.in/yaml.v3"
)

// Defaults follow the xv6 MLFQ parameters.
const (
	DefaultMaxPriority   = 3
	DefaultBoostInterval = 100
	DefaultNProc         = 64
	DefaultLockToken     = 2019039843
	DefaultTickMS        = 10
	DefaultDispatchLimit = 16
)

var DefaultQuantum = []int{4, 6, 8}

func LoadConfig(filepath string) (*SimulationConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*SimulationConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	config, err := ParseConfig(originalContent)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// ParseConfig expands ${VAR} references, decodes the YAML, fills in
// defaults and validates the result.
func ParseConfig(content string) (*SimulationConfig, error) {
	expanded := expandEnvVars(content)

	var config SimulationConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, err
	}

	for keyName, process := range config.Processes {
		process.KeyName = keyName
		config.Processes[keyName] = process
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func applyDefaults(config *SimulationConfig) {
	s := &config.Simulation.Scheduler
	if len(s.Quantum) == 0 {
		s.Quantum = append([]int(nil), DefaultQuantum...)
	}
	if s.MaxPriority == nil {
		p := DefaultMaxPriority
		s.MaxPriority = &p
	}
	if s.BoostInterval == 0 {
		s.BoostInterval = DefaultBoostInterval
	}
	if s.NProc == 0 {
		s.NProc = DefaultNProc
	}
	if s.LockToken == 0 {
		s.LockToken = DefaultLockToken
	}
	if s.TickMS == 0 {
		s.TickMS = DefaultTickMS
	}
	if s.DispatchLimit == 0 {
		s.DispatchLimit = DefaultDispatchLimit
	}
	if config.Simulation.Data.SpoolDir == "" {
		config.Simulation.Data.SpoolDir = strings.TrimSpace(os.Getenv("MLFQ_SIM_SPOOL_DIR"))
	}
}

func validateConfig(config *SimulationConfig) error {
	if config.Simulation.Name == "" {
		return fmt.Errorf("simulation name is required")
	}

	if config.Simulation.MaxTicks <= 0 {
		return fmt.Errorf("max_ticks must be greater than 0")
	}

	if len(config.Processes) == 0 {
		return fmt.Errorf("at least one process must be defined")
	}

	s := config.Simulation.Scheduler
	if len(s.Quantum) != 3 {
		return fmt.Errorf("scheduler quantum must list exactly 3 levels, got %d", len(s.Quantum))
	}
	for i, q := range s.Quantum {
		if q <= 0 {
			return fmt.Errorf("scheduler quantum for L%d must be greater than 0", i)
		}
	}
	if s.GetMaxPriority() < 0 {
		return fmt.Errorf("scheduler max_priority must not be negative")
	}
	if s.BoostInterval <= 0 {
		return fmt.Errorf("scheduler boost_interval must be greater than 0")
	}
	if s.NProc < len(config.Processes) {
		return fmt.Errorf("scheduler nproc %d is smaller than the %d configured processes", s.NProc, len(config.Processes))
	}
	if s.TickMS <= 0 {
		return fmt.Errorf("scheduler tick_ms must be greater than 0")
	}
	if s.DispatchLimit <= 0 {
		return fmt.Errorf("scheduler dispatch_limit must be greater than 0")
	}

	// Validate database config
	db := config.Simulation.Data.DB
	if db.Enabled() && (db.Name == "" || db.Password == "" || db.Org == "") {
		return fmt.Errorf("incomplete database configuration")
	}

	indices := make(map[int]bool)
	for name, process := range config.Processes {
		if process.StartTick < 0 {
			return fmt.Errorf("process %s: start_tick must not be negative", name)
		}
		if len(process.Program) == 0 {
			return fmt.Errorf("process %s: program must not be empty", name)
		}
		if indices[process.Index] {
			return fmt.Errorf("process %s: index %d is already used", name, process.Index)
		}
		indices[process.Index] = true

		for i, op := range process.Program {
			if err := validateOp(config, op); err != nil {
				return fmt.Errorf("process %s: op %d: %w", name, i, err)
			}
		}
	}

	return nil
}

func validateOp(config *SimulationConfig, op OpConfig) error {
	switch op.Op {
	case OpCompute, OpSleep:
		if op.Ticks <= 0 {
			return fmt.Errorf("%s needs ticks greater than 0", op.Op)
		}
	case OpSetPriority:
		if op.Target == "" {
			return fmt.Errorf("set_priority needs a target")
		}
		if op.Target != SelfTarget {
			if _, ok := config.Processes[op.Target]; !ok {
				return fmt.Errorf("set_priority target %q is not a configured process", op.Target)
			}
		}
		if op.Value < 0 || op.Value > config.Simulation.Scheduler.GetMaxPriority() {
			return fmt.Errorf("set_priority value %d outside 0..%d", op.Value, config.Simulation.Scheduler.GetMaxPriority())
		}
	case OpYield, OpLock, OpUnlock, OpGetLevel, OpExit:
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}
