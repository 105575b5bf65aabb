package workload

import (
	"mlfq-sim/internal/config"
	"mlfq-sim/internal/proc"
)

// program is the execution state of one scripted process.
type program struct {
	pid    int
	key    string
	ops    []config.OpConfig
	pc     int
	left   int
	exited bool

	// probes counts get_level results per level.
	probes [proc.NumLevels]int
}

func newProgram(pid int, p config.ProcessConfig) *program {
	return &program{pid: pid, key: p.KeyName, ops: p.Program}
}

func (p *program) done() bool {
	return p.pc >= len(p.ops)
}

func (p *program) current() config.OpConfig {
	return p.ops[p.pc]
}

// advance moves to the next op.
func (p *program) advance() {
	p.pc++
	p.left = 0
}

// computeTick consumes one tick of the current compute op and reports
// whether the op is finished.
func (p *program) computeTick() bool {
	if p.left == 0 {
		p.left = p.current().Ticks
	}
	p.left--
	if p.left <= 0 {
		p.advance()
		return true
	}
	return false
}
