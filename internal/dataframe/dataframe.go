package dataframe

import (
	"sort"
	"sync"
	"time"
)

type DataFrames struct {
	processes map[int]*ProcessDataFrame
	mutex     sync.RWMutex
}

type ProcessDataFrame struct {
	PID   int
	Name  string
	steps map[int]*SamplingStep
	mutex sync.RWMutex
}

type SamplingStep struct {
	Tick      uint64        `json:"tick"`
	Timestamp time.Time     `json:"timestamp"`
	Sched     *SchedMetrics `json:"sched,omitempty"`
}

// SchedMetrics is the scheduler view of one process at the end of a tick.
type SchedMetrics struct {
	State     string `json:"state"`
	Level     int    `json:"level"`
	TicksLeft int    `json:"ticks_left"`
	TicksUsed int    `json:"ticks_used"`
	Priority  int    `json:"priority"`
	EnterID   uint64 `json:"enter_id"`

	// Running is set for the process that held the cpu during the tick.
	Running bool `json:"running"`
	Locked  bool `json:"locked"`
	Boosted bool `json:"boosted,omitempty"`
}

func NewDataFrames() *DataFrames {
	return &DataFrames{
		processes: make(map[int]*ProcessDataFrame),
	}
}

func (df *DataFrames) GetProcess(pid int) *ProcessDataFrame {
	df.mutex.RLock()
	defer df.mutex.RUnlock()
	return df.processes[pid]
}

// AddProcess registers a process frame, returning the existing one when the
// pid is already known.
func (df *DataFrames) AddProcess(pid int, name string) *ProcessDataFrame {
	df.mutex.Lock()
	defer df.mutex.Unlock()

	if pdf, ok := df.processes[pid]; ok {
		return pdf
	}
	pdf := &ProcessDataFrame{
		PID:   pid,
		Name:  name,
		steps: make(map[int]*SamplingStep),
	}
	df.processes[pid] = pdf
	return pdf
}

func (df *DataFrames) GetAllProcesses() map[int]*ProcessDataFrame {
	df.mutex.RLock()
	defer df.mutex.RUnlock()

	result := make(map[int]*ProcessDataFrame)
	for k, v := range df.processes {
		result[k] = v
	}
	return result
}

// PIDs returns the registered pids in ascending order.
func (df *DataFrames) PIDs() []int {
	df.mutex.RLock()
	defer df.mutex.RUnlock()

	pids := make([]int, 0, len(df.processes))
	for pid := range df.processes {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (pdf *ProcessDataFrame) AddStep(stepNumber int, step *SamplingStep) {
	pdf.mutex.Lock()
	defer pdf.mutex.Unlock()
	pdf.steps[stepNumber] = step
}

func (pdf *ProcessDataFrame) AddOrMergeStep(stepNumber int, step *SamplingStep) {
	pdf.mutex.Lock()
	defer pdf.mutex.Unlock()

	existing, exists := pdf.steps[stepNumber]
	if !exists {
		pdf.steps[stepNumber] = step
		return
	}
	if step.Sched != nil {
		existing.Sched = step.Sched
	}
	if step.Timestamp.After(existing.Timestamp) {
		existing.Timestamp = step.Timestamp
	}
}

func (pdf *ProcessDataFrame) GetStep(stepNumber int) *SamplingStep {
	pdf.mutex.RLock()
	defer pdf.mutex.RUnlock()
	return pdf.steps[stepNumber]
}

func (pdf *ProcessDataFrame) GetAllSteps() map[int]*SamplingStep {
	pdf.mutex.RLock()
	defer pdf.mutex.RUnlock()

	result := make(map[int]*SamplingStep)
	for k, v := range pdf.steps {
		result[k] = v
	}
	return result
}

// SortedSteps returns the step numbers in ascending order.
func (pdf *ProcessDataFrame) SortedSteps() []int {
	pdf.mutex.RLock()
	defer pdf.mutex.RUnlock()

	keys := make([]int, 0, len(pdf.steps))
	for k := range pdf.steps {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (pdf *ProcessDataFrame) GetLatestStep() *SamplingStep {
	pdf.mutex.RLock()
	defer pdf.mutex.RUnlock()

	maxStep := -1
	var latest *SamplingStep
	for step, data := range pdf.steps {
		if step > maxStep {
			maxStep = step
			latest = data
		}
	}
	return latest
}
