package proc

import (
	"errors"
	"fmt"
)

// DefaultNProc matches the xv6 process table size.
const DefaultNProc = 64

// Nil marks an absent slot in any index-linked structure built over a Table.
const Nil = -1

type State int

const (
	Unused State = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Embryo:
		return "embryo"
	case Sleeping:
		return "sleeping"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Level is a scheduling tier. L0 is the highest, L2 the floor.
type Level int

const (
	LevelNone Level = -1
	L0        Level = 0
	L1        Level = 1
	L2        Level = 2
)

const NumLevels = 3

func (l Level) String() string {
	if l == LevelNone {
		return "none"
	}
	if l.Valid() {
		return fmt.Sprintf("L%d", int(l))
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) Valid() bool {
	return l >= L0 && l < NumLevels
}

// Priority orders entities inside L2: smaller Value first, then smaller EnterID.
type Priority struct {
	Value   int    `json:"value"`
	EnterID uint64 `json:"enter_id"`
}

// Entity is the part of a process control block the scheduler reads and writes.
type Entity struct {
	PID       int
	Name      string
	State     State
	Level     Level
	TicksLeft int
	Priority  Priority
	Chan      string

	slot int
}

// Slot is the entity's fixed index in its Table.
func (e *Entity) Slot() int {
	return e.slot
}

// Live reports whether the entity is a process the scheduler must account for.
func (e *Entity) Live() bool {
	return e.State == Runnable || e.State == Running || e.State == Sleeping
}

func (e *Entity) reset() {
	e.PID = 0
	e.Name = ""
	e.State = Unused
	e.Level = LevelNone
	e.TicksLeft = 0
	e.Priority = Priority{}
	e.Chan = ""
}

var ErrTableFull = errors.New("process table is full")

// Table is a fixed-capacity arena of entities. Slots never move, so indices
// into it stay valid for the lifetime of the table.
type Table struct {
	entities []Entity
	nextPID  int
}

func NewTable(nproc int) *Table {
	if nproc <= 0 {
		nproc = DefaultNProc
	}
	t := &Table{
		entities: make([]Entity, nproc),
		nextPID:  1,
	}
	for i := range t.entities {
		t.entities[i].slot = i
		t.entities[i].reset()
	}
	return t
}

func (t *Table) Len() int {
	return len(t.entities)
}

// At returns the entity stored in slot i.
func (t *Table) At(i int) *Entity {
	return &t.entities[i]
}

// Alloc claims an unused slot and moves it to Embryo with a fresh pid.
func (t *Table) Alloc(name string) (*Entity, error) {
	for i := range t.entities {
		e := &t.entities[i]
		if e.State != Unused {
			continue
		}
		e.reset()
		e.PID = t.nextPID
		t.nextPID++
		e.Name = name
		e.State = Embryo
		return e, nil
	}
	return nil, ErrTableFull
}

// Free returns the slot to the Unused pool.
func (t *Table) Free(e *Entity) {
	e.reset()
}

// Lookup finds a non-Unused entity by pid.
func (t *Table) Lookup(pid int) (*Entity, bool) {
	if pid <= 0 {
		return nil, false
	}
	for i := range t.entities {
		e := &t.entities[i]
		if e.State != Unused && e.PID == pid {
			return e, true
		}
	}
	return nil, false
}

// Each calls fn for every slot, used or not, in slot order.
func (t *Table) Each(fn func(e *Entity)) {
	for i := range t.entities {
		fn(&t.entities[i])
	}
}

// Sleepers returns the entities sleeping on ch, in slot order.
func (t *Table) Sleepers(ch string) []*Entity {
	var out []*Entity
	for i := range t.entities {
		e := &t.entities[i]
		if e.State == Sleeping && e.Chan == ch {
			out = append(out, e)
		}
	}
	return out
}
