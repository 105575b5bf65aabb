package scheduler

import (
	"mlfq-sim/internal/proc"
)

// link holds the queue pointers of one table slot. Links are indices into
// the process table, proc.Nil when absent.
type link struct {
	prev   int
	next   int
	queued bool
}

// readyQueue is an index-linked doubly linked list over the process table.
// New round-robin admissions enter at head; tail is the next entity to run.
type readyQueue struct {
	head int
	tail int
	size int
}

func (q *readyQueue) empty() bool {
	return q.head == proc.Nil
}

func (m *MLFQ) resetQueues() {
	for i := range m.queues {
		m.queues[i] = readyQueue{head: proc.Nil, tail: proc.Nil}
	}
	for i := range m.links {
		m.links[i] = link{prev: proc.Nil, next: proc.Nil}
	}
}

func (m *MLFQ) queued(e *proc.Entity) bool {
	return m.links[e.Slot()].queued
}

func (m *MLFQ) checkInsert(op string, level proc.Level, e *proc.Entity) error {
	if !level.Valid() {
		return corrupt(op, e, "invalid level %s", level)
	}
	if m.queued(e) {
		return corrupt(op, e, "already a member of %s", e.Level)
	}
	return nil
}

// pushFront makes e the new head of the level's queue.
func (m *MLFQ) pushFront(level proc.Level, e *proc.Entity) error {
	if err := m.checkInsert("pushFront", level, e); err != nil {
		return err
	}
	q := &m.queues[level]
	i := e.Slot()
	m.links[i] = link{prev: proc.Nil, next: q.head, queued: true}
	if q.empty() {
		q.tail = i
	} else {
		m.links[q.head].prev = i
	}
	q.head = i
	q.size++
	e.Level = level
	return nil
}

// pushBack makes e the new tail, so it is the very next entity selected
// from that level.
func (m *MLFQ) pushBack(level proc.Level, e *proc.Entity) error {
	if err := m.checkInsert("pushBack", level, e); err != nil {
		return err
	}
	q := &m.queues[level]
	i := e.Slot()
	m.links[i] = link{prev: q.tail, next: proc.Nil, queued: true}
	if q.empty() {
		q.head = i
	} else {
		m.links[q.tail].next = i
	}
	q.tail = i
	q.size++
	e.Level = level
	return nil
}

// outranks reports whether a must run before b in a priority-ordered queue.
func outranks(a, b *proc.Entity) (bool, error) {
	if a.Priority.Value != b.Priority.Value {
		return a.Priority.Value < b.Priority.Value, nil
	}
	if a.Priority.EnterID == b.Priority.EnterID {
		return false, corrupt("compare", a, "enter_id %d shared with pid %d", a.Priority.EnterID, b.PID)
	}
	return a.Priority.EnterID < b.Priority.EnterID, nil
}

// pushSorted inserts e so that the queue stays ordered from the lowest
// priority at head to the highest at tail.
func (m *MLFQ) pushSorted(level proc.Level, e *proc.Entity) error {
	if err := m.checkInsert("pushSorted", level, e); err != nil {
		return err
	}
	q := &m.queues[level]
	for it := q.head; it != proc.Nil; it = m.links[it].next {
		first, err := outranks(m.table.At(it), e)
		if err != nil {
			return err
		}
		if !first {
			continue
		}
		i := e.Slot()
		prev := m.links[it].prev
		m.links[i] = link{prev: prev, next: it, queued: true}
		m.links[it].prev = i
		if prev == proc.Nil {
			q.head = i
		} else {
			m.links[prev].next = i
		}
		q.size++
		e.Level = level
		return nil
	}
	return m.pushBack(level, e)
}

// popBack removes and returns the tail of the level's queue.
func (m *MLFQ) popBack(level proc.Level) (*proc.Entity, error) {
	if !level.Valid() {
		return nil, corrupt("popBack", nil, "invalid level %s", level)
	}
	q := &m.queues[level]
	if q.empty() {
		return nil, corrupt("popBack", nil, "%s queue is empty", level)
	}
	i := q.tail
	prev := m.links[i].prev
	q.tail = prev
	if prev == proc.Nil {
		q.head = proc.Nil
	} else {
		m.links[prev].next = proc.Nil
	}
	q.size--
	m.links[i] = link{prev: proc.Nil, next: proc.Nil}
	return m.table.At(i), nil
}

// remove splices e out of whichever queue holds it. The entity keeps its
// level so it can be reinserted at the same tier.
func (m *MLFQ) remove(e *proc.Entity) error {
	i := e.Slot()
	l := m.links[i]
	if !l.queued {
		return corrupt("remove", e, "not a member of any queue")
	}
	if !e.Level.Valid() {
		return corrupt("remove", e, "queued with invalid level %s", e.Level)
	}
	q := &m.queues[e.Level]
	if l.next == proc.Nil {
		q.tail = l.prev
	} else {
		m.links[l.next].prev = l.prev
	}
	if l.prev == proc.Nil {
		q.head = l.next
	} else {
		m.links[l.prev].next = l.next
	}
	q.size--
	m.links[i] = link{prev: proc.Nil, next: proc.Nil}
	return nil
}

// order returns the slots of a level from tail (next to run) to head.
func (m *MLFQ) order(level proc.Level) []int {
	var out []int
	for it := m.queues[level].tail; it != proc.Nil; it = m.links[it].prev {
		out = append(out, it)
	}
	return out
}
