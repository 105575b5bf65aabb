package scheduler

import (
	"errors"
	"fmt"

	"mlfq-sim/internal/proc"
)

// Recoverable caller errors. These are expected misuse from user code.
var (
	ErrAlreadyLocked   = errors.New("scheduler is already locked")
	ErrNotLocked       = errors.New("scheduler is not locked")
	ErrUnlockPending   = errors.New("scheduler unlock is still pending")
	ErrNoSuchProcess   = errors.New("no such process")
	ErrNotSchedulable  = errors.New("process is not schedulable")
	ErrInvalidPriority = errors.New("priority value out of range")
)

// InvariantError reports corruption of the scheduler data structures.
// It is never recoverable: the owner of the scheduler must halt.
type InvariantError struct {
	Op     string
	PID    int
	Reason string
}

func (e *InvariantError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("scheduler invariant violated in %s (pid %d): %s", e.Op, e.PID, e.Reason)
	}
	return fmt.Sprintf("scheduler invariant violated in %s: %s", e.Op, e.Reason)
}

// IsFatal reports whether err, or anything it wraps, is an InvariantError.
func IsFatal(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func corrupt(op string, e *proc.Entity, format string, args ...any) error {
	pid := 0
	if e != nil {
		pid = e.PID
	}
	return &InvariantError{Op: op, PID: pid, Reason: fmt.Sprintf(format, args...)}
}
