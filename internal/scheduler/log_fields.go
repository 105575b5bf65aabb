package scheduler

import (
	"mlfq-sim/internal/proc"

	"github.com/sirupsen/logrus"
)

func entityFields(e *proc.Entity) logrus.Fields {
	fields := logrus.Fields{"pid": e.PID}
	if e.Name != "" {
		fields["name"] = e.Name
	}
	fields["level"] = e.Level.String()
	fields["ticks_left"] = e.TicksLeft
	if e.Level == proc.L2 {
		fields["pvalue"] = e.Priority.Value
	}
	return fields
}
