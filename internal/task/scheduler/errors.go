package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEngineNotRunning = errors.New("scheduler: engine not running")
	ErrInvalidDuration  = errors.New("scheduler: invalid duration")
	ErrInvalidOffset    = errors.New("scheduler: invalid offset")
	ErrScheduledInPast  = errors.New("scheduler: scheduled in the past")
	ErrInvalidSchedule  = errors.New("scheduler: invalid schedule")
	ErrNilJob           = errors.New("scheduler: nil job")
)

// JobExecutionError describes a single failed invocation.
//
// It is logged and published on the bus, never returned to the dispatch loop.
type JobExecutionError struct {
	Handle   Handle
	Name     string
	FireTime time.Time
	Err      error

	// Panic is set when the job panicked instead of returning an error.
	Panic any
	Stack string
}

func (e *JobExecutionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Panic != nil {
		return fmt.Sprintf("job %s (%s) panicked: %v", e.Name, e.Handle, e.Panic)
	}
	return fmt.Sprintf("job %s (%s) failed: %v", e.Name, e.Handle, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
