package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"raspimon/internal/eventbus"
	logx "raspimon/pkg/logx"
)

// Job is a unit of work. Arguments are captured by the closure at submission.
//
// The context is cancelled when the scheduler stops; jobs that block should
// honor it. A returned error is logged as a JobExecutionError and otherwise
// ignored.
type Job func(ctx context.Context) error

// Handle identifies a submission. For repeating jobs the same handle covers
// every future occurrence. It is only useful as a cancellation token.
type Handle struct{ id uuid.UUID }

func newHandle() Handle { return Handle{id: uuid.New()} }

func (h Handle) String() string { return h.id.String() }

func (h Handle) IsZero() bool { return h.id == uuid.Nil }

func (h Handle) short() string {
	s := h.id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Event types published on the bus when Config.Bus is set.
const (
	EventJobFailed = "scheduler.job_failed"
)

// Policy names reported in snapshots and logs.
const (
	PolicyOnce     = "once"
	PolicyEvery    = "every"
	PolicyBoundary = "boundary"
	PolicyCron     = "cron"
)

// Config configures a Scheduler. Zero values are usable.
type Config struct {
	// Name is used in logs and supervisor unit names.
	Name string
	// Clock defaults to the real wall clock.
	Clock clockwork.Clock
	// Location is used to evaluate cron expressions. Defaults to UTC.
	// Boundary policies are always computed on Unix milliseconds.
	Location *time.Location

	Logger logx.Logger
	Bus    eventbus.Bus
}

// Option customizes a single submission.
type Option func(*submitOptions)

type submitOptions struct {
	name string
}

// WithName sets the job name used in logs, snapshots and supervisor stats.
func WithName(name string) Option {
	return func(o *submitOptions) { o.name = name }
}

func applyOptions(h Handle, policy string, opts []Option) submitOptions {
	var o submitOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.name == "" {
		o.name = policy + "-" + h.short()
	}
	return o
}

// Counters are best-effort operational metrics.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Fired     uint64 `json:"fired"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`
	Skipped   uint64 `json:"skipped_cancelled"`
	Drained   uint64 `json:"drained"`
}

// JobInfo describes one pending entry.
type JobInfo struct {
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	Policy    string    `json:"policy"`
	Next      time.Time `json:"next"`
	Repeat    bool      `json:"repeat"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

// UnitInfo describes one running invocation.
type UnitInfo struct {
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	FireTime  time.Time `json:"fire_time"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time view of the engine for status output.
type Snapshot struct {
	Name     string     `json:"name"`
	Running  bool       `json:"running"`
	Now      time.Time  `json:"now"`
	Pending  int        `json:"pending"`
	Live     int        `json:"live"`
	Counters Counters   `json:"counters"`
	Jobs     []JobInfo  `json:"jobs"`
	Units    []UnitInfo `json:"units"`
}
