package collector

import (
	"fmt"
	"strings"
	"time"

	"raspimon/internal/config"
	"raspimon/internal/task/scheduler"
)

// Policy is the re-arm policy a collector is bound to.
type Policy struct {
	Kind   string // scheduler.PolicyEvery, PolicyBoundary or PolicyCron
	Every  time.Duration
	Period time.Duration
	Offset time.Duration
	Cron   string
}

func Every(d time.Duration) Policy { return Policy{Kind: scheduler.PolicyEvery, Every: d} }

func Boundary(period, offset time.Duration) Policy {
	return Policy{Kind: scheduler.PolicyBoundary, Period: period, Offset: offset}
}

func Cron(expr string) Policy { return Policy{Kind: scheduler.PolicyCron, Cron: expr} }

// PolicyFromConfig converts a schedule section. An empty section selects def.
func PolicyFromConfig(path string, c config.ScheduleConfig, def Policy) (Policy, error) {
	switch {
	case strings.TrimSpace(c.Cron) != "":
		return Cron(strings.TrimSpace(c.Cron)), nil
	case strings.TrimSpace(c.Every) != "":
		d, err := config.ParseDurationField(path+".every", c.Every)
		if err != nil {
			return Policy{}, err
		}
		return Every(d), nil
	case strings.TrimSpace(c.Boundary) != "":
		p, err := config.ParseDurationField(path+".boundary", c.Boundary)
		if err != nil {
			return Policy{}, err
		}
		off, err := config.ParseDurationField(path+".offset", c.Offset)
		if err != nil {
			return Policy{}, err
		}
		return Boundary(p, off), nil
	}
	return def, nil
}

// Submit registers job on s under this policy.
func (p Policy) Submit(s *scheduler.Scheduler, job scheduler.Job, opts ...scheduler.Option) (scheduler.Handle, error) {
	switch p.Kind {
	case scheduler.PolicyEvery:
		return s.RepeatEvery(p.Every, job, opts...)
	case scheduler.PolicyBoundary:
		return s.RepeatAtBoundaryWithOffset(p.Period, p.Offset, job, opts...)
	case scheduler.PolicyCron:
		return s.RepeatCron(p.Cron, job, opts...)
	}
	return scheduler.Handle{}, fmt.Errorf("%w: unknown policy %q", scheduler.ErrInvalidSchedule, p.Kind)
}

func (p Policy) String() string {
	switch p.Kind {
	case scheduler.PolicyEvery:
		return "every " + scheduler.FormatDuration(p.Every)
	case scheduler.PolicyBoundary:
		if p.Offset > 0 {
			return "boundary " + scheduler.FormatDuration(p.Period) + "+" + scheduler.FormatDuration(p.Offset)
		}
		return "boundary " + scheduler.FormatDuration(p.Period)
	case scheduler.PolicyCron:
		return "cron " + p.Cron
	}
	return "none"
}
