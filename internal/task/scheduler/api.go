package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "raspimon/pkg/logx"
)

// OnceAfter runs job once, delay from now. A non-positive delay means
// immediately due.
func (s *Scheduler) OnceAfter(delay time.Duration, job Job, opts ...Option) (Handle, error) {
	if job == nil {
		return Handle{}, ErrNilJob
	}
	if delay < 0 {
		delay = 0
	}
	return s.submitOnce(s.now()+delay.Milliseconds(), job, opts)
}

// OnceWhen runs job once at the absolute instant at (millisecond precision).
func (s *Scheduler) OnceWhen(at time.Time, job Job, opts ...Option) (Handle, error) {
	if job == nil {
		return Handle{}, ErrNilJob
	}
	ms := at.UnixMilli()
	if now := s.now(); ms <= now {
		return Handle{}, fmt.Errorf("%w: %s is not after %s", ErrScheduledInPast,
			at.UTC().Format(time.RFC3339Nano), time.UnixMilli(now).UTC().Format(time.RFC3339Nano))
	}
	return s.submitOnce(ms, job, opts)
}

// OnceAtNextBoundary runs job once at the next instant that is a multiple of
// period since the Unix epoch (period 1m fires at the next top of minute).
func (s *Scheduler) OnceAtNextBoundary(period time.Duration, job Job, opts ...Option) (Handle, error) {
	if job == nil {
		return Handle{}, ErrNilJob
	}
	p, err := periodMillis(period)
	if err != nil {
		return Handle{}, err
	}
	return s.submitOnce(nextBoundary(s.now(), p, 0), job, opts)
}

// RepeatEvery runs job every interval, starting one interval from now.
//
// Re-arming is drift corrected: targets stay on the start+k*interval grid and
// intervals missed while the job overran are skipped, never caught up.
func (s *Scheduler) RepeatEvery(interval time.Duration, job Job, opts ...Option) (Handle, error) {
	if job == nil {
		return Handle{}, ErrNilJob
	}
	iv, err := periodMillis(interval)
	if err != nil {
		return Handle{}, err
	}
	return s.submitRepeat(s.now()+iv, PolicyEvery, job, opts, func(target, now int64) int64 {
		return nextOnGrid(target, now, iv)
	})
}

// RepeatAtBoundaryWithOffset runs job every time the wall clock crosses a
// boundary of period shifted by offset. Period 1d with offset 21h fires
// daily at 21:00 UTC. offset must be in [0, period).
func (s *Scheduler) RepeatAtBoundaryWithOffset(period, offset time.Duration, job Job, opts ...Option) (Handle, error) {
	if job == nil {
		return Handle{}, ErrNilJob
	}
	p, err := periodMillis(period)
	if err != nil {
		return Handle{}, err
	}
	off := offset.Milliseconds()
	if offset < 0 || off >= p {
		return Handle{}, fmt.Errorf("%w: offset %s not in [0, %s)", ErrInvalidOffset, offset, period)
	}
	return s.submitRepeat(nextBoundary(s.now(), p, off), PolicyBoundary, job, opts, func(target, now int64) int64 {
		return nextBoundary(max(target, now), p, off)
	})
}

// RepeatAtBoundary is RepeatAtBoundaryWithOffset with a zero offset.
func (s *Scheduler) RepeatAtBoundary(period time.Duration, job Job, opts ...Option) (Handle, error) {
	return s.RepeatAtBoundaryWithOffset(period, 0, job, opts...)
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether spec is accepted by RepeatCron.
func ValidateCron(spec string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return nil
}

// RepeatCron runs job on a cron expression evaluated in Config.Location.
// Five or six fields (optional seconds) and descriptors such as "@hourly"
// or "@every 5m" are accepted.
func (s *Scheduler) RepeatCron(spec string, job Job, opts ...Option) (Handle, error) {
	if job == nil {
		return Handle{}, ErrNilJob
	}
	spec = strings.TrimSpace(spec)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	next := func(target, now int64) int64 {
		t := sched.Next(time.UnixMilli(max(target, now)).In(s.loc))
		if t.IsZero() {
			return -1
		}
		return t.UnixMilli()
	}
	first := next(0, s.now())
	if first < 0 {
		return Handle{}, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, spec)
	}
	return s.submitRepeat(first, PolicyCron, job, opts, next)
}

func (s *Scheduler) submitOnce(at int64, job Job, opts []Option) (Handle, error) {
	h := newHandle()
	o := applyOptions(h, PolicyOnce, opts)
	e := &entry{
		at:     at,
		id:     h,
		name:   o.name,
		policy: PolicyOnce,
		run: func(ctx context.Context) {
			s.invoke(ctx, h, o.name, at, job)
		},
	}
	if err := s.schedule(0, e); err != nil {
		return Handle{}, err
	}
	s.submitted.Add(1)
	return h, nil
}

func (s *Scheduler) submitRepeat(first int64, policy string, job Job, opts []Option, next func(target, now int64) int64) (Handle, error) {
	gen := s.currentGen()
	if gen == 0 {
		return Handle{}, ErrEngineNotRunning
	}
	h := newHandle()
	o := applyOptions(h, policy, opts)
	r := &repeater{s: s, gen: gen, h: h, name: o.name, policy: policy, job: job, next: next}
	if err := s.schedule(gen, r.entry(first)); err != nil {
		return Handle{}, err
	}
	s.submitted.Add(1)
	return h, nil
}

// repeater is the self-resubmitting wrapper behind every repeat policy.
// It runs the job, computes the next target and goes back through the
// one-shot primitive with the same handle.
type repeater struct {
	s      *Scheduler
	gen    uint64
	h      Handle
	name   string
	policy string
	job    Job
	next   func(target, now int64) int64
}

func (r *repeater) entry(target int64) *entry {
	return &entry{
		at:     target,
		id:     r.h,
		name:   r.name,
		policy: r.policy,
		repeat: true,
		run:    func(ctx context.Context) { r.fire(ctx, target) },
	}
}

func (r *repeater) fire(ctx context.Context, target int64) {
	r.s.invoke(ctx, r.h, r.name, target, r.job)

	at := r.next(target, r.s.now())
	if at < 0 {
		r.s.log.Info("repeating job has no further occurrences", logx.String("job", r.name))
		r.s.mu.Lock()
		delete(r.s.live, r.h)
		delete(r.s.cancelled, r.h)
		r.s.mu.Unlock()
		return
	}
	if err := r.s.schedule(r.gen, r.entry(at)); err != nil {
		r.s.log.Debug("repeating job not re-armed", logx.String("job", r.name), logx.Err(err))
	}
}

// periodMillis validates a period/interval and converts it to milliseconds.
func periodMillis(d time.Duration) (int64, error) {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 0, fmt.Errorf("%w: period %s must be at least 1ms", ErrInvalidDuration, d)
	}
	return ms, nil
}

// nextBoundary returns the smallest t > now with (t-offset) mod period == 0.
func nextBoundary(now, period, offset int64) int64 {
	return offset + (floorDiv(now-offset, period)+1)*period
}

// nextOnGrid advances target by one interval and then by as many whole
// intervals as needed to not be in the past. A target landing exactly on
// now fires immediately.
func nextOnGrid(target, now, interval int64) int64 {
	expected := target + interval
	if expected >= now {
		return expected
	}
	missed := (now - expected + interval - 1) / interval
	return expected + missed*interval
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
