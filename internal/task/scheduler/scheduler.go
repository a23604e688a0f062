package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"raspimon/internal/eventbus"
	rtsup "raspimon/internal/runtime/supervisor"
	logx "raspimon/pkg/logx"
)

// Scheduler is a single engine instance. All state lives here; multiple
// schedulers may run side by side.
type Scheduler struct {
	name   string
	clock  clockwork.Clock
	loc    *time.Location
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	// wake is level-triggered: a pending signal is kept until the loop reacts.
	wake chan struct{}

	mu      sync.Mutex
	running bool
	gen     uint64
	queue   entryHeap
	// live holds handles that still own a pending entry or an in-flight
	// repeat. Cancel only records live handles so cancelled never leaks.
	live      map[Handle]struct{}
	cancelled map[Handle]struct{}
	units     map[uint64]*unit
	unitSeq   uint64
	quit      chan struct{}
	loopDone  chan struct{}
	sup       *rtsup.Supervisor

	submitted atomic.Uint64
	fired     atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	skipped   atomic.Uint64
	drained   atomic.Uint64
}

// unit is the running-set record of one launched invocation.
type unit struct {
	handle    Handle
	name      string
	fireAt    int64
	startedAt time.Time
	done      chan struct{}
}

// New constructs a stopped scheduler.
func New(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	name := cfg.Name
	if name == "" {
		name = "scheduler"
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		name:      name,
		clock:     clk,
		loc:       loc,
		log:       log,
		bus:       cfg.Bus,
		parser:    cronParser,
		wake:      make(chan struct{}, 1),
		live:      map[Handle]struct{}{},
		cancelled: map[Handle]struct{}{},
		units:     map[uint64]*unit{},
	}
}

// Start launches the dispatch loop. It is idempotent while running.
//
// ctx only carries values: the engine keeps running until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.gen++
	s.running = true
	s.quit = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithClock(s.clock),
		// A failing job must never take the engine down.
		rtsup.WithCancelOnError(false),
	)

	quit, done := s.quit, s.loopDone
	s.sup.Go0(s.name+".dispatch", func(ctx context.Context) {
		defer close(done)
		s.loop(quit)
	})
	s.log.Info("scheduler started", logx.String("name", s.name))
	return nil
}

// Stop discards every pending entry without running it, stops the dispatch
// loop and waits for in-flight units. Jobs see their context cancelled.
//
// If ctx expires first, Stop returns ctx.Err() and the remaining units keep
// running until they observe cancellation.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.quit)
	dropped := len(s.queue)
	s.queue = nil
	clear(s.live)
	clear(s.cancelled)
	loopDone, sup := s.loopDone, s.sup
	s.mu.Unlock()

	s.drained.Add(uint64(dropped))

	select {
	case <-loopDone:
	case <-ctx.Done():
	}
	sup.Cancel()
	err := sup.Wait(ctx)

	s.mu.Lock()
	s.sweepLocked()
	left := len(s.units)
	s.mu.Unlock()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop timed out", logx.String("name", s.name), logx.Int("units_left", left))
		return err
	}
	s.log.Info("scheduler stopped", logx.String("name", s.name), logx.Int("drained", dropped))
	return nil
}

// IsRunning reports whether the engine accepts submissions.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Cancel marks h cancelled. It is idempotent and never fails: unknown,
// fired or already cancelled handles are ignored. An invocation that is
// already running is not interrupted.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	_, ok := s.live[h]
	if ok {
		s.cancelled[h] = struct{}{}
	}
	s.mu.Unlock()
	if ok {
		s.signal()
	}
}

func (s *Scheduler) now() int64 { return s.clock.Now().UnixMilli() }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// schedule is the low-level one-shot primitive every policy goes through.
// gen pins re-arms to the engine generation that created them.
func (s *Scheduler) schedule(gen uint64, e *entry) error {
	s.mu.Lock()
	if !s.running || (gen != 0 && gen != s.gen) {
		delete(s.live, e.id)
		s.mu.Unlock()
		return ErrEngineNotRunning
	}
	if e.repeat {
		// A repeat cancelled while in flight ends here.
		if _, ok := s.cancelled[e.id]; ok {
			delete(s.cancelled, e.id)
			delete(s.live, e.id)
			s.mu.Unlock()
			s.skipped.Add(1)
			return nil
		}
	}
	if now := s.now(); e.at < now {
		e.at = now
	}
	s.live[e.id] = struct{}{}
	s.queue.push(e)
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *Scheduler) currentGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.gen
}

// maxWait caps one park of the dispatch loop; far heads are re-checked.
const maxWait = 24 * time.Hour

// loop is the dispatch state machine: pop due entries and launch them,
// otherwise park until the head is due or a wake signal arrives.
func (s *Scheduler) loop(quit <-chan struct{}) {
	for {
		s.mu.Lock()
		s.sweepLocked()
		now := s.now()
		var due []*entry
		for head := s.queue.peek(); head != nil && head.at <= now; head = s.queue.peek() {
			e := s.queue.pop()
			if _, ok := s.cancelled[e.id]; ok {
				delete(s.cancelled, e.id)
				delete(s.live, e.id)
				s.skipped.Add(1)
				continue
			}
			if !e.repeat {
				delete(s.live, e.id)
			}
			due = append(due, e)
		}
		wait := time.Duration(-1)
		if head := s.queue.peek(); head != nil {
			wait = maxWait
			if d := head.at - now; d < maxWait.Milliseconds() {
				wait = time.Duration(d) * time.Millisecond
			}
		}
		s.mu.Unlock()

		if len(due) > 0 {
			for _, e := range due {
				select {
				case <-quit:
					s.drained.Add(1)
					continue
				default:
				}
				s.launch(e)
			}
			continue
		}

		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if wait >= 0 {
			timer = s.clock.NewTimer(wait)
			timerC = timer.Chan()
		}
		select {
		case <-quit:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// launch starts e in its own unit. The loop never waits for it.
func (s *Scheduler) launch(e *entry) {
	u := &unit{
		handle:    e.id,
		name:      e.name,
		fireAt:    e.at,
		startedAt: s.clock.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.unitSeq++
	s.units[s.unitSeq] = u
	sup := s.sup
	s.mu.Unlock()

	s.fired.Add(1)
	sup.Go0("job:"+e.name, func(ctx context.Context) {
		defer func() {
			close(u.done)
			s.signal()
		}()
		e.run(ctx)
	})
}

// sweepLocked drops finished units without blocking.
func (s *Scheduler) sweepLocked() {
	for id, u := range s.units {
		select {
		case <-u.done:
			delete(s.units, id)
		default:
		}
	}
}

// invoke runs job and absorbs its failure. Errors and panics are logged and
// published, never propagated.
func (s *Scheduler) invoke(ctx context.Context, h Handle, name string, fireAt int64, job Job) {
	jerr := func() (jerr *JobExecutionError) {
		defer func() {
			if r := recover(); r != nil {
				jerr = &JobExecutionError{
					Handle:   h,
					Name:     name,
					FireTime: time.UnixMilli(fireAt).UTC(),
					Err:      fmt.Errorf("panic: %v", r),
					Panic:    r,
					Stack:    string(debug.Stack()),
				}
			}
		}()
		if err := job(ctx); err != nil {
			return &JobExecutionError{Handle: h, Name: name, FireTime: time.UnixMilli(fireAt).UTC(), Err: err}
		}
		return nil
	}()
	if jerr == nil {
		return
	}

	if jerr.Panic != nil {
		s.panicked.Add(1)
		s.log.Error("job panicked",
			logx.String("job", name),
			logx.String("handle", h.String()),
			logx.Any("panic", jerr.Panic),
			logx.Stack(jerr.Stack),
		)
	} else {
		s.failed.Add(1)
		s.log.Warn("job failed",
			logx.String("job", name),
			logx.String("handle", h.String()),
			logx.Err(jerr.Err),
		)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventJobFailed, Time: s.clock.Now(), Data: jerr})
	}
}
