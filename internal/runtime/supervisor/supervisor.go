package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	logx "raspimon/pkg/logx"
)

// Supervisor owns goroutines ("units") tied to a shared context.
//   - Named units (for logging and status output)
//   - Panic recovery
//   - Optional cancel-on-first-error
//   - Timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	clock  clockwork.Clock

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*UnitStats
}

type Option func(*Supervisor)

// Counters exposes best-effort unit counters.
// These are operational signals only, never a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// UnitStats aggregates every unit started under the same name.
type UnitStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Units      []UnitStats `json:"units"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithClock replaces the wall clock used for stats and restart backoff.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// If enabled, the first non-nil error from any unit cancels the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		clock:  clockwork.NewRealClock(),
		doneCh: make(chan struct{}),
		stats:  map[string]*UnitStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	units := make([]UnitStats, 0, len(s.stats))
	for _, st := range s.stats {
		units = append(units, *st)
	}
	s.mu.Unlock()

	sort.Slice(units, func(i, j int) bool {
		if units[i].Active != units[j].Active {
			return units[i].Active > units[j].Active
		}
		if !units[i].LastStartAt.Equal(units[j].LastStartAt) {
			return units[i].LastStartAt.After(units[j].LastStartAt)
		}
		return units[i].Name < units[j].Name
	})
	snap.Units = units
	return snap
}

// track updates the aggregated stats of name under the lock.
func (s *Supervisor) track(name string, fn func(st *UnitStats, now time.Time)) time.Time {
	now := s.clock.Now()
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &UnitStats{Name: name}
		s.stats[name] = st
	}
	fn(st, now)
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	return s.track(name, func(st *UnitStats, now time.Time) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	s.track(name, func(st *UnitStats, now time.Time) {
		if st.Active > 0 {
			st.Active--
		}
		d := now.Sub(startedAt)
		st.LastStopAt = now
		st.LastRuntime = d
		st.TotalRuntime += d
		if err != nil {
			st.LastErr = err.Error()
			st.LastErrAt = now
		}
	})
}

func (s *Supervisor) notePanic(name string, p any) {
	s.track(name, func(st *UnitStats, now time.Time) {
		st.Panics++
		st.LastPanic = fmt.Sprint(p)
	})
}

// Go runs fn in a new unit. Returning context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		startedAt := s.noteStart(name, false)
		defer func() {
			if r := recover(); r != nil {
				s.notePanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				s.log.Error("unit panicked", logx.String("unit", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.noteStop(name, startedAt, err)
				s.fail(err)
			}
		}()

		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			s.fail(err)
			return
		}
		s.noteStop(name, startedAt, nil)
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	publishFirstErr bool
}

// WithRestartBackoff configures the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError makes GoRestart set Err on the first observed failure.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is cancelled. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	// The host unit gets a distinct name so the logical name is not double counted.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			startedAt := s.noteStart(name, restarts > 0)
			err := s.runGuarded(name, ctx, fn)

			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			if cfg.publishFirstErr {
				s.setErr(err)
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("unit gave up after restarts", logx.String("unit", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			// Long healthy runs reset the backoff.
			if s.clock.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(s.clock.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("unit restarting", logx.String("unit", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

func (s *Supervisor) runGuarded(name string, ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("unit panicked (restart)", logx.String("unit", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stop cancels the context and waits for every unit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every unit returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
