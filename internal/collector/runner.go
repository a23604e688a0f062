package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/eventbus"
	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

// Sample is one value produced by a collector. Name is relative to the node
// topic, e.g. "ip/public".
type Sample struct {
	Name  string
	Value any
}

// Collector samples one data source.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]Sample, error)
}

// RunnerConfig binds a collector to the scheduler.
type RunnerConfig struct {
	Node    string
	Policy  Policy
	Initial bool
	Timeout time.Duration
	Retry   RetryPolicy
	Breaker *Breaker
}

// Stats are the per-collector counters shown in status output.
type Stats struct {
	Name        string        `json:"name"`
	Policy      string        `json:"policy"`
	Runs        uint64        `json:"runs"`
	Failures    uint64        `json:"failures"`
	Skipped     uint64        `json:"skipped"`
	Published   uint64        `json:"published"`
	LastRun     time.Time     `json:"last_run"`
	LastSuccess time.Time     `json:"last_success"`
	LastErr     string        `json:"last_err,omitempty"`
	Breaker     BreakerState  `json:"breaker"`
	LastTook    time.Duration `json:"last_took"`
}

// Runner runs a Collector on its policy and publishes the samples on the bus
// as readings. A failing run is retried inside the same occurrence only.
type Runner struct {
	col   Collector
	cfg   RunnerConfig
	sched *scheduler.Scheduler
	bus   eventbus.Bus
	log   logx.Logger
	clock clockwork.Clock

	inflight atomic.Bool

	mu      sync.Mutex
	handles []scheduler.Handle
	stats   Stats
	rng     *rand.Rand
}

func NewRunner(col Collector, cfg RunnerConfig, sched *scheduler.Scheduler, bus eventbus.Bus, clock clockwork.Clock, log logx.Logger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Runner{
		col:   col,
		cfg:   cfg,
		sched: sched,
		bus:   bus,
		clock: clock,
		log:   log.With(logx.String("comp", col.Name())),
		stats: Stats{Name: col.Name(), Policy: cfg.Policy.String()},
		rng:   rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

func (r *Runner) Name() string { return r.col.Name() }

// Start registers the repeating job and, when configured, one immediate sample.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) > 0 {
		return nil
	}
	name := "collect:" + r.col.Name()
	h, err := r.cfg.Policy.Submit(r.sched, r.Run, scheduler.WithName(name))
	if err != nil {
		return fmt.Errorf("%s: %w", r.col.Name(), err)
	}
	r.handles = append(r.handles, h)
	if r.cfg.Initial {
		h0, err := r.sched.OnceAfter(0, r.Run, scheduler.WithName(name+".initial"))
		if err != nil {
			return fmt.Errorf("%s: %w", r.col.Name(), err)
		}
		r.handles = append(r.handles, h0)
	}
	r.log.Info("collector scheduled", logx.String("policy", r.cfg.Policy.String()), logx.Bool("initial", r.cfg.Initial))
	return nil
}

// Stop cancels future occurrences. A run already in flight completes.
func (r *Runner) Stop() {
	r.mu.Lock()
	hs := r.handles
	r.handles = nil
	r.mu.Unlock()
	for _, h := range hs {
		r.sched.Cancel(h)
	}
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Breaker = r.cfg.Breaker.State(r.clock.Now())
	return st
}

// Run is the scheduler job: one occurrence with bounded retries.
func (r *Runner) Run(ctx context.Context) error {
	if !r.inflight.CompareAndSwap(false, true) {
		r.bump(func(st *Stats) { st.Skipped++ })
		r.log.Debug("collector busy; occurrence skipped")
		return nil
	}
	defer r.inflight.Store(false)

	now := r.clock.Now()
	if ok, until := r.cfg.Breaker.Allow(now); !ok {
		r.bump(func(st *Stats) { st.Skipped++ })
		r.log.Debug("collector circuit open; occurrence skipped", logx.Time("until", until))
		return nil
	}

	start := now
	samples, err := r.collectWithRetry(ctx)
	took := r.clock.Since(start)
	opened := r.cfg.Breaker.Record(r.clock.Now(), err)

	if err != nil {
		r.bump(func(st *Stats) {
			st.Runs++
			st.Failures++
			st.LastRun = start
			st.LastErr = err.Error()
			st.LastTook = took
		})
		if opened {
			r.log.Warn("collector circuit opened", logx.Alert(), logx.Err(err))
		}
		return err
	}

	ts := r.clock.Now()
	for _, s := range samples {
		eventbus.PublishReading(r.bus, eventbus.Reading{
			Topic: eventbus.Topic(r.cfg.Node, s.Name),
			Time:  ts,
			Value: s.Value,
		})
	}
	r.bump(func(st *Stats) {
		st.Runs++
		st.Published += uint64(len(samples))
		st.LastRun = start
		st.LastSuccess = ts
		st.LastErr = ""
		st.LastTook = took
	})
	r.log.Debug("collected", logx.Int("samples", len(samples)), logx.Duration("took", took))
	return nil
}

func (r *Runner) collectWithRetry(ctx context.Context) ([]Sample, error) {
	var err error
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		var samples []Sample
		samples, err = r.col.Collect(actx)
		cancel()
		if err == nil {
			return samples, nil
		}
		if IsNoRetry(err) || attempt >= r.cfg.Retry.Max || ctx.Err() != nil {
			return nil, err
		}

		r.mu.Lock()
		delay := r.cfg.Retry.delay(attempt, err, r.rng)
		r.mu.Unlock()
		r.log.Debug("collector retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-r.clock.After(delay):
		}
	}
}

func (r *Runner) bump(fn func(st *Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
