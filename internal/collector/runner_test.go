package collector

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/config"
	"raspimon/internal/eventbus"
	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

var epoch = time.Date(2024, 3, 10, 13, 37, 0, 0, time.UTC)

type fakeCollector struct {
	calls atomic.Int32
	fn    func(n int32) ([]Sample, error)
}

func (f *fakeCollector) Name() string { return "fake" }

func (f *fakeCollector) Collect(ctx context.Context) ([]Sample, error) {
	return f.fn(f.calls.Add(1))
}

func TestRunnerPublishesReadings(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	col := &fakeCollector{fn: func(int32) ([]Sample, error) {
		return []Sample{{Name: "ip/public", Value: "1.2.3.4"}, {Name: "energy/output_power", Value: 42.0}}, nil
	}}
	r := NewRunner(col, RunnerConfig{Node: "n1", Policy: Every(time.Minute)}, nil, bus, clk, logx.Nop())
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"raspimon/n1/ip/public", "raspimon/n1/energy/output_power"}
	for _, topic := range want {
		select {
		case ev := <-ch:
			rd, ok := eventbus.AsReading(ev, "raspimon/n1/#")
			if !ok || rd.Topic != topic {
				t.Fatalf("got %q (%v), want %q", ev.Type, ok, topic)
			}
			if !rd.Time.Equal(epoch) {
				t.Fatalf("reading time = %v, want %v", rd.Time, epoch)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing reading %q", topic)
		}
	}

	st := r.Stats()
	if st.Runs != 1 || st.Published != 2 || st.Failures != 0 || st.LastErr != "" {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.Policy != "every 1m" {
		t.Fatalf("policy = %q", st.Policy)
	}
}

func TestRunnerRetriesWithinOccurrence(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	col := &fakeCollector{fn: func(n int32) ([]Sample, error) {
		if n < 3 {
			return nil, errors.New("flaky")
		}
		return []Sample{{Name: "x", Value: 1}}, nil
	}}
	r := NewRunner(col, RunnerConfig{
		Node:   "n1",
		Policy: Every(time.Minute),
		Retry:  RetryPolicy{Max: 2, Base: time.Second, MaxDelay: time.Second},
	}, nil, eventbus.New(), clk, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := clk.BlockUntilContext(ctx, 1); err != nil {
			cancel()
			t.Fatalf("retry %d never waited: %v", i+1, err)
		}
		cancel()
		clk.Advance(2 * time.Second)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if got := col.calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRunnerNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	bad := errors.New("bad payload")
	col := &fakeCollector{fn: func(int32) ([]Sample, error) { return nil, NoRetry(bad) }}
	r := NewRunner(col, RunnerConfig{Policy: Every(time.Minute), Retry: RetryPolicy{Max: 5}},
		nil, eventbus.New(), clockwork.NewFakeClockAt(epoch), logx.Nop())

	err := r.Run(context.Background())
	if !errors.Is(err, bad) || !IsNoRetry(err) {
		t.Fatalf("Run error = %v", err)
	}
	if got := col.calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if st := r.Stats(); st.Failures != 1 || st.LastErr == "" {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRunnerBreakerSkipsWhileOpen(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	fail := true
	col := &fakeCollector{fn: func(int32) ([]Sample, error) {
		if fail {
			return nil, NoRetry(errors.New("down"))
		}
		return nil, nil
	}}
	r := NewRunner(col, RunnerConfig{Policy: Every(time.Minute), Breaker: NewBreaker(2, time.Minute)},
		nil, eventbus.New(), clk, logx.Nop())

	ctx := context.Background()
	_ = r.Run(ctx)
	_ = r.Run(ctx)
	if st := r.Stats(); !st.Breaker.Open || st.Breaker.Failures != 2 {
		t.Fatalf("breaker should be open: %+v", st.Breaker)
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("skipped run returned %v", err)
	}
	if got := col.calls.Load(); got != 2 {
		t.Fatalf("collector called while circuit open: %d", got)
	}

	clk.Advance(time.Minute)
	fail = false
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run after cooldown: %v", err)
	}
	st := r.Stats()
	if st.Breaker.Open || st.Breaker.Failures != 0 || st.Skipped != 1 {
		t.Fatalf("unexpected stats after recovery: %+v", st)
	}
}

func TestRunnerSkipsOverlappingRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	col := &fakeCollector{fn: func(n int32) ([]Sample, error) {
		if n == 1 {
			close(started)
			<-release
		}
		return nil, nil
	}}
	r := NewRunner(col, RunnerConfig{Policy: Every(time.Minute)}, nil, eventbus.New(), clockwork.NewFakeClockAt(epoch), logx.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	<-started

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("overlapping Run: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if st := r.Stats(); st.Skipped != 1 || st.Runs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRunnerStartSchedulesInitialSample(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	s := scheduler.New(scheduler.Config{Name: "test", Clock: clk})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	ran := make(chan int32, 4)
	col := &fakeCollector{fn: func(n int32) ([]Sample, error) {
		ran <- n
		return nil, nil
	}}
	r := NewRunner(col, RunnerConfig{Policy: Boundary(time.Hour, 0), Initial: true}, s, eventbus.New(), clk, logx.Nop())
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sample never ran")
	}

	jobs := s.Snapshot().Jobs
	if len(jobs) != 1 || jobs[0].Name != "collect:fake" || !jobs[0].Next.Equal(epoch.Truncate(time.Hour).Add(time.Hour)) {
		t.Fatalf("pending jobs after initial sample: %+v", jobs)
	}
	r.Stop()
	if jobs := s.Snapshot().Jobs; len(jobs) != 1 || !jobs[0].Cancelled {
		t.Fatalf("repeating job not cancelled by Stop: %+v", jobs)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Base: time.Second, MaxDelay: 5 * time.Second}.withDefaults()
	tests := []struct {
		name  string
		retry int
		err   error
		want  time.Duration
	}{
		{"first", 0, errors.New("x"), time.Second},
		{"doubles", 2, errors.New("x"), 4 * time.Second},
		{"capped", 10, errors.New("x"), 5 * time.Second},
		{"retry after", 0, RetryAfter(errors.New("429"), 3*time.Second), 3 * time.Second},
		{"retry after capped", 0, RetryAfter(errors.New("429"), time.Hour), 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.delay(tt.retry, tt.err, nil); got != tt.want {
				t.Fatalf("delay = %s, want %s", got, tt.want)
			}
			rng := rand.New(rand.NewSource(1))
			got := p.delay(tt.retry, tt.err, rng)
			lo := time.Duration(float64(tt.want) * (1 - p.Jitter))
			hi := time.Duration(float64(tt.want) * (1 + p.Jitter))
			if got < lo || got > hi {
				t.Fatalf("jittered delay %s outside [%s, %s]", got, lo, hi)
			}
		})
	}
}

func TestBreakerBackoffAndReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(2, time.Minute)
	now := epoch
	boom := errors.New("boom")

	if b.Record(now, boom) {
		t.Fatal("first failure must not open")
	}
	if !b.Record(now, boom) {
		t.Fatal("second failure should open")
	}
	if ok, until := b.Allow(now.Add(30 * time.Second)); ok || !until.Equal(now.Add(time.Minute)) {
		t.Fatalf("Allow = %v until %v", ok, until)
	}

	// Third failure doubles the cooldown and does not report opening again.
	now = now.Add(time.Minute)
	if b.Record(now, boom) {
		t.Fatal("already open circuit reported as newly opened")
	}
	if _, until := b.Allow(now); !until.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("cooldown not doubled: %v", until)
	}

	// Old failures expire.
	now = now.Add(b.ResetAfter + time.Second)
	if ok, _ := b.Allow(now); !ok {
		t.Fatal("breaker should have reset")
	}
	if st := b.State(now); st.Failures != 0 || st.Open {
		t.Fatalf("state after reset: %+v", st)
	}

	var disabled *Breaker
	if ok, _ := disabled.Allow(now); !ok || disabled.Record(now, boom) {
		t.Fatal("nil breaker must be a no-op")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	t.Parallel()

	def := Boundary(5*time.Minute, 0)
	tests := []struct {
		name string
		in   config.ScheduleConfig
		want string
	}{
		{"default", config.ScheduleConfig{}, "boundary 5m"},
		{"every", config.ScheduleConfig{Every: "30s"}, "every 30s"},
		{"boundary offset", config.ScheduleConfig{Boundary: "1d", Offset: "21h"}, "boundary 1d+21h"},
		{"cron", config.ScheduleConfig{Cron: "0 */15 * * * *"}, "cron 0 */15 * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PolicyFromConfig("collectors.x.schedule", tt.in, def)
			if err != nil {
				t.Fatalf("PolicyFromConfig: %v", err)
			}
			if got := p.String(); got != tt.want {
				t.Fatalf("policy = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := PolicyFromConfig("collectors.x.schedule", config.ScheduleConfig{Every: "soon"}, def); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
