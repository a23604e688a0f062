// Package watchdog reports liveness to systemd.
//
// READY=1 is sent once the node is up and STOPPING=1 when it shuts down.
// WATCHDOG=1 pings are a scheduler job, so a stuck dispatch loop stops the
// pings and lets systemd restart the unit.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"

	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

var ErrUnhealthy = errors.New("watchdog: scheduler is not healthy")

type Config struct {
	// Interval between pings. Zero uses half of WATCHDOG_USEC, or 30s when
	// the unit has no watchdog.
	Interval time.Duration
	Clock    clockwork.Clock
}

type Stats struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Pings    uint64        `json:"pings"`
	Missed   uint64        `json:"missed"`
	LastPing time.Time     `json:"last_ping"`
}

type Watchdog struct {
	cfg   Config
	sched *scheduler.Scheduler
	log   logx.Logger

	// notify and enabled are swappable in tests.
	notify  func(state string) (bool, error)
	enabled func() (time.Duration, error)

	mu     sync.Mutex
	handle scheduler.Handle
	stats  Stats
}

func New(cfg Config, sched *scheduler.Scheduler, log logx.Logger) *Watchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Watchdog{
		cfg:     cfg,
		sched:   sched,
		log:     log.With(logx.String("comp", "watchdog")),
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		enabled: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (w *Watchdog) interval() time.Duration {
	if w.cfg.Interval > 0 {
		return w.cfg.Interval
	}
	usec, err := w.enabled()
	if err != nil {
		w.log.Warn("invalid WATCHDOG_USEC", logx.Err(err))
	}
	if usec > 0 {
		return usec / 2
	}
	return 30 * time.Second
}

// Start sends READY=1 and registers the ping job.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.handle.IsZero() {
		return nil
	}

	sent, err := w.notify(daemon.SdNotifyReady)
	if err != nil {
		w.log.Warn("sd_notify READY failed", logx.Err(err))
	}
	iv := w.interval()
	h, err := w.sched.RepeatEvery(iv, w.Ping, scheduler.WithName("watchdog:ping"))
	if err != nil {
		return err
	}
	w.handle = h
	w.stats.Enabled = sent
	w.stats.Interval = iv
	w.log.Info("watchdog started", logx.Bool("systemd", sent), logx.Duration("interval", iv))
	return nil
}

// Ping sends WATCHDOG=1 while the scheduler is healthy. It is the
// scheduler job.
func (w *Watchdog) Ping(ctx context.Context) error {
	if !w.sched.Healthy() {
		w.mu.Lock()
		w.stats.Missed++
		w.mu.Unlock()
		return ErrUnhealthy
	}
	if _, err := w.notify(daemon.SdNotifyWatchdog); err != nil {
		w.mu.Lock()
		w.stats.Missed++
		w.mu.Unlock()
		return err
	}
	w.mu.Lock()
	w.stats.Pings++
	w.stats.LastPing = w.cfg.Clock.Now()
	w.mu.Unlock()
	return nil
}

// Stop cancels the ping job and sends STOPPING=1.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	h := w.handle
	w.handle = scheduler.Handle{}
	w.mu.Unlock()
	if h.IsZero() {
		return nil
	}
	w.sched.Cancel(h)
	if _, err := w.notify(daemon.SdNotifyStopping); err != nil {
		w.log.Warn("sd_notify STOPPING failed", logx.Err(err))
		return err
	}
	return nil
}

func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
