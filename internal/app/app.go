package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/collector"
	"raspimon/internal/config"
	"raspimon/internal/eventbus"
	"raspimon/internal/hub"
	"raspimon/internal/maillog"
	"raspimon/internal/observability/status"
	rtsup "raspimon/internal/runtime/supervisor"
	"raspimon/internal/storage"
	"raspimon/internal/storage/docstore"
	"raspimon/internal/task/scheduler"
	"raspimon/internal/watchdog"
	logx "raspimon/pkg/logx"
)

const defaultSchedulerStop = 3 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	node    string
	started time.Time
	loc     *time.Location
	clock   clockwork.Clock

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sched  *scheduler.Scheduler
	store  storage.Store
	docs   docstore.Store
	points *hub.PointHub
	series *hub.SeriesHub
	mail   *maillog.Server

	runners []*collector.Runner
	wd      *watchdog.Watchdog
	status  *status.Service

	// schedStop bounds the scheduler's wait for in-flight jobs on Stop.
	schedStop time.Duration
}

// NewApp loads the config and builds every component. Stores are opened
// here; nothing is scheduled until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	a := &App{
		cfgm:  cfgm,
		logs:  logs,
		log:   log.With(logx.String("comp", "app")),
		bus:   eventbus.New(),
		clock: clockwork.NewRealClock(),
		loc:   time.UTC,
		node:  nodeID(cfg.Node.ID, net.Interfaces),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeStores(context.Background())
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		a.loc = loc
	}

	stop, err := config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, defaultSchedulerStop)
	if err != nil {
		return err
	}
	a.schedStop = stop
	a.sched = scheduler.New(scheduler.Config{
		Name:     "raspimon",
		Clock:    a.clock,
		Location: a.loc,
		Logger:   log.With(logx.String("comp", "scheduler")),
		Bus:      a.bus,
	})

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	if dc, enabled, err := mapDocStoreConfig(cfg); err != nil {
		return err
	} else if enabled {
		ds, err := docstore.Open(ctx, dc, log)
		if err != nil {
			return err
		}
		a.docs = ds
		a.log.Info("docstore enabled", logx.String("driver", dc.Driver))
	}

	// Hubs
	if hc := cfg.Hubs.Points; hc.Enabled {
		if a.store == nil {
			return errors.New("hubs.points needs storage")
		}
		flush, err := config.ParseDurationField("hubs.points.flush", hc.Flush)
		if err != nil {
			return err
		}
		a.points = hub.NewPointHub(hub.PointConfig{Pattern: hc.Pattern, Flush: flush, Clock: a.clock}, a.store, a.bus, a.sched, log)
	}
	if hc := cfg.Hubs.Series; hc.Enabled {
		if a.docs == nil {
			return errors.New("hubs.series needs docstore")
		}
		period, err := config.ParseDurationField("hubs.series.period", hc.Period)
		if err != nil {
			return err
		}
		a.series = hub.NewSeriesHub(hub.SeriesConfig{Pattern: hc.Pattern, Period: period, Clock: a.clock}, a.docs, a.bus, a.sched, log)
	}

	// Mail logging
	if mc := cfg.MailLog; mc.Enabled {
		sender, err := mapMailSender(mc, log)
		if err != nil {
			return err
		}
		routing, sendEmpty, err := mapMailRouting(mc)
		if err != nil {
			return err
		}
		a.mail = maillog.NewServer(maillog.Config{
			Node:      a.node,
			Hostname:  cfg.Node.Hostname,
			Routing:   routing,
			SendEmpty: sendEmpty,
			Clock:     a.clock,
		}, sender, a.sched, log)
	}

	// Collectors
	specs, err := mapCollectors(cfg, a.loc, log)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		rc, err := mapRunnerConfig(a.node, spec)
		if err != nil {
			return err
		}
		a.runners = append(a.runners, collector.NewRunner(spec.col, rc, a.sched, a.bus, a.clock, log))
	}

	if wc := cfg.Watchdog; wc.Enabled {
		iv, err := config.ParseDurationField("watchdog.interval", wc.Interval)
		if err != nil {
			return err
		}
		a.wd = watchdog.New(watchdog.Config{Interval: iv, Clock: a.clock}, a.sched, log)
	}

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return err
	}
	a.status = status.New(stc, a, log)
	return nil
}

// Node is the id used in topics and mail subjects.
func (a *App) Node() string { return a.node }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = a.clock.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	// Consumers first, so no early reading is lost.
	if a.points != nil {
		if err := a.points.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.series != nil {
		if err := a.series.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.mail != nil {
		if err := a.mail.Start(a.sup.Context()); err != nil {
			return err
		}
		a.logs.SetSink(a.mail)
	}

	for _, r := range a.runners {
		if err := r.Start(); err != nil {
			return err
		}
	}

	if a.wd != nil {
		if err := a.wd.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.status.Start(a.sup.Context())

	a.watchFailures()
	a.watchConfig()

	a.log.Info("app started",
		logx.String("node", a.node),
		logx.Int("collectors", len(a.runners)),
		logx.Bool("maillog", a.mail != nil),
	)
	return nil
}

// watchFailures logs failed job events published by the scheduler.
func (a *App) watchFailures() {
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.failures", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != scheduler.EventJobFailed {
					continue
				}
				var je *scheduler.JobExecutionError
				if err, ok := e.Data.(error); ok && errors.As(err, &je) {
					a.log.Debug("job failed", logx.String("job", je.Name), logx.Bool("panic", je.Panic != nil), logx.Err(je.Err))
				}
			}
		}
	})
}

// watchConfig applies hot sections of reloaded configs.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next.Logging))

	if a.mail != nil {
		if routing, sendEmpty, err := mapMailRouting(next.MailLog); err != nil {
			a.log.Warn("invalid maillog routing; keeping previous", logx.Err(err))
		} else {
			a.mail.SetRouting(routing)
			a.mail.SetSendEmpty(sendEmpty)
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// ValidateConfig runs config.Validate plus the checks that need component
// vocabularies. check-config and the reload validator both use it.
func ValidateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	if err := validateCollectors(cfg, loc); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDocStoreConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMailRouting(cfg.MailLog); err != nil {
		return err
	}
	_, err := mapStatusConfig(cfg)
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("watchdog", time.Second, func(c context.Context) error {
		if a.wd != nil {
			return a.wd.Stop(c)
		}
		return nil
	})
	step("collectors", time.Second, func(context.Context) error {
		for _, r := range a.runners {
			r.Stop()
		}
		return nil
	})
	// Hubs flush what they hold, so stores must still be open.
	step("hubs", 5*time.Second, func(c context.Context) error {
		var errs []error
		if a.points != nil {
			errs = append(errs, a.points.Stop(c))
		}
		if a.series != nil {
			errs = append(errs, a.series.Stop(c))
		}
		return errors.Join(errs...)
	})
	step("maillog", 10*time.Second, func(c context.Context) error {
		if a.mail == nil {
			return nil
		}
		a.logs.SetSink(nil)
		return a.mail.Stop(c)
	})
	// Every component that submits jobs is stopped by now.
	step("scheduler", a.schedStop, a.sched.Stop)
	step("storage", 2*time.Second, func(c context.Context) error { return a.closeStores(c) })

	// cancel the run context, then wait for supervised goroutines (config watch/reload, events)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.docs != nil {
		errs = append(errs, a.docs.Close(ctx))
	}
	return errors.Join(errs...)
}
