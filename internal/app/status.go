package app

import (
	"time"

	"raspimon/internal/collector"
	"raspimon/internal/config"
	"raspimon/internal/eventbus"
	"raspimon/internal/hub"
	"raspimon/internal/maillog"
	"raspimon/internal/observability/status"
	rtsup "raspimon/internal/runtime/supervisor"
	"raspimon/internal/task/scheduler"
	"raspimon/internal/watchdog"
)

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	var out status.Config
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return status.Config{}, err
	}
	// profile and trace stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	out.Enabled = sc.Enabled
	out.Addr = sc.Addr
	out.Prefix = sc.PprofPrefix
	out.Token = sc.Token
	out.AllowInsecure = sc.AllowInsecure
	return out, nil
}

// Report is the /status document.
type Report struct {
	Node       string             `json:"node"`
	Started    time.Time          `json:"started"`
	Uptime     string             `json:"uptime"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Supervisor *rtsup.Snapshot    `json:"supervisor,omitempty"`
	Collectors []collector.Stats  `json:"collectors"`
	Points     *hub.PointStats    `json:"points,omitempty"`
	Series     *hub.SeriesStats   `json:"series,omitempty"`
	MailLog    *maillog.Stats     `json:"maillog,omitempty"`
	Watchdog   *watchdog.Stats    `json:"watchdog,omitempty"`
	Bus        *eventbus.Stats    `json:"bus,omitempty"`
}

// Status implements status.Reporter.
func (a *App) Status() any {
	now := a.clock.Now()
	r := Report{
		Node:       a.node,
		Started:    a.started,
		Uptime:     scheduler.FormatDuration(now.Sub(a.started).Truncate(time.Second)),
		Scheduler:  a.sched.Snapshot(),
		Collectors: make([]collector.Stats, 0, len(a.runners)),
	}
	if a.sup != nil {
		s := a.sup.Snapshot()
		r.Supervisor = &s
	}
	for _, run := range a.runners {
		r.Collectors = append(r.Collectors, run.Stats())
	}
	if a.points != nil {
		s := a.points.Stats()
		r.Points = &s
	}
	if a.series != nil {
		s := a.series.Stats()
		r.Series = &s
	}
	if a.mail != nil {
		s := a.mail.Stats()
		r.MailLog = &s
	}
	if a.wd != nil {
		s := a.wd.Stats()
		r.Watchdog = &s
	}
	if s, ok := eventbus.StatsOf(a.bus); ok {
		r.Bus = &s
	}
	return r
}

// Healthy implements status.Reporter.
func (a *App) Healthy() bool { return a.sched.Healthy() }
