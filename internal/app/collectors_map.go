package app

import (
	"fmt"
	"strings"
	"time"

	"raspimon/internal/collector"
	"raspimon/internal/collector/bandwidth"
	"raspimon/internal/collector/ipcheck"
	"raspimon/internal/collector/prices"
	"raspimon/internal/collector/snmpmeter"
	"raspimon/internal/config"
	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

// Default policies per collector.
var (
	defaultIPCheckPolicy   = collector.Boundary(scheduler.MustParseDuration("5m"), 0)
	defaultPricesPolicy    = collector.Boundary(scheduler.MustParseDuration("1d"), scheduler.MustParseDuration("21h"))
	defaultBandwidthPolicy = collector.Boundary(scheduler.MustParseDuration("1h"), scheduler.MustParseDuration("30m"))
	defaultSNMPPolicy      = collector.Every(scheduler.MustParseDuration("1m"))
)

type collectorSpec struct {
	col     collector.Collector
	path    string
	sched   config.ScheduleConfig
	defPol  collector.Policy
	initial bool
}

// mapCollectors builds every enabled collector. loc is used by calendar
// based collectors.
func mapCollectors(cfg *config.Config, loc *time.Location, log logx.Logger) ([]collectorSpec, error) {
	var out []collectorSpec
	c := cfg.Collectors

	if ic := c.IPCheck; ic != nil && ic.Enabled {
		out = append(out, collectorSpec{
			col:    ipcheck.New(ipcheck.Config{PublicURL: ic.PublicURL, ProbeAddr: ic.ProbeAddr}, log),
			path:   "collectors.ipcheck.schedule",
			sched:  ic.Schedule,
			defPol: defaultIPCheckPolicy,
		})
	}
	if pc := c.Prices; pc != nil && pc.Enabled {
		out = append(out, collectorSpec{
			col: prices.New(prices.Config{
				URL:       pc.URL,
				DayOffset: pc.DayOffset,
				Tariffs:   pc.Tariffs,
				Location:  loc,
			}, log),
			path:   "collectors.prices.schedule",
			sched:  pc.Schedule,
			defPol: defaultPricesPolicy,
		})
	}
	if bc := c.Bandwidth; bc != nil && bc.Enabled {
		out = append(out, collectorSpec{
			col:    bandwidth.New(bandwidth.Config{ServerIDs: bc.ServerIDs, SkipUpload: bc.SkipUpload}, log),
			path:   "collectors.bandwidth.schedule",
			sched:  bc.Schedule,
			defPol: defaultBandwidthPolicy,
		})
	}
	if sc := c.SNMPMeter; sc != nil && sc.Enabled {
		timeout, err := config.ParseDurationField("collectors.snmpmeter.timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, collectorSpec{
			col: snmpmeter.New(snmpmeter.Config{
				Target:    strings.TrimSpace(sc.Target),
				Port:      uint16(sc.Port),
				Community: sc.Community,
				Timeout:   timeout,
				OIDs:      sc.OIDs,
			}, log),
			path:   "collectors.snmpmeter.schedule",
			sched:  sc.Schedule,
			defPol: defaultSNMPPolicy,
		})
	}

	for i := range out {
		out[i].initial = out[i].sched.Initial
	}
	return out, nil
}

func mapRunnerConfig(node string, spec collectorSpec) (collector.RunnerConfig, error) {
	s := spec.sched
	pol, err := collector.PolicyFromConfig(spec.path, s, spec.defPol)
	if err != nil {
		return collector.RunnerConfig{}, err
	}
	timeout, err := config.ParseDurationField(spec.path+".timeout", s.Timeout)
	if err != nil {
		return collector.RunnerConfig{}, err
	}
	base, err := config.ParseDurationField(spec.path+".retry_base", s.RetryBase)
	if err != nil {
		return collector.RunnerConfig{}, err
	}
	cooldown, err := config.ParseDurationField(spec.path+".breaker_cooldown", s.BreakerCooldown)
	if err != nil {
		return collector.RunnerConfig{}, err
	}

	rc := collector.RunnerConfig{
		Node:    node,
		Policy:  pol,
		Initial: spec.initial,
		Timeout: timeout,
		Retry:   collector.RetryPolicy{Max: s.RetryMax, Base: base},
	}
	if s.BreakerThreshold > 0 {
		rc.Breaker = collector.NewBreaker(s.BreakerThreshold, cooldown)
	}
	return rc, nil
}

// validateCollectors runs the checks that need the scheduler vocabulary,
// such as cron syntax and boundary offsets.
func validateCollectors(cfg *config.Config, loc *time.Location) error {
	specs, err := mapCollectors(cfg, loc, logx.Nop())
	if err != nil {
		return err
	}
	for _, spec := range specs {
		rc, err := mapRunnerConfig("", spec)
		if err != nil {
			return err
		}
		if err := validatePolicy(spec.path, rc.Policy); err != nil {
			return err
		}
	}
	return nil
}

// validatePolicy rejects what the scheduler would refuse at submit time.
func validatePolicy(path string, p collector.Policy) error {
	switch p.Kind {
	case scheduler.PolicyCron:
		if err := scheduler.ValidateCron(p.Cron); err != nil {
			return fmt.Errorf("%s.cron: %w", path, err)
		}
	case scheduler.PolicyEvery:
		if p.Every.Milliseconds() <= 0 {
			return fmt.Errorf("%s.every: %w: must be at least 1ms", path, scheduler.ErrInvalidDuration)
		}
	case scheduler.PolicyBoundary:
		if p.Period.Milliseconds() <= 0 {
			return fmt.Errorf("%s.boundary: %w: must be at least 1ms", path, scheduler.ErrInvalidDuration)
		}
		if p.Offset < 0 || p.Offset.Milliseconds() >= p.Period.Milliseconds() {
			return fmt.Errorf("%s.offset: %w: %s not in [0, %s)", path, scheduler.ErrInvalidOffset,
				scheduler.FormatDuration(p.Offset), scheduler.FormatDuration(p.Period))
		}
	}
	return nil
}
