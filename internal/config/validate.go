package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate performs static checks that do not need any component. Component
// specific checks (cron syntax, routing names) run in the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := ParseDurationField("scheduler.stop_timeout", cfg.Scheduler.StopTimeout); err != nil {
		return err
	}

	c := cfg.Collectors
	if c.IPCheck != nil {
		if err := validateSchedule("collectors.ipcheck.schedule", c.IPCheck.Schedule); err != nil {
			return err
		}
	}
	if c.Prices != nil {
		if err := validateSchedule("collectors.prices.schedule", c.Prices.Schedule); err != nil {
			return err
		}
	}
	if c.Bandwidth != nil {
		if err := validateSchedule("collectors.bandwidth.schedule", c.Bandwidth.Schedule); err != nil {
			return err
		}
	}
	if c.SNMPMeter != nil {
		if err := validateSchedule("collectors.snmpmeter.schedule", c.SNMPMeter.Schedule); err != nil {
			return err
		}
		if c.SNMPMeter.Enabled && strings.TrimSpace(c.SNMPMeter.Target) == "" {
			return fmt.Errorf("%w: collectors.snmpmeter.target is required", ErrInvalidConfig)
		}
		if c.SNMPMeter.Port < 0 || c.SNMPMeter.Port > 65535 {
			return fmt.Errorf("%w: collectors.snmpmeter.port out of range", ErrInvalidConfig)
		}
		if _, err := ParseDurationField("collectors.snmpmeter.timeout", c.SNMPMeter.Timeout); err != nil {
			return err
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("%w: storage.driver %q (want file or sqlite)", ErrInvalidConfig, s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if d := cfg.DocStore; d != nil {
		switch strings.ToLower(strings.TrimSpace(d.Driver)) {
		case "", "memory":
		case "mongo":
			if strings.TrimSpace(d.URI) == "" {
				return fmt.Errorf("%w: docstore.uri is required for the mongo driver", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: docstore.driver %q (want mongo or memory)", ErrInvalidConfig, d.Driver)
		}
		if _, err := ParseDurationField("docstore.timeout", d.Timeout); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("hubs.points.flush", cfg.Hubs.Points.Flush); err != nil {
		return err
	}
	if _, err := ParseDurationField("hubs.series.period", cfg.Hubs.Series.Period); err != nil {
		return err
	}

	if s := cfg.MailLog.SMTP; s != nil {
		if strings.TrimSpace(s.Server) == "" || len(s.To) == 0 {
			return fmt.Errorf("%w: maillog.smtp needs server and to", ErrInvalidConfig)
		}
		if _, err := ParseDurationField("maillog.smtp.timeout", s.Timeout); err != nil {
			return err
		}
	}
	if t := cfg.MailLog.Telegram; t != nil && (strings.TrimSpace(t.Token) == "" || t.ChatID == 0) {
		return fmt.Errorf("%w: maillog.telegram needs token and chat_id", ErrInvalidConfig)
	}

	for _, f := range []struct{ path, raw string }{
		{"status.read_timeout", cfg.Status.ReadTimeout},
		{"status.write_timeout", cfg.Status.WriteTimeout},
		{"status.idle_timeout", cfg.Status.IdleTimeout},
		{"watchdog.interval", cfg.Watchdog.Interval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func validateSchedule(path string, s ScheduleConfig) error {
	n := 0
	for _, v := range []string{s.Every, s.Boundary, s.Cron} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%w: %s: every, boundary and cron are mutually exclusive", ErrInvalidConfig, path)
	}
	if strings.TrimSpace(s.Offset) != "" && strings.TrimSpace(s.Boundary) == "" {
		return fmt.Errorf("%w: %s: offset requires boundary", ErrInvalidConfig, path)
	}
	for _, f := range []struct{ key, raw string }{
		{"every", s.Every},
		{"boundary", s.Boundary},
		{"offset", s.Offset},
		{"timeout", s.Timeout},
		{"retry_base", s.RetryBase},
		{"breaker_cooldown", s.BreakerCooldown},
	} {
		if _, err := ParseDurationField(path+"."+f.key, f.raw); err != nil {
			return err
		}
	}
	if s.RetryMax < 0 || s.BreakerThreshold < 0 {
		return fmt.Errorf("%w: %s: retry_max and breaker_threshold must be >= 0", ErrInvalidConfig, path)
	}
	return nil
}
