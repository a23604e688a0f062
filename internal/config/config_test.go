package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
node:
  id: b827eb000001
logging:
  level: info
  console: true
scheduler:
  timezone: Europe/Madrid
collectors:
  ipcheck:
    enabled: true
    schedule:
      boundary: 5m
  prices:
    enabled: true
    schedule:
      boundary: 1d
      offset: 21h
storage:
  driver: sqlite
  path: ./raspimon.db
hubs:
  series:
    enabled: true
    period: 1h
maillog:
  enabled: true
  routing:
    INFO: HOURLY
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("raspimon.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if cfg.Node.ID != "b827eb000001" || cfg.Collectors.Prices.Schedule.Offset != "21h" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MailLog.Routing["INFO"] != "HOURLY" {
		t.Fatalf("routing=%v", cfg.MailLog.Routing)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	j := `{"node":{"id":"n1"},"hubs":{"points":{"enabled":true,"flush":"1m"}}}`
	cfg, err = Decode("raspimon.json", []byte(j))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if !cfg.Hubs.Points.Enabled || cfg.Hubs.Points.Flush != "1m" {
		t.Fatalf("hubs=%+v", cfg.Hubs)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown field":  `{"node":{"id":"n1"},"plugins":{}}`,
		"trailing data":  `{"node":{"id":"n1"}}{"node":{}}`,
		"nested unknown": `{"collectors":{"ipcheck":{"interval":"5m"}}}`,
	}
	for name, in := range cases {
		if _, err := Decode("c.json", []byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Decode("c.yml", []byte("node: [unclosed")); err == nil {
		t.Fatalf("bad yaml: expected error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "empty is valid", mutate: func(*Config) {}},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "two policies", mutate: func(c *Config) {
			c.Collectors.IPCheck = &IPCheckConfig{Schedule: ScheduleConfig{Every: "1m", Cron: "@hourly"}}
		}, wantErr: true},
		{name: "offset without boundary", mutate: func(c *Config) {
			c.Collectors.Prices = &PricesConfig{Schedule: ScheduleConfig{Every: "1d", Offset: "21h"}}
		}, wantErr: true},
		{name: "go style duration rejected", mutate: func(c *Config) {
			c.Collectors.Bandwidth = &BandwidthConfig{Schedule: ScheduleConfig{Every: "1h30m"}}
		}, wantErr: true},
		{name: "compact durations accepted", mutate: func(c *Config) {
			c.Collectors.Bandwidth = &BandwidthConfig{Schedule: ScheduleConfig{Boundary: "1h", Offset: "30m", Timeout: "2m"}}
		}},
		{name: "snmp needs target", mutate: func(c *Config) {
			c.Collectors.SNMPMeter = &SNMPMeterConfig{Enabled: true}
		}, wantErr: true},
		{name: "unknown storage driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "influx"} }, wantErr: true},
		{name: "mongo needs uri", mutate: func(c *Config) { c.DocStore = &DocStoreConfig{Driver: "mongo"} }, wantErr: true},
		{name: "telegram needs chat", mutate: func(c *Config) { c.MailLog.Telegram = &TelegramConfig{Token: "x"} }, wantErr: true},
		{name: "bad watchdog interval", mutate: func(c *Config) { c.Watchdog.Interval = "soon" }, wantErr: true},
	}
	for _, tc := range cases {
		cfg := &Config{}
		tc.mutate(cfg)
		err := Validate(cfg)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
	if err := Validate(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate(nil)=%v", err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("empty: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "1d", time.Minute)
	if err != nil || d != 24*time.Hour {
		t.Fatalf("1d: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("hubs.points.flush", "5x", time.Minute); err == nil ||
		!strings.Contains(err.Error(), "hubs.points.flush") {
		t.Fatalf("expected path in error, got %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{MailLog: MailLogConfig{Telegram: &TelegramConfig{Token: "a", ChatID: 1}}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "file"},
		MailLog: MailLogConfig{Telegram: &TelegramConfig{Token: "b", ChatID: 1}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "maillog", "storage"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed=%v want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RestartRequired(changed); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("RestartRequired=%v", got)
	}

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "raspimon.json")
	if err := os.WriteFile(path, []byte(`{"node":{"id":"n1"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Node.ID == "rejected" {
			return errors.New("no")
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher may not be registered yet; rewrite until a publish shows up.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Node.ID != "n2" {
				t.Fatalf("published node id %q", cfg.Node.ID)
			}
			if m.Get().Node.ID != "n2" {
				t.Fatalf("published config not committed")
			}
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte(`{"node":{"id":"rejected"}}`), 0o644)
			_ = os.WriteFile(path, []byte(`{"node":{"id":"n2"}}`), 0o644)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestFormatOf(t *testing.T) {
	t.Parallel()

	tests := map[string]Format{
		"raspimon.yaml":      FormatYAML,
		"/etc/raspimon.YML":  FormatYAML,
		"raspimon.json":      FormatJSON,
		"raspimon":           FormatJSON,
		"conf.d/node.yaml.1": FormatJSON,
	}
	for path, want := range tests {
		if got := FormatOf(path); got != want {
			t.Fatalf("FormatOf(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestCanonicalJSONStringifiesKeys(t *testing.T) {
	t.Parallel()

	got, err := canonicalJSON(FormatYAML, []byte("oids:\n  1: a\n  true: b\nlist:\n  - {2: c}\n"))
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	want := `{"list":[{"2":"c"}],"oids":{"1":"a","true":"b"}}`
	if string(got) != want {
		t.Fatalf("canonicalJSON = %s, want %s", got, want)
	}

	raw := []byte(`{"node":{}}`)
	if got, _ := canonicalJSON(FormatJSON, raw); string(got) != string(raw) {
		t.Fatalf("json passthrough = %s", got)
	}
}
