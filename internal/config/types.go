package config

// Config is the on-disk configuration of a monitoring node.
//
// All durations are compact literals ("500", "30s", "5m", "1h", "1d", "1w");
// a bare integer is milliseconds. See scheduler.ParseDuration.
type Config struct {
	Node       NodeConfig       `json:"node"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Collectors CollectorsConfig `json:"collectors"`

	// Storage and DocStore are optional; nil disables them.
	Storage  *StorageConfig  `json:"storage,omitempty"`
	DocStore *DocStoreConfig `json:"docstore,omitempty"`

	Hubs     HubsConfig     `json:"hubs"`
	MailLog  MailLogConfig  `json:"maillog"`
	Status   StatusConfig   `json:"status,omitempty"`
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`
}

// NodeConfig identifies this node in topics and mail subjects.
// An empty ID falls back to the hex MAC address of the first non-loopback
// interface.
type NodeConfig struct {
	ID       string `json:"id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward feeds log records into the mail logger.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the temporal engine.
type SchedulerConfig struct {
	// Timezone is used to evaluate cron expressions. Boundaries are always UTC.
	Timezone string `json:"timezone,omitempty"`
	// StopTimeout bounds how long shutdown waits for in-flight jobs.
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// ScheduleConfig binds a collector to exactly one re-arm policy.
//
//	{"every": "1m"}
//	{"boundary": "1d", "offset": "21h"}
//	{"cron": "0 */15 * * * *"}
type ScheduleConfig struct {
	Every    string `json:"every,omitempty"`
	Boundary string `json:"boundary,omitempty"`
	Offset   string `json:"offset,omitempty"`
	Cron     string `json:"cron,omitempty"`

	// Initial takes one sample right after start, before the first occurrence.
	Initial bool `json:"initial,omitempty"`
	// Timeout bounds a single collection attempt. Default 1m.
	Timeout string `json:"timeout,omitempty"`

	RetryMax         int    `json:"retry_max,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`
}

type CollectorsConfig struct {
	IPCheck   *IPCheckConfig   `json:"ipcheck,omitempty"`
	Prices    *PricesConfig    `json:"prices,omitempty"`
	Bandwidth *BandwidthConfig `json:"bandwidth,omitempty"`
	SNMPMeter *SNMPMeterConfig `json:"snmpmeter,omitempty"`
}

type IPCheckConfig struct {
	Enabled  bool           `json:"enabled"`
	Schedule ScheduleConfig `json:"schedule"`
	// PublicURL returns the public address as plain text.
	PublicURL string `json:"public_url,omitempty"`
	// ProbeAddr is dialed over UDP to learn the outbound private address.
	// No packet is sent.
	ProbeAddr string `json:"probe_addr,omitempty"`
}

type PricesConfig struct {
	Enabled  bool           `json:"enabled"`
	Schedule ScheduleConfig `json:"schedule"`
	// URL is a format string receiving the day as YYYYMMDD.
	URL string `json:"url,omitempty"`
	// DayOffset is 0 for today and 1 (the default) for tomorrow.
	DayOffset *int     `json:"day_offset,omitempty"`
	Tariffs   []string `json:"tariffs,omitempty"`
}

type BandwidthConfig struct {
	Enabled    bool           `json:"enabled"`
	Schedule   ScheduleConfig `json:"schedule"`
	ServerIDs  []int          `json:"server_ids,omitempty"`
	SkipUpload bool           `json:"skip_upload,omitempty"`
}

type SNMPMeterConfig struct {
	Enabled   bool           `json:"enabled"`
	Schedule  ScheduleConfig `json:"schedule"`
	Target    string         `json:"target"`
	Port      int            `json:"port,omitempty"`
	Community string         `json:"community,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`
	// OIDs maps a metric name to a numeric OID. Empty selects UPS-MIB output
	// power, voltage and load.
	OIDs map[string]string `json:"oids,omitempty"`
}

// StorageConfig controls the point store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./raspimon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DocStoreConfig controls the series document store.
type DocStoreConfig struct {
	Driver     string `json:"driver"` // mongo | memory
	URI        string `json:"uri,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type HubsConfig struct {
	Points PointHubConfig  `json:"points"`
	Series SeriesHubConfig `json:"series"`
}

type PointHubConfig struct {
	Enabled bool   `json:"enabled"`
	Pattern string `json:"pattern,omitempty"`
	Flush   string `json:"flush,omitempty"`
}

type SeriesHubConfig struct {
	Enabled bool   `json:"enabled"`
	Pattern string `json:"pattern,omitempty"`
	Period  string `json:"period,omitempty"`
}

// MailLogConfig controls the mail logging transport.
type MailLogConfig struct {
	Enabled bool `json:"enabled"`
	// Routing overrides the level to schedule map, e.g. {"INFO": "HOURLY"}.
	Routing   map[string]string `json:"routing,omitempty"`
	SendEmpty *bool             `json:"send_empty,omitempty"`

	SMTP     *SMTPConfig     `json:"smtp,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type SMTPConfig struct {
	Server   string   `json:"server"`
	Port     int      `json:"port"`
	User     string   `json:"user"`
	Password string   `json:"password"` // never logged
	From     string   `json:"from"`
	To       []string `json:"to"`
	Timeout  string   `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StatusConfig controls the optional status/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// WatchdogConfig controls systemd notifications. Interval defaults to half of
// WATCHDOG_USEC when the unit sets one.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}
