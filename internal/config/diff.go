package config

import (
	"reflect"
	"sort"
	"strings"

	logx "raspimon/pkg/logx"
)

// HotSections are applied on reload; every other section needs a restart.
var HotSections = map[string]bool{
	"logging": true,
	"maillog": true,
}

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (passwords, tokens) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Node, newCfg.Node) {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.id", strings.TrimSpace(newCfg.Node.ID)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Collectors, newCfg.Collectors) {
		changed = append(changed, "collectors")
		attrs = append(attrs, logx.Int("collectors.enabled_count", countCollectors(newCfg.Collectors)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.DocStore, newCfg.DocStore) {
		changed = append(changed, "docstore")
		var driver string
		if newCfg.DocStore != nil {
			driver = strings.TrimSpace(newCfg.DocStore.Driver)
		}
		// The URI may embed credentials.
		attrs = append(attrs, logx.String("docstore.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Hubs, newCfg.Hubs) {
		changed = append(changed, "hubs")
		attrs = append(attrs,
			logx.Bool("hubs.points", newCfg.Hubs.Points.Enabled),
			logx.Bool("hubs.series", newCfg.Hubs.Series.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.MailLog, newCfg.MailLog) {
		changed = append(changed, "maillog")
		attrs = append(attrs,
			logx.Bool("maillog.enabled", newCfg.MailLog.Enabled),
			logx.Int("maillog.routing_overrides", len(newCfg.MailLog.Routing)),
			logx.Bool("maillog.smtp_set", newCfg.MailLog.SMTP != nil),
			logx.Bool("maillog.telegram_set", newCfg.MailLog.Telegram != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.allow_insecure", newCfg.Status.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watchdog, newCfg.Watchdog) {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that a reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func countCollectors(c CollectorsConfig) int {
	n := 0
	if c.IPCheck != nil && c.IPCheck.Enabled {
		n++
	}
	if c.Prices != nil && c.Prices.Enabled {
		n++
	}
	if c.Bandwidth != nil && c.Bandwidth.Enabled {
		n++
	}
	if c.SNMPMeter != nil && c.SNMPMeter.Enabled {
		n++
	}
	return n
}
