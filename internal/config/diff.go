package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gardend/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true, "http": true}

// SummarizeConfigChange returns the sorted list of changed top-level
// sections and safe attrs for logging. Secrets are reported only as
// set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Addr != nh.Addr || oh.AllowInsecure != nh.AllowInsecure || oh.Pprof != nh.Pprof ||
		oh.PprofPrefix != nh.PprofPrefix || oh.ReadTimeout != nh.ReadTimeout ||
		oh.WriteTimeout != nh.WriteTimeout || oh.IdleTimeout != nh.IdleTimeout || oh.Token != nh.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gardena, newCfg.Gardena) {
		changed = append(changed, "gardena")
		attrs = append(attrs,
			logx.String("gardena.base_url", newCfg.Gardena.BaseURL),
			logx.Bool("gardena.client_id_set", newCfg.Gardena.ClientID != ""),
			logx.Bool("gardena.api_key_set", newCfg.Gardena.APIKey != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.firing_timeout", newCfg.Scheduler.FiringTimeout))
	}
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.reconnect_delay", newCfg.Relay.ReconnectDelay),
			logx.String("relay.failure_delay", newCfg.Relay.FailureDelay),
		)
	}
	if oldCfg.Devices != newCfg.Devices {
		changed = append(changed, "devices")
		attrs = append(attrs, logx.String("devices.catalog_ttl", newCfg.Devices.CatalogTTL))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to sections that are not hot-applied.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
