package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reverie/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, api keys) never appear in
// the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}

	if oldCfg.GenAI.BaseURL != newCfg.GenAI.BaseURL ||
		oldCfg.GenAI.Model != newCfg.GenAI.Model ||
		oldCfg.GenAI.APIKey != newCfg.GenAI.APIKey ||
		oldCfg.GenAI.Timeout != newCfg.GenAI.Timeout {
		changed = append(changed, "genai")
		attrs = append(attrs,
			logx.String("genai.model", newCfg.GenAI.Model),
			logx.String("genai.base_url", newCfg.GenAI.BaseURL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Research, newCfg.Research) {
		changed = append(changed, "research")
		attrs = append(attrs, logx.Int("research.symbols", len(newCfg.Research.Symbols)))
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.poll_interval", newCfg.Engine.PollInterval),
			logx.Int("engine.batch_size", newCfg.Engine.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Int("notify.per_user_hourly", newCfg.Notify.PerUserHourly),
			logx.Float64("notify.global_rate", newCfg.Notify.GlobalRate),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.listen", newCfg.API.Listen),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.Int("sessions.overrides", len(newCfg.Sessions)))
	}

	sort.Strings(changed)
	return changed, attrs
}
