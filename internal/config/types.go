package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Timezone is the IANA reference zone that defines "a day" for
	// scheduling. It has no default: an unset or bad zone is a startup
	// error, never a silent UTC fallback.
	Timezone string `json:"timezone"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	Telegram TelegramConfig `json:"telegram"`
	GenAI    GenAIConfig    `json:"genai"`
	Research ResearchConfig `json:"research,omitempty"`

	Engine EngineConfig `json:"engine"`
	Notify NotifyConfig `json:"notify"`
	API    APIConfig    `json:"api,omitempty"`

	// Sessions overrides catalog times or disables session types.
	Sessions []SessionOverride `json:"sessions,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type GenAIConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model"`

	// Timeout is a Go duration string.
	Timeout string `json:"timeout,omitempty"`
}

type ResearchConfig struct {
	SearchURL string `json:"search_url,omitempty"`
	MarketURL string `json:"market_url,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	// Symbols is the watchlist for investment research.
	Symbols []string `json:"symbols,omitempty"`
}

// EngineConfig tunes the due-job poller and executor.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type EngineConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	Lookback      string `json:"lookback,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	InterJobDelay string `json:"inter_job_delay,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
	StepTimeout   string `json:"step_timeout,omitempty"`

	// HistoryWindow bounds the anti-repetition lookback.
	HistoryWindow string `json:"history_window,omitempty"`

	// Retention is how long terminal jobs are kept before pruning.
	Retention string `json:"retention,omitempty"`
}

type NotifyConfig struct {
	PerUserHourly int     `json:"per_user_hourly,omitempty"`
	GlobalRate    float64 `json:"global_rate,omitempty"`
	GlobalBurst   int     `json:"global_burst,omitempty"`
	Expiry        string  `json:"expiry,omitempty"`
	Interval      string  `json:"interval,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
}

type SessionOverride struct {
	Type    string `json:"type"`
	At      string `json:"at,omitempty"` // "HH:MM"
	Disable bool   `json:"disable,omitempty"`
}

// ParseAt splits the "HH:MM" override time.
func (s SessionOverride) ParseAt() (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s.At, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("sessions[%s]: bad time %q", s.Type, s.At)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("sessions[%s]: time %q out of range", s.Type, s.At)
	}
	return hour, minute, nil
}

// Validate checks everything that must be right before the daemon starts.
// Duration strings are parsed here so a typo fails at load, not mid-run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("timezone is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.GenAI.BaseURL) == "" {
		return fmt.Errorf("genai.base_url is required")
	}
	if strings.TrimSpace(c.GenAI.Model) == "" {
		return fmt.Errorf("genai.model is required")
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"genai.timeout", c.GenAI.Timeout},
		{"research.timeout", c.Research.Timeout},
		{"engine.poll_interval", c.Engine.PollInterval},
		{"engine.lookback", c.Engine.Lookback},
		{"engine.inter_job_delay", c.Engine.InterJobDelay},
		{"engine.job_timeout", c.Engine.JobTimeout},
		{"engine.step_timeout", c.Engine.StepTimeout},
		{"engine.history_window", c.Engine.HistoryWindow},
		{"engine.retention", c.Engine.Retention},
		{"notify.expiry", c.Notify.Expiry},
		{"notify.interval", c.Notify.Interval},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.path, d.raw); err != nil {
			return err
		}
	}
	for _, s := range c.Sessions {
		if strings.TrimSpace(s.Type) == "" {
			return fmt.Errorf("sessions: entry with empty type")
		}
		if !s.Disable {
			if _, _, err := s.ParseAt(); err != nil {
				return err
			}
		}
	}
	if c.Notify.GlobalRate < 0 {
		return fmt.Errorf("notify.global_rate must be >= 0")
	}
	return nil
}

// Duration resolves a named duration field with its default. Call only after
// Validate has passed; a parse failure here returns the default.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := durationOrDefault(raw, def)
	if err != nil {
		return def
	}
	return d
}
