package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration, read from a YAML or JSON file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "168h").
// Hour fields are local-time hours in [0, 24); zero/omitted values fall back
// to the defaults applied by Normalize().
type Config struct {
	// Label is the mailbox label that marks overdue items.
	Label string `json:"label,omitempty"`

	// TargetHour is the local hour of the daily reminder checkpoint.
	TargetHour int `json:"target_hour,omitempty"`
	// DeadlineHour is the local hour on the next working day by which a
	// shown reminder must be acknowledged.
	DeadlineHour int `json:"deadline_hour,omitempty"`

	WorkStartHour int `json:"work_start_hour,omitempty"`
	WorkEndHour   int `json:"work_end_hour,omitempty"` // exclusive

	// Retention controls how long acknowledgement records are kept.
	Retention string `json:"retention,omitempty"`

	// Listen is the address the surface hub binds to.
	Listen string `json:"listen,omitempty"`

	MailAPI    MailAPIConfig     `json:"mail_api"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Escalation *EscalationConfig `json:"escalation,omitempty"`
}

// MailAPIConfig points the count client at the remote mailbox service.
type MailAPIConfig struct {
	BaseURL string `json:"base_url,omitempty"`

	// TokenFile names a file holding the bearer token. Token, if set,
	// takes precedence (useful for tests; avoid in real configs).
	TokenFile string `json:"token_file,omitempty"`
	Token     string `json:"token,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`

	// BackoffFallback is applied when a rate-limit response carries no
	// usable retry hint.
	BackoffFallback string `json:"backoff_fallback,omitempty"`

	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EscalationConfig enables the Telegram notification sent when a day's
// reminder expires unacknowledged.
type EscalationConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// Defaults mirror the constants of the browser-extension predecessor.
const (
	DefaultLabel         = "_UNTREATED"
	DefaultTargetHour    = 16
	DefaultDeadlineHour  = 8
	DefaultWorkStartHour = 8
	DefaultWorkEndHour   = 18
	DefaultListen        = "127.0.0.1:8425"
	DefaultRetention     = 7 * 24 * time.Hour
)

// Normalize applies defaults in place. It is idempotent.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Label) == "" {
		c.Label = DefaultLabel
	}
	if c.TargetHour <= 0 {
		c.TargetHour = DefaultTargetHour
	}
	if c.DeadlineHour <= 0 {
		c.DeadlineHour = DefaultDeadlineHour
	}
	if c.WorkStartHour <= 0 {
		c.WorkStartHour = DefaultWorkStartHour
	}
	if c.WorkEndHour <= 0 {
		c.WorkEndHour = DefaultWorkEndHour
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}
	if strings.TrimSpace(c.MailAPI.BaseURL) == "" {
		c.MailAPI.BaseURL = "https://gmail.googleapis.com"
	}
	if c.MailAPI.RatePerSec <= 0 {
		c.MailAPI.RatePerSec = 4
	}
}

// Validate rejects configs that cannot express a sane reminder cycle.
func (c *Config) Validate() error {
	for _, h := range []struct {
		name string
		v    int
	}{
		{"target_hour", c.TargetHour},
		{"deadline_hour", c.DeadlineHour},
		{"work_start_hour", c.WorkStartHour},
		{"work_end_hour", c.WorkEndHour},
	} {
		if h.v < 0 || h.v > 23 {
			return fmt.Errorf("%s: hour %d out of range [0,23]", h.name, h.v)
		}
	}
	if c.WorkEndHour <= c.WorkStartHour {
		return fmt.Errorf("work_end_hour (%d) must be after work_start_hour (%d)", c.WorkEndHour, c.WorkStartHour)
	}
	if _, err := ParseDurationField("retention", c.Retention); err != nil {
		return err
	}
	if _, err := ParseDurationField("mail_api.backoff_fallback", c.MailAPI.BackoffFallback); err != nil {
		return err
	}
	if _, err := ParseDurationField("mail_api.timeout", c.MailAPI.Timeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Escalation != nil && c.Escalation.Enabled {
		if strings.TrimSpace(c.Escalation.Token) == "" || c.Escalation.ChatID == 0 {
			return fmt.Errorf("escalation: enabled but token or chat_id missing")
		}
	}
	return nil
}

// RetentionDuration returns the configured record retention window.
func (c *Config) RetentionDuration() time.Duration {
	d, err := ParseDurationOrDefault("retention", c.Retention, DefaultRetention)
	if err != nil {
		return DefaultRetention
	}
	return d
}

// ConsoleLogging reports whether console output is enabled (default true).
func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}
