// Package config loads and watches the attache configuration file.
//
// The file is YAML. All durations are Go duration strings (e.g. "30s", "5m").
// Schedule definitions live here as well: they are immutable configuration,
// re-read by the orchestrator every schedule tick, while their run state is
// persisted separately by the store.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

type Config struct {
	// Timezone is the IANA location used for cron evaluation and the
	// calendar-day expiry of session keys. Defaults to UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// StateDir holds every persisted document (session keys, schedule run
	// state, the sqlite database, captured session output).
	StateDir string `yaml:"state_dir,omitempty"`

	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Executor ExecutorConfig `yaml:"executor"`
	Telegram TelegramConfig `yaml:"telegram,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty"`
	Timers   TimersConfig   `yaml:"timers,omitempty"`

	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string            `yaml:"level,omitempty"`
	Console *bool             `yaml:"console,omitempty"`
	File    LoggingFileConfig `yaml:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// ExecutorConfig selects and configures the session backend. The backend is
// chosen once at startup; it is not re-selected per call.
type ExecutorConfig struct {
	// Kind is "process" or "remote".
	Kind string `yaml:"kind"`

	// Command is the argv template the process backend spawns per session.
	Command []string `yaml:"command,omitempty"`
	Workdir string   `yaml:"workdir,omitempty"`

	Remote RemoteConfig `yaml:"remote,omitempty"`
}

type RemoteConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
	Token   string `yaml:"token,omitempty"`
	Timeout string `yaml:"timeout,omitempty"` // per-request HTTP timeout
}

type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled,omitempty"`
	Token          string  `yaml:"token,omitempty"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids,omitempty"`
	PollTimeout    string  `yaml:"poll_timeout,omitempty"`
	SendPerSec     int     `yaml:"send_per_sec,omitempty"`
}

type HistoryConfig struct {
	// Recent bounds how many per-key messages are injected into a
	// fresh-start payload.
	Recent int `yaml:"recent,omitempty"`
}

type TimersConfig struct {
	ScheduleTick string `yaml:"schedule_tick,omitempty"` // coarse tick, default 30s
	ChannelTick  string `yaml:"channel_tick,omitempty"`  // fine tick, default 5s
	GraceWindow  string `yaml:"grace_window,omitempty"`  // default 60s
	UsageWarnPct int    `yaml:"usage_warn_pct,omitempty"`
}

// ScheduleConfig is one named cron-triggered task definition.
type ScheduleConfig struct {
	Name string `yaml:"name"`
	Cron string `yaml:"cron"`

	// Steps are executed in order within one session.
	Steps []string `yaml:"steps"`

	// Targets are delivery destinations for the run's output,
	// e.g. "telegram:123456789".
	Targets []string `yaml:"targets,omitempty"`

	// MaxConsecutiveErrors auto-disables the schedule once reached.
	// Default 5. There is no automatic recovery; resetting the persisted
	// run state re-enables the schedule.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors,omitempty"`
}

const (
	DefaultRecentHistory   = 20
	DefaultScheduleTick    = 30 * time.Second
	DefaultChannelTick     = 5 * time.Second
	DefaultGraceWindow     = 60 * time.Second
	DefaultUsageWarnPct    = 85
	DefaultMaxConsecErrors = 5
)

func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Executor.Kind {
	case "process":
		if len(c.Executor.Command) == 0 {
			return errors.New("config: executor.command is required for the process backend")
		}
	case "remote":
		if strings.TrimSpace(c.Executor.Remote.BaseURL) == "" {
			return errors.New("config: executor.remote.base_url is required for the remote backend")
		}
	case "":
		return errors.New("config: executor.kind is required")
	default:
		return fmt.Errorf("config: unknown executor.kind %q", c.Executor.Kind)
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("config: telegram.token is required when telegram is enabled")
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("config: invalid timezone %q: %w", tz, err)
		}
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config: schedules[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("config: schedule %q: cron is required", s.Name)
		}
		if len(s.Steps) == 0 {
			return fmt.Errorf("config: schedule %q: at least one step is required", s.Name)
		}
	}

	for _, pair := range []struct{ path, raw string }{
		{"timers.schedule_tick", c.Timers.ScheduleTick},
		{"timers.channel_tick", c.Timers.ChannelTick},
		{"timers.grace_window", c.Timers.GraceWindow},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"executor.remote.timeout", c.Executor.Remote.Timeout},
	} {
		if _, err := ParseDurationField(pair.path, pair.raw); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured timezone; Validate has already checked it.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) RecentHistory() int {
	if c.History.Recent > 0 {
		return c.History.Recent
	}
	return DefaultRecentHistory
}

func (s ScheduleConfig) MaxErrors() int {
	if s.MaxConsecutiveErrors > 0 {
		return s.MaxConsecutiveErrors
	}
	return DefaultMaxConsecErrors
}

func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}
