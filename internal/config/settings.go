package config

import (
	"strings"
	"time"
)

const (
	DefaultPollTimeout   = 10 * time.Second
	DefaultWSTimeout     = 120 * time.Second
	DefaultRunTimeout    = 300 * time.Second
	DefaultBusyTimeout   = 5 * time.Second
	DefaultRetention     = 14 * 24 * time.Hour
	DefaultSweepSchedule = "17 3 * * *"
)

// The accessors below ignore parse errors: validate() already checked
// every duration field at Load time.

func (c *Config) PollTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout)
	return d
}

// WSTimeout bounds obtaining the backend progress stream.
func (c *Config) WSTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("timeouts.ws", c.Timeouts.WS, DefaultWSTimeout)
	return d
}

// RunTimeout bounds a task from dispatch to final result.
func (c *Config) RunTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("timeouts.run", c.Timeouts.Run, DefaultRunTimeout)
	return d
}

// ArchiveSettings is the archive section with defaults resolved.
type ArchiveSettings struct {
	Enabled       bool
	Path          string
	BusyTimeout   time.Duration
	Retention     time.Duration
	SweepSchedule string
}

func (c *Config) ArchiveSettings() ArchiveSettings {
	a := c.Archive
	if a == nil {
		a = &ArchiveConfig{}
	}
	enabled := true
	if a.Enabled != nil {
		enabled = *a.Enabled
	}
	busy, _ := ParseDurationOrDefault("archive.busy_timeout", a.BusyTimeout, DefaultBusyTimeout)

	// An explicit "0" retention keeps tasks forever; only an absent field
	// falls back to the default window.
	retention := DefaultRetention
	if strings.TrimSpace(a.Retention) != "" {
		retention, _ = ParseDurationField("archive.retention", a.Retention)
	}

	sweep := strings.TrimSpace(a.SweepSchedule)
	if sweep == "" {
		sweep = DefaultSweepSchedule
	}
	return ArchiveSettings{
		Enabled:       enabled,
		Path:          a.Path,
		BusyTimeout:   busy,
		Retention:     retention,
		SweepSchedule: sweep,
	}
}
