package config

// Config is the process configuration, read once at startup.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// For the TIMEOUT_* environment overrides a bare integer is also accepted
// and interpreted as seconds, matching the historical knob format.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Comfy    ComfyConfig    `json:"comfy"`
	Paths    PathsConfig    `json:"paths,omitempty"`
	Limits   LimitsConfig   `json:"limits,omitempty"`
	Timeouts TimeoutsConfig `json:"timeouts,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Archive  *ArchiveConfig `json:"archive,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AllowedChatID is the single group the bot serves. Submissions from
	// any other chat are ignored.
	AllowedChatID int64 `json:"allowed_chat_id"`

	// OwnerUserIDs may cancel running tasks of any user.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// PollTimeout is the long-poll timeout, a Go duration string.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type ComfyConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

type PathsConfig struct {
	// Workdir holds one directory per topic (meta.json, workflow.json, nodes.json).
	Workdir string `json:"workdir,omitempty"`
	// StateDir holds mutable state (archive db, log file defaults).
	StateDir string `json:"state_dir,omitempty"`
}

// LimitsConfig are the three admission limits.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 2
//   - per_topic: 1
//   - per_user_pending: 3 (0 or negative disables the check)
type LimitsConfig struct {
	MaxWorkers     int `json:"max_workers,omitempty"`
	PerTopic       int `json:"per_topic,omitempty"`
	PerUserPending int `json:"per_user_pending,omitempty"`
}

type TimeoutsConfig struct {
	// WS bounds obtaining the backend progress stream. Default "120s".
	WS string `json:"ws,omitempty"`
	// Run bounds a task from dispatch to final result. Default "300s".
	Run string `json:"run,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty"`
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ArchiveConfig controls the finished-task archive.
//
// If the whole section is omitted, the archive defaults to enabled with
// the db file under state_dir.
type ArchiveConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Path of the sqlite file. Default "<state_dir>/tasks.db".
	Path string `json:"path,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention for finalized tasks. Default "336h" (14 days).
	Retention string `json:"retention,omitempty"`

	// SweepSchedule is a cron spec for the retention sweep.
	// Default "17 3 * * *" (daily, off-peak).
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}
