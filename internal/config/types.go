package config

// Config is the full bot configuration.
//
// Files may be JSON or YAML; YAML is coerced to JSON and decoded strictly
// (unknown fields are rejected). All durations are Go duration strings
// (e.g. "500ms", "60s", "168h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Canvas      CanvasConfig      `json:"canvas"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Reminders   ReminderConfig    `json:"reminders,omitempty"`
	Notify      NotifyConfig      `json:"notify,omitempty"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout. Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type CanvasConfig struct {
	// BaseURL of the Canvas instance, e.g. "https://canvas.example.edu".
	BaseURL string `json:"base_url"`
	// RequestTimeout per API call. Default "15s".
	RequestTimeout string `json:"request_timeout,omitempty"`
	// RatePerSec caps outbound Canvas API calls. Default 5.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// AnnouncementLookback window for new announcements. Default "168h" (7d).
	AnnouncementLookback string `json:"announcement_lookback,omitempty"`
	// AssignmentWindow is how far ahead due dates count as "soon". Default "2160h" (90d).
	AssignmentWindow string `json:"assignment_window,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Path of the sqlite database file.
	Path string `json:"path"`
	// BusyTimeout for sqlite. Default "5s".
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CoordinatorConfig controls the periodic tick.
//
// Defaults (when fields are omitted/zero):
//   - tick: "60s"
//   - poll_batch_size: 20
//   - poll_workers: 4
//   - user_timeout: "30s"
//   - seen_retention: "4320h" (180 days)
//   - prune_schedule: "30 4 * * *"
type CoordinatorConfig struct {
	Tick          string `json:"tick,omitempty"`
	PollBatchSize int    `json:"poll_batch_size,omitempty"`
	PollWorkers   int    `json:"poll_workers,omitempty"`
	UserTimeout   string `json:"user_timeout,omitempty"`
	SeenRetention string `json:"seen_retention,omitempty"`
	// PruneSchedule is a cron spec for the seen-event prune job.
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type ReminderConfig struct {
	// MaxAttempts before a failing reminder is force-cancelled. Default 5.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// DebugConfig controls the optional pprof listener. Binding beyond
// loopback requires a token.
type DebugConfig struct {
	PprofEnabled bool   `json:"pprof_enabled,omitempty"`
	PprofAddr    string `json:"pprof_addr,omitempty"`
	PprofToken   string `json:"pprof_token,omitempty"`
}

type NotifyConfig struct {
	// RatePerSec caps outbound Telegram sends. Default 3.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// SendTimeout per delivery attempt. Default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
}
