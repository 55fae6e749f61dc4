package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the SQLite database backing the send queue,
	// the message log, and runtime settings.
	Storage StorageConfig `json:"storage"`

	// Messaging controls the outbound pipeline: the transport session,
	// the queue pass, and the global send cooldown.
	Messaging MessagingConfig `json:"messaging"`

	// Reminder controls the periodic class-reminder sweeps.
	Reminder ReminderConfig `json:"reminder"`

	API   APIConfig   `json:"api,omitempty"`
	Alert AlertConfig `json:"alert,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MessagingConfig holds the outbound pipeline knobs.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled and RateLimitSeconds are only the initial defaults: the live values
// are kept in the settings table and writable through the admin API.
type MessagingConfig struct {
	Enabled bool `json:"enabled"`

	// RateLimitSeconds is the global cooldown between successful sends.
	// Clamped to 10..300; default 30.
	RateLimitSeconds int `json:"rate_limit_seconds,omitempty"`

	// PassInterval is the queue polling interval. Default "5s".
	PassInterval string `json:"pass_interval,omitempty"`

	// MaxAttempts is the default retry budget for new queue entries. Default 3.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// BackoffCapMinutes caps the exponential retry delay. Default 5.
	BackoffCapMinutes int `json:"backoff_cap_minutes,omitempty"`

	// RetentionDays is how long terminal queue rows are kept. Default 30.
	RetentionDays int `json:"retention_days,omitempty"`

	// SessionFile is where the authenticated transport session is persisted.
	SessionFile string `json:"session_file,omitempty"`

	// ReconnectDelay is the pause before auto-reinitializing after an
	// unexpected disconnect. Default "5s".
	ReconnectDelay string `json:"reconnect_delay,omitempty"`

	// PreferModernPrimary flips the candidate ordering for ambiguous local
	// mobile numbers: try the nine-digit form first instead of the legacy one.
	PreferModernPrimary bool `json:"prefer_modern_primary,omitempty"`
}

// ReminderConfig controls the reminder sweeps.
type ReminderConfig struct {
	Enabled bool `json:"enabled"`

	// LeadTimeHours is how far ahead of a class session the reminder goes out.
	// Default 24.
	LeadTimeHours int `json:"lead_time_hours,omitempty"`

	// WindowMinutes is the half-width of the match window around
	// now+lead_time. Default 30.
	WindowMinutes int `json:"window_minutes,omitempty"`

	// SweepSpec is a cron spec for the sweep trigger. Default "0 * * * *".
	SweepSpec string `json:"sweep_spec,omitempty"`

	// Trigger timezone (IANA name, e.g. "America/Sao_Paulo").
	Timezone string `json:"timezone,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8087"
}

// AlertConfig controls the optional operator alert channel (Telegram).
type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
