package config

import "time"

// Config is the effective runtime configuration.
//
// It is built in two layers: an optional config file (JSON or YAML, strictly
// decoded) and environment variables, with the environment always winning.
// All durations are already resolved here; parsing happens in env.go/file.go.
type Config struct {
	LogLevel string

	// Browser context defaults. Per-account overrides win over these.
	Headless  bool
	ProxyURL  string
	UserAgent string
	Locale    string
	Timezone  string

	// SessionKey is the symmetric key for the session store. nil means the
	// store runs in explicit plaintext mode.
	SessionKey []byte

	SessionsDir  string
	FlowsDir     string
	AuditLogPath string

	// AuditDriver selects the audit sink: "file" (JSONL) or "sqlite".
	AuditDriver string

	// Rate limiting and pacing.
	DMPerHourLimit int
	SendCooldown   time.Duration
	DelayMin       time.Duration
	DelayMax       time.Duration
	RatePerSec     int

	// Step execution.
	StepTimeout time.Duration
	StepRetries int

	// Login / 2FA.
	TOTPSecret     string
	ResendCooldown time.Duration
	PromptSMS      bool
	PromptTimeout  time.Duration

	// Dispatcher.
	Parallelism          int
	QueueSize            int
	MaxConsecutiveErrors int

	// DeferPolicy decides what happens to a job blocked by the rate window:
	// "requeue" (default) or "skip".
	DeferPolicy string

	// Reply watcher. These reload live while the watch command runs;
	// command-line flags still win over file values.
	WatchSchedule string
	WatchFilter   string
	WatchReply    string
	WatchCooldown time.Duration
}

// FileConfig is the on-disk schema. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); zero values mean "not set" and fall through
// to defaults or the environment.
type FileConfig struct {
	LogLevel string `json:"log_level,omitempty"`

	Headless  *bool  `json:"headless,omitempty"`
	ProxyURL  string `json:"proxy_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty"`

	SessionsDir  string `json:"sessions_dir,omitempty"`
	FlowsDir     string `json:"flows_dir,omitempty"`
	AuditLogPath string `json:"audit_log_path,omitempty"`
	AuditDriver  string `json:"audit_driver,omitempty"`

	DMPerHourLimit int    `json:"dm_per_hour_limit,omitempty"`
	SendCooldown   string `json:"send_cooldown,omitempty"`
	DelayMin       string `json:"delay_min,omitempty"`
	DelayMax       string `json:"delay_max,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`

	StepTimeout string `json:"step_timeout,omitempty"`
	StepRetries int    `json:"step_retries,omitempty"`

	ResendCooldown string `json:"twofa_resend_cooldown,omitempty"`
	PromptSMS      *bool  `json:"prompt_2fa_sms,omitempty"`
	PromptTimeout  string `json:"prompt_2fa_timeout,omitempty"`

	Parallelism          int `json:"parallelism,omitempty"`
	QueueSize            int `json:"queue_size,omitempty"`
	MaxConsecutiveErrors int `json:"max_consecutive_errors,omitempty"`

	DeferPolicy string `json:"defer_policy,omitempty"`

	WatchSchedule string `json:"watch_schedule,omitempty"`
	WatchFilter   string `json:"watch_filter,omitempty"`
	WatchReply    string `json:"watch_reply,omitempty"`
	WatchCooldown string `json:"watch_cooldown,omitempty"`
}

// Defaults returns the baseline configuration before file/env overlays.
func Defaults() Config {
	return Config{
		LogLevel:             "info",
		SessionsDir:          "data/sessions",
		FlowsDir:             "data/flows",
		AuditLogPath:         "logs/audit.jsonl",
		AuditDriver:          "file",
		DMPerHourLimit:       25,
		SendCooldown:         90 * time.Second,
		DelayMin:             1 * time.Second,
		DelayMax:             3 * time.Second,
		RatePerSec:           2,
		StepTimeout:          20 * time.Second,
		StepRetries:          2,
		ResendCooldown:       60 * time.Second,
		PromptTimeout:        180 * time.Second,
		Parallelism:          3,
		QueueSize:            256,
		MaxConsecutiveErrors: 3,
		DeferPolicy:          "requeue",
	}
}
