package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays recognized environment variables on top of cfg.
// Unset variables leave the corresponding field untouched.
func FromEnv(cfg Config) (Config, error) {
	if v := os.Getenv("OPTIN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.Headless = envBool("OPTIN_HEADLESS", cfg.Headless)
	if v := os.Getenv("OPTIN_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv("OPTIN_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("OPTIN_LOCALE"); v != "" {
		cfg.Locale = v
	}
	if v := firstOf("OPTIN_TIMEZONE", "OPTIN_TIMEZONE_ID", "OPTIN_TZ_ID", "OPTIN_TZ"); v != "" {
		cfg.Timezone = v
	}

	if v := os.Getenv("SESSION_ENCRYPTION_KEY"); v != "" {
		cfg.SessionKey = DeriveKey(v)
	}

	if v := os.Getenv("OPTIN_SESSIONS_DIR"); v != "" {
		cfg.SessionsDir = v
	}
	if v := os.Getenv("OPTIN_FLOWS_DIR"); v != "" {
		cfg.FlowsDir = v
	}
	if v := os.Getenv("OPTIN_AUDIT_LOG"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := os.Getenv("OPTIN_AUDIT_DRIVER"); v != "" {
		cfg.AuditDriver = v
	}

	var err error
	if cfg.DMPerHourLimit, err = envInt("DM_PER_HOUR_LIMIT", cfg.DMPerHourLimit); err != nil {
		return cfg, err
	}
	if cfg.SendCooldown, err = envSeconds("OPTIN_SEND_COOLDOWN_SECONDS", cfg.SendCooldown); err != nil {
		return cfg, err
	}
	if cfg.DelayMin, err = envSeconds("DELAY_MIN_S", cfg.DelayMin); err != nil {
		return cfg, err
	}
	if cfg.DelayMax, err = envSeconds("DELAY_MAX_S", cfg.DelayMax); err != nil {
		return cfg, err
	}
	if cfg.RatePerSec, err = envInt("OPTIN_RATE_PER_SEC", cfg.RatePerSec); err != nil {
		return cfg, err
	}

	if cfg.StepTimeout, err = envSeconds("GLOBAL_TIMEOUT_PER_STEP", cfg.StepTimeout); err != nil {
		return cfg, err
	}
	if cfg.StepRetries, err = envInt("RETRIES_PER_STEP", cfg.StepRetries); err != nil {
		return cfg, err
	}

	if v := os.Getenv("OPTIN_IG_TOTP"); v != "" {
		cfg.TOTPSecret = v
	}
	if cfg.ResendCooldown, err = envSeconds("TWOFA_RESEND_COOLDOWN", cfg.ResendCooldown); err != nil {
		return cfg, err
	}
	cfg.PromptSMS = envBool("PROMPT_2FA_SMS", cfg.PromptSMS)
	if cfg.PromptTimeout, err = envSeconds("PROMPT_2FA_TIMEOUT_SECONDS", cfg.PromptTimeout); err != nil {
		return cfg, err
	}

	if cfg.Parallelism, err = envInt("OPTIN_PARALLEL_LIMIT", cfg.Parallelism); err != nil {
		return cfg, err
	}
	if cfg.QueueSize, err = envInt("OPTIN_QUEUE_SIZE", cfg.QueueSize); err != nil {
		return cfg, err
	}
	if cfg.MaxConsecutiveErrors, err = envInt("MAX_CONSECUTIVE_ERRORS_PER_ACCOUNT", cfg.MaxConsecutiveErrors); err != nil {
		return cfg, err
	}

	if v := os.Getenv("OPTIN_DEFER_POLICY"); v != "" {
		cfg.DeferPolicy = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("DELAY_MAX_S (%s) must be >= DELAY_MIN_S (%s)", c.DelayMax, c.DelayMin)
	}
	switch c.DeferPolicy {
	case "requeue", "skip":
	default:
		return fmt.Errorf("defer policy must be \"requeue\" or \"skip\", got %q", c.DeferPolicy)
	}
	switch c.AuditDriver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("audit driver must be \"file\" or \"sqlite\", got %q", c.AuditDriver)
	}
	return nil
}

// DeriveKey turns the SESSION_ENCRYPTION_KEY string into a 32-byte AES-256 key.
// A standard-base64 value decoding to exactly 32 bytes is used verbatim; any
// other value is hashed with SHA-256 so operators can use arbitrary passphrases.
func DeriveKey(raw string) []byte {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", name, v, err)
	}
	return n, nil
}

// envSeconds reads a duration expressed in (possibly fractional) seconds.
func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid seconds value %q: %w", name, v, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("%s: seconds must be >= 0", name)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func firstOf(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
