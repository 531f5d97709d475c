package config

import (
	"fmt"
	"strings"
	"time"
)

// fileDuration parses a Go duration string from a config file field.
// Empty or zero values fall through to def so unset fields keep their
// layered default.
func fileDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Apply overlays non-zero file values on top of cfg. The environment is
// applied after the file, so env always wins.
func (f *FileConfig) Apply(cfg Config) (Config, error) {
	if f == nil {
		return cfg, nil
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Headless != nil {
		cfg.Headless = *f.Headless
	}
	if f.ProxyURL != "" {
		cfg.ProxyURL = f.ProxyURL
	}
	if f.UserAgent != "" {
		cfg.UserAgent = f.UserAgent
	}
	if f.Locale != "" {
		cfg.Locale = f.Locale
	}
	if f.Timezone != "" {
		cfg.Timezone = f.Timezone
	}
	if f.SessionsDir != "" {
		cfg.SessionsDir = f.SessionsDir
	}
	if f.FlowsDir != "" {
		cfg.FlowsDir = f.FlowsDir
	}
	if f.AuditLogPath != "" {
		cfg.AuditLogPath = f.AuditLogPath
	}
	if f.AuditDriver != "" {
		cfg.AuditDriver = f.AuditDriver
	}
	if f.DMPerHourLimit > 0 {
		cfg.DMPerHourLimit = f.DMPerHourLimit
	}
	if f.RatePerSec > 0 {
		cfg.RatePerSec = f.RatePerSec
	}
	if f.StepRetries > 0 {
		cfg.StepRetries = f.StepRetries
	}
	if f.Parallelism > 0 {
		cfg.Parallelism = f.Parallelism
	}
	if f.QueueSize > 0 {
		cfg.QueueSize = f.QueueSize
	}
	if f.MaxConsecutiveErrors > 0 {
		cfg.MaxConsecutiveErrors = f.MaxConsecutiveErrors
	}
	if f.PromptSMS != nil {
		cfg.PromptSMS = *f.PromptSMS
	}
	if f.DeferPolicy != "" {
		cfg.DeferPolicy = f.DeferPolicy
	}
	if f.WatchSchedule != "" {
		cfg.WatchSchedule = f.WatchSchedule
	}
	if f.WatchFilter != "" {
		cfg.WatchFilter = f.WatchFilter
	}
	if f.WatchReply != "" {
		cfg.WatchReply = f.WatchReply
	}

	var err error
	if cfg.SendCooldown, err = fileDuration("send_cooldown", f.SendCooldown, cfg.SendCooldown); err != nil {
		return cfg, err
	}
	if cfg.DelayMin, err = fileDuration("delay_min", f.DelayMin, cfg.DelayMin); err != nil {
		return cfg, err
	}
	if cfg.DelayMax, err = fileDuration("delay_max", f.DelayMax, cfg.DelayMax); err != nil {
		return cfg, err
	}
	if cfg.StepTimeout, err = fileDuration("step_timeout", f.StepTimeout, cfg.StepTimeout); err != nil {
		return cfg, err
	}
	if cfg.ResendCooldown, err = fileDuration("twofa_resend_cooldown", f.ResendCooldown, cfg.ResendCooldown); err != nil {
		return cfg, err
	}
	if cfg.PromptTimeout, err = fileDuration("prompt_2fa_timeout", f.PromptTimeout, cfg.PromptTimeout); err != nil {
		return cfg, err
	}
	if cfg.WatchCooldown, err = fileDuration("watch_cooldown", f.WatchCooldown, cfg.WatchCooldown); err != nil {
		return cfg, err
	}
	return cfg, nil
}
