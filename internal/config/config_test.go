package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(),
		`{"dm_per_hour_limit": 10, "log_level": "debug", "send_cooldown": "5s"}`)
	t.Setenv("DM_PER_HOUR_LIMIT", "40")

	mgr := NewManager(path)
	fc, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, err := fc.Apply(Defaults())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cfg, err = FromEnv(cfg)
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.DMPerHourLimit != 40 {
		t.Fatalf("DMPerHourLimit = %d, env must win over the file", cfg.DMPerHourLimit)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, file must win over defaults", cfg.LogLevel)
	}
	if cfg.SendCooldown != 5*time.Second {
		t.Fatalf("SendCooldown = %v, want 5s from file", cfg.SendCooldown)
	}
}

func TestApplyWatchFields(t *testing.T) {
	fc := &FileConfig{
		WatchSchedule: "@every 5m",
		WatchFilter:   "^vip",
		WatchReply:    "Hola {username}",
		WatchCooldown: "45s",
	}
	cfg, err := fc.Apply(Defaults())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cfg.WatchSchedule != "@every 5m" || cfg.WatchFilter != "^vip" ||
		cfg.WatchReply != "Hola {username}" || cfg.WatchCooldown != 45*time.Second {
		t.Fatalf("watch fields not applied: %+v", cfg)
	}
}

func TestApplyRejectsBadDuration(t *testing.T) {
	fc := &FileConfig{SendCooldown: "soon"}
	if _, err := fc.Apply(Defaults()); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"dm_per_hour_limt": 10}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("misspelled field accepted")
	}
}

func TestDeriveKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 32)
	encoded := base64.StdEncoding.EncodeToString(raw)
	if got := DeriveKey(encoded); !bytes.Equal(got, raw) {
		t.Fatalf("base64 32-byte key not used verbatim")
	}

	sum := sha256.Sum256([]byte("correct horse battery staple"))
	if got := DeriveKey("correct horse battery staple"); !bytes.Equal(got, sum[:]) {
		t.Fatalf("passphrase not hashed to a 32-byte key")
	}

	if got := DeriveKey("   "); got != nil {
		t.Fatalf("blank key should derive nil, got %v", got)
	}
}

func TestWatchPublishesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"dm_per_hour_limit": 10}`)

	mgr := NewManager(path)
	if _, err := mgr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Watch(ctx) }()

	// Rewrite until the watcher picks the change up; the first write can
	// race the watcher arming, and identical rewrites are dedup-safe.
	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(`{"dm_per_hour_limit": 20}`), 0o600); err != nil {
			t.Fatalf("rewrite config: %v", err)
		}
		select {
		case fc := <-sub:
			if fc.DMPerHourLimit != 20 {
				t.Fatalf("published DMPerHourLimit = %d, want 20", fc.DMPerHourLimit)
			}
			if got := mgr.Get(); got == nil || got.DMPerHourLimit != 20 {
				t.Fatalf("committed config not updated: %+v", got)
			}
			return
		case <-time.After(700 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("no config update published")
			}
		}
	}
}

func TestWatchIgnoresBrokenRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"dm_per_hour_limit": 10}`)

	mgr := NewManager(path)
	if _, err := mgr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Watch(ctx) }()

	if err := os.WriteFile(path, []byte(`{"dm_per_hour_limit":`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case fc := <-sub:
		t.Fatalf("broken config was published: %+v", fc)
	case <-time.After(time.Second):
	}
	if got := mgr.Get(); got == nil || got.DMPerHourLimit != 10 {
		t.Fatalf("committed config lost after broken rewrite: %+v", got)
	}
}
