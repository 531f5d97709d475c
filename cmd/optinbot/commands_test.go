package main

import (
	"testing"
	"time"

	"optinbot/internal/config"
)

func TestWatchConfigLayering(t *testing.T) {
	cfg := config.Defaults()
	cfg.SendCooldown = 90 * time.Second
	cfg.WatchSchedule = "@every 5m"
	cfg.WatchFilter = "^vip"
	cfg.WatchReply = "Hola {username}"

	// No flags set: file values win, cooldown falls back to the send cooldown.
	got := watchConfig(cfg, map[string]bool{}, "", "", "", 0)
	if got.Schedule != "@every 5m" || got.Filter != "^vip" || got.Template != "Hola {username}" {
		t.Fatalf("file values not applied: %+v", got)
	}
	if got.Cooldown != 90*time.Second {
		t.Fatalf("cooldown = %v, want send cooldown fallback", got.Cooldown)
	}

	// Explicit flags win over the file, including an explicit empty filter.
	set := map[string]bool{"schedule": true, "filter": true, "reply": true, "cooldown": true}
	got = watchConfig(cfg, set, "", "Hi {username}", "@every 1m", 30*time.Second)
	if got.Schedule != "@every 1m" || got.Filter != "" || got.Template != "Hi {username}" || got.Cooldown != 30*time.Second {
		t.Fatalf("flags did not win over file values: %+v", got)
	}

	// A watch_cooldown in the file beats the send-cooldown fallback.
	cfg.WatchCooldown = 45 * time.Second
	got = watchConfig(cfg, map[string]bool{}, "", "", "", 0)
	if got.Cooldown != 45*time.Second {
		t.Fatalf("cooldown = %v, want 45s from watch_cooldown", got.Cooldown)
	}
}
