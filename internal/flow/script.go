package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/natefinch/atomic"
)

// Script is a named, ordered step sequence. Immutable once saved; re-recording
// an alias overwrites the previous script wholesale (no merge).
type Script struct {
	Alias     string    `json:"alias"`
	CreatedAt time.Time `json:"created_at"`
	Steps     []Step    `json:"steps"`
}

var unsafeAliasChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// ScriptStore persists scripts as one JSON file per alias.
type ScriptStore struct {
	dir string
}

func NewScriptStore(dir string) (*ScriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create flows dir: %w", err)
	}
	return &ScriptStore{dir: dir}, nil
}

func (s *ScriptStore) path(alias string) string {
	safe := unsafeAliasChars.ReplaceAllString(alias, "_")
	return filepath.Join(s.dir, safe+".json")
}

func (s *ScriptStore) Save(script Script) error {
	if script.Alias == "" {
		return fmt.Errorf("script alias is required")
	}
	if err := validateSteps(script.Steps); err != nil {
		return fmt.Errorf("script %q: %w", script.Alias, err)
	}
	if script.CreatedAt.IsZero() {
		script.CreatedAt = time.Now().UTC()
	}

	b, err := json.MarshalIndent(script, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal script %q: %w", script.Alias, err)
	}
	if err := atomic.WriteFile(s.path(script.Alias), bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write script %q: %w", script.Alias, err)
	}
	return nil
}

func (s *ScriptStore) Load(alias string) (Script, error) {
	b, err := os.ReadFile(s.path(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return Script{}, fmt.Errorf("alias %q: %w", alias, ErrScriptNotFound)
		}
		return Script{}, fmt.Errorf("read script %q: %w", alias, err)
	}
	var script Script
	if err := json.Unmarshal(b, &script); err != nil {
		return Script{}, fmt.Errorf("parse script %q: %w", alias, err)
	}
	if err := validateSteps(script.Steps); err != nil {
		return Script{}, fmt.Errorf("script %q: %w", alias, err)
	}
	return script, nil
}

// List returns the aliases of all saved scripts.
func (s *ScriptStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list flows dir: %w", err)
	}
	var aliases []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			aliases = append(aliases, name[:len(name)-len(".json")])
		}
	}
	return aliases, nil
}
