// Package session persists per-account authentication state blobs.
//
// Blobs are sealed with AES-256-GCM when a key is configured and written
// atomically (staged to a temp file, then renamed) so a crash never leaves a
// half-written session. A key fingerprint stored alongside the payload lets
// the store distinguish "wrong key" from "no session" on load.
package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/natefinch/atomic"
)

const schemaVersion = 1

// PlaintextMarker is recorded instead of a key fingerprint when the store
// runs without an encryption key. This is an explicit lower-security mode,
// never a silent fallback.
const PlaintextMarker = "plaintext"

var (
	ErrNotFound = errors.New("session not found")
	ErrDecrypt  = errors.New("session decryption failed")
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

type envelope struct {
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"fingerprint"`
	Payload     string    `json:"payload"`
}

// Meta describes a stored session without exposing its contents.
type Meta struct {
	CreatedAt   time.Time
	Fingerprint string
	Encrypted   bool
}

type Store struct {
	dir string
	key []byte // 32-byte AES-256 key; nil enables plaintext mode
}

// NewStore creates a session store rooted at dir. key must be 32 bytes or nil.
func NewStore(dir string, key []byte) (*Store, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir, key: key}, nil
}

// Encrypted reports whether the store seals blobs before writing.
func (s *Store) Encrypted() bool { return s.key != nil }

func (s *Store) path(account string) string {
	safe := unsafeChars.ReplaceAllString(account, "_")
	return filepath.Join(s.dir, safe+".json")
}

// Save persists state for account, encrypting when a key is configured.
func (s *Store) Save(account string, state []byte) error {
	payload := state
	fp := PlaintextMarker
	if s.key != nil {
		sealed, err := seal(s.key, state)
		if err != nil {
			return fmt.Errorf("encrypt session for %q: %w", account, err)
		}
		payload = sealed
		fp = Fingerprint(s.key)
	}

	env := envelope{
		Version:     schemaVersion,
		CreatedAt:   time.Now().UTC(),
		Fingerprint: fp,
		Payload:     base64.StdEncoding.EncodeToString(payload),
	}
	return s.writeAtomic(s.path(account), env)
}

// Load returns the decrypted state for account.
//
// ErrNotFound signals a fresh login is required. ErrDecrypt is distinct and
// must never be treated as "no session": it can mean a rotated or wrong key,
// or a tampered blob, and callers must surface it instead of re-logging-in.
func (s *Store) Load(account string) ([]byte, error) {
	env, err := s.read(account)
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("session for %q is corrupt: %w", account, ErrDecrypt)
	}

	if s.key == nil {
		if env.Fingerprint != PlaintextMarker {
			return nil, fmt.Errorf("session for %q is encrypted but no key is configured: %w", account, ErrDecrypt)
		}
		return payload, nil
	}

	if env.Fingerprint == PlaintextMarker {
		// A key was added after this session was written. Surface it so the
		// operator can decide, rather than silently reading plaintext.
		return nil, fmt.Errorf("session for %q predates the encryption key: %w", account, ErrDecrypt)
	}
	if env.Fingerprint != Fingerprint(s.key) {
		return nil, fmt.Errorf("session for %q was written under a different key: %w", account, ErrDecrypt)
	}

	state, err := open(s.key, payload)
	if err != nil {
		return nil, fmt.Errorf("session for %q failed authentication: %w", account, ErrDecrypt)
	}
	return state, nil
}

// Info returns metadata for a stored session without decrypting it.
func (s *Store) Info(account string) (Meta, error) {
	env, err := s.read(account)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		CreatedAt:   env.CreatedAt,
		Fingerprint: env.Fingerprint,
		Encrypted:   env.Fingerprint != PlaintextMarker,
	}, nil
}

// Delete removes the stored session for account if present.
func (s *Store) Delete(account string) error {
	err := os.Remove(s.path(account))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session for %q: %w", account, err)
	}
	return nil
}

// Rotate re-encrypts the stored session for account under newKey.
// On any failure the previous blob is left intact; the swap is the final
// rename, so rotation is all-or-nothing.
func (s *Store) Rotate(account string, newKey []byte) error {
	if len(newKey) != 32 {
		return fmt.Errorf("rotation key must be 32 bytes, got %d", len(newKey))
	}
	state, err := s.Load(account)
	if err != nil {
		return err
	}

	sealed, err := seal(newKey, state)
	if err != nil {
		return fmt.Errorf("re-encrypt session for %q: %w", account, err)
	}
	env := envelope{
		Version:     schemaVersion,
		CreatedAt:   time.Now().UTC(),
		Fingerprint: Fingerprint(newKey),
		Payload:     base64.StdEncoding.EncodeToString(sealed),
	}
	if err := s.writeAtomic(s.path(account), env); err != nil {
		return err
	}
	s.key = newKey
	return nil
}

func (s *Store) read(account string) (envelope, error) {
	b, err := os.ReadFile(s.path(account))
	if err != nil {
		if os.IsNotExist(err) {
			return envelope{}, fmt.Errorf("account %q: %w", account, ErrNotFound)
		}
		return envelope{}, fmt.Errorf("read session for %q: %w", account, err)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("session for %q is corrupt: %w", account, ErrDecrypt)
	}
	return env, nil
}

func (s *Store) writeAtomic(path string, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal session envelope: %w", err)
	}
	// atomic.WriteFile stages to a 0600 temp file and renames over the
	// destination, so a crash never leaves a torn session on disk.
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
