// Package account defines the immutable per-account identity and its
// browser-context overrides. Mutable runtime state (error counters, send
// window, halt flag) lives with the dispatcher, which is the single writer.
package account

import (
	"errors"
	"strings"
)

type Account struct {
	// Alias is the stable identifier used for session files, audit records
	// and job routing.
	Alias    string
	Username string
	Password string

	// TOTPSecret enables automatic 2FA resolution when present (base32).
	TOTPSecret string

	// Per-account browser context overrides; empty fields fall back to the
	// process-wide defaults.
	ProxyURL  string
	UserAgent string
	Locale    string
	Timezone  string
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.Alias) == "" {
		return errors.New("account alias is required")
	}
	if strings.TrimSpace(a.Username) == "" {
		return errors.New("account username is required")
	}
	return nil
}

// Registry is a read-only lookup of accounts by alias.
type Registry struct {
	byAlias map[string]Account
}

func NewRegistry(accounts []Account) (*Registry, error) {
	m := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[a.Alias]; dup {
			return nil, errors.New("duplicate account alias " + a.Alias)
		}
		m[a.Alias] = a
	}
	return &Registry{byAlias: m}, nil
}

func (r *Registry) Get(alias string) (Account, bool) {
	a, ok := r.byAlias[alias]
	return a, ok
}

func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.byAlias))
	for alias := range r.byAlias {
		out = append(out, alias)
	}
	return out
}
