// Package login implements the authentication state machine:
//
//	Init → SubmittingCredentials → {Authenticated, AwaitingChallenge, Failed}
//	AwaitingChallenge → {ResolvingTotp, PromptingManual} → {Authenticated, Failed}
//
// A configured TOTP secret resolves challenges without human involvement;
// otherwise an operator-supplied code is awaited up to a configured timeout.
// Reaching Authenticated hands the browser auth state to the session store;
// a persist failure downgrades the whole login to a failure, since an
// unpersisted session cannot be reused.
package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"optinbot/internal/account"
	"optinbot/internal/audit"
	"optinbot/internal/session"
	"optinbot/internal/totp"
	logx "optinbot/pkg/logx"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrChallengeTimeout   = errors.New("challenge code not supplied in time")
	ErrNoChallengeMethod  = errors.New("no challenge method available")
	ErrPersist            = errors.New("session persist failed")
	ErrResendCooldown     = errors.New("code resend still cooling down")
)

// CredentialOutcome is the surface's verdict on a credential submission.
type CredentialOutcome int

const (
	CredentialsAccepted CredentialOutcome = iota
	CredentialsRejected
	ChallengeRequired
)

// Surface is the browser-driving collaborator the resolver talks to. It
// exposes the login page as capabilities, keeping selector logic out of here.
type Surface interface {
	SubmitCredentials(ctx context.Context, username, password string) (CredentialOutcome, error)
	// SubmitChallengeCode returns false when the surface rejects the code.
	SubmitChallengeCode(ctx context.Context, code string) (bool, error)
	RequestCodeResend(ctx context.Context) error
	// AuthState reads the persisted browser state after authentication.
	AuthState(ctx context.Context) ([]byte, error)
}

// CodePrompter supplies a manually obtained challenge code (e.g. SMS).
// Prompt must honor ctx cancellation.
type CodePrompter interface {
	Prompt(ctx context.Context) (string, error)
}

type Config struct {
	// PromptSMS enables the manual challenge path when no TOTP secret exists.
	PromptSMS bool
	// PromptTimeout bounds the wait for a manually supplied code.
	PromptTimeout time.Duration
	// ResendCooldown is the minimum interval between code resend requests.
	ResendCooldown time.Duration
}

type Resolver struct {
	sessions *session.Store
	trail    *audit.Trail
	prompter CodePrompter
	cfg      Config
	log      logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu         sync.Mutex
	lastResend map[string]time.Time
}

func NewResolver(sessions *session.Store, trail *audit.Trail, prompter CodePrompter, cfg Config, log logx.Logger) *Resolver {
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 180 * time.Second
	}
	return &Resolver{
		sessions:   sessions,
		trail:      trail,
		prompter:   prompter,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		lastResend: make(map[string]time.Time),
	}
}

// Login runs the state machine for acct against surface. On success the
// resulting auth state has been persisted to the session store.
func (r *Resolver) Login(ctx context.Context, surface Surface, acct account.Account) error {
	r.trail.Append(audit.Record{
		Account: acct.Alias,
		Kind:    audit.KindLoginAttempt,
		Outcome: "started",
		Detail:  map[string]string{"username": acct.Username},
	})

	err := r.login(ctx, surface, acct)
	if err != nil {
		r.trail.Append(audit.Record{
			Account: acct.Alias,
			Kind:    audit.KindLoginFailed,
			Outcome: "failed",
			Detail:  map[string]string{"reason": err.Error()},
		})
		return err
	}

	r.trail.Append(audit.Record{Account: acct.Alias, Kind: audit.KindLoginSuccess, Outcome: "ok"})
	return nil
}

func (r *Resolver) login(ctx context.Context, surface Surface, acct account.Account) error {
	outcome, err := surface.SubmitCredentials(ctx, acct.Username, acct.Password)
	if err != nil {
		return fmt.Errorf("submit credentials: %w", err)
	}

	switch outcome {
	case CredentialsRejected:
		return ErrInvalidCredentials
	case ChallengeRequired:
		if err := r.resolveChallenge(ctx, surface, acct); err != nil {
			return err
		}
	case CredentialsAccepted:
		// fall through to persist
	default:
		return fmt.Errorf("unknown credential outcome %d", outcome)
	}

	return r.persist(ctx, surface, acct)
}

func (r *Resolver) resolveChallenge(ctx context.Context, surface Surface, acct account.Account) error {
	if acct.TOTPSecret != "" {
		code, err := totp.Code(acct.TOTPSecret, r.now())
		if err != nil {
			return fmt.Errorf("derive totp code: %w", err)
		}
		r.trail.Append(audit.Record{
			Account: acct.Alias,
			Kind:    audit.KindTwoFASend,
			Outcome: "ok",
			Detail:  map[string]string{"channel": "totp"},
		})
		return r.submitCode(ctx, surface, code)
	}

	if !r.cfg.PromptSMS {
		return ErrNoChallengeMethod
	}
	if r.prompter == nil {
		return fmt.Errorf("manual prompt enabled but no prompter wired: %w", ErrNoChallengeMethod)
	}

	r.trail.Append(audit.Record{
		Account: acct.Alias,
		Kind:    audit.KindTwoFASend,
		Outcome: "ok",
		Detail:  map[string]string{"channel": "sms"},
	})

	promptCtx, cancel := context.WithTimeout(ctx, r.cfg.PromptTimeout)
	defer cancel()
	for {
		code, err := r.prompter.Prompt(promptCtx)
		if err != nil {
			if promptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return ErrChallengeTimeout
			}
			return fmt.Errorf("prompt for code: %w", err)
		}
		// An empty entry means the code never arrived: request a resend
		// (the cooldown may reject it) and ask again.
		if strings.TrimSpace(code) == "" {
			if err := r.Resend(promptCtx, surface, acct.Alias); err != nil {
				r.log.Warn("code resend rejected",
					logx.String("account", acct.Alias),
					logx.Err(err),
				)
			}
			continue
		}
		return r.submitCode(ctx, surface, code)
	}
}

func (r *Resolver) submitCode(ctx context.Context, surface Surface, code string) error {
	ok, err := surface.SubmitChallengeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("submit challenge code: %w", err)
	}
	if !ok {
		return fmt.Errorf("challenge code rejected: %w", ErrInvalidCredentials)
	}
	return nil
}

func (r *Resolver) persist(ctx context.Context, surface Surface, acct account.Account) error {
	state, err := surface.AuthState(ctx)
	if err != nil {
		return fmt.Errorf("read auth state: %w", errors.Join(ErrPersist, err))
	}
	if err := r.sessions.Save(acct.Alias, state); err != nil {
		// Authentication itself succeeded, but an unpersisted session cannot
		// be reused, so the overall login is a failure.
		return fmt.Errorf("save session: %w", errors.Join(ErrPersist, err))
	}
	return nil
}

// Resend forwards a code resend request unless the account is still inside
// the configured cooldown window, in which case the request is rejected
// without touching the surface.
func (r *Resolver) Resend(ctx context.Context, surface Surface, alias string) error {
	now := r.now()

	r.mu.Lock()
	last, ok := r.lastResend[alias]
	if ok && r.cfg.ResendCooldown > 0 {
		if wait := r.cfg.ResendCooldown - now.Sub(last); wait > 0 {
			r.mu.Unlock()
			return fmt.Errorf("wait %s: %w", wait.Round(time.Second), ErrResendCooldown)
		}
	}
	r.lastResend[alias] = now
	r.mu.Unlock()

	if err := surface.RequestCodeResend(ctx); err != nil {
		return fmt.Errorf("request code resend: %w", err)
	}
	r.trail.Append(audit.Record{
		Account: alias,
		Kind:    audit.KindTwoFASend,
		Outcome: "ok",
		Detail:  map[string]string{"channel": "sms", "reason": "resend"},
	})
	return nil
}
