package dispatch

import (
	"context"
	"errors"
	"fmt"

	"optinbot/internal/account"
	"optinbot/internal/driver"
	"optinbot/internal/flow"
	"optinbot/internal/login"
	"optinbot/internal/session"
	logx "optinbot/pkg/logx"
)

// Runner is the production Executor. It resolves the account's stored
// session, logs in through the challenge resolver when none exists, then
// plays the job through the flow engine inside a single browser context.
type Runner struct {
	sessions *session.Store
	resolver *login.Resolver
	flows    *flow.Engine
	drivers  driver.Factory
	log      logx.Logger
}

func NewRunner(sessions *session.Store, resolver *login.Resolver, flows *flow.Engine, drivers driver.Factory, log logx.Logger) *Runner {
	return &Runner{
		sessions: sessions,
		resolver: resolver,
		flows:    flows,
		drivers:  drivers,
		log:      log,
	}
}

func (r *Runner) Execute(ctx context.Context, acct account.Account, job *Job) error {
	state, err := r.sessions.Load(acct.Alias)
	needLogin := false
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		needLogin = true
	default:
		// Decrypt failures surface; a fresh login must be an explicit
		// operator decision, not a silent fallback.
		return fmt.Errorf("resolve session for %s: %w", acct.Alias, err)
	}

	h, err := r.drivers.Open(ctx, acct, state)
	if err != nil {
		return err
	}
	defer h.Close(context.WithoutCancel(ctx))

	if needLogin {
		r.log.Info("no stored session, logging in", logx.String("account", acct.Alias))
		if err := r.resolver.Login(ctx, h, acct); err != nil {
			return err
		}
	}

	if job.FlowAlias != "" {
		return r.flows.Play(ctx, h, job.FlowAlias, job.Bindings)
	}
	bindings := map[string]string{
		"RECIPIENT": job.Recipient,
		"MESSAGE":   job.Text,
	}
	return r.flows.PlaySteps(ctx, h, "send_dm", driver.DirectMessageSteps(), bindings)
}
