package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"optinbot/internal/account"
	"optinbot/internal/app"
	"optinbot/internal/audit"
	"optinbot/internal/config"
	"optinbot/internal/dispatch"
	"optinbot/internal/flow"
	"optinbot/internal/login"
	"optinbot/internal/replywatch"
	"optinbot/internal/session"
	logx "optinbot/pkg/logx"
	"optinbot/pkg/systemd"
)

type commonFlags struct {
	configPath   string
	envPath      string
	accountsPath string
}

func addCommon(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", "", "path to config file (json or yaml)")
	fs.StringVar(&cf.envPath, "env", "", "path to dotenv file (default .env if present)")
	fs.StringVar(&cf.accountsPath, "accounts", "data/accounts.csv", "path to accounts CSV/JSON")
	return cf
}

func (cf *commonFlags) buildApp(prompter login.CodePrompter) (*app.App, error) {
	return app.New(app.Options{
		ConfigPath: cf.configPath,
		EnvPath:    cf.envPath,
		Prompter:   prompter,
	})
}

// loadAccountsFor reads the accounts file and fills per-account gaps from the
// process-wide config, e.g. a shared TOTP secret set via OPTIN_IG_TOTP.
func loadAccountsFor(a *app.App, path string) ([]account.Account, error) {
	accounts, err := loadAccounts(path)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].TOTPSecret == "" {
			accounts[i].TOTPSecret = a.Cfg.TOTPSecret
		}
	}
	return accounts, nil
}

func pickAccount(accounts []account.Account, alias string) (account.Account, error) {
	for _, a := range accounts {
		if a.Alias == alias {
			return a, nil
		}
	}
	return account.Account{}, fmt.Errorf("account %q not found in accounts file", alias)
}

// requireOptIn gates the bulk tooling behind an explicit switch.
func requireOptIn() error {
	if os.Getenv("OPTIN_ENABLE") != "1" {
		return errors.New("bulk tooling is disabled; set OPTIN_ENABLE=1 to continue")
	}
	return nil
}

func runLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	cf := addCommon(fs)
	alias := fs.String("account", "", "account alias to authenticate (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" {
		return errors.New("-account is required")
	}

	a, err := cf.buildApp(stdinPrompter{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	accounts, err := loadAccountsFor(a, cf.accountsPath)
	if err != nil {
		return err
	}
	acct, err := pickAccount(accounts, *alias)
	if err != nil {
		return err
	}

	h, err := a.Drivers.Open(ctx, acct, nil)
	if err != nil {
		return err
	}
	defer h.Close(context.WithoutCancel(ctx))

	if err := a.Resolver.Login(ctx, h, acct); err != nil {
		return err
	}
	fmt.Println("login complete, session stored for", acct.Alias)
	return nil
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cf := addCommon(fs)
	alias := fs.String("account", "", "sending account alias (required)")
	to := fs.String("to", "", "recipient username (required)")
	text := fs.String("text", "", "message text (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" || *to == "" || *text == "" {
		return errors.New("-account, -to, and -text are required")
	}

	a, err := cf.buildApp(stdinPrompter{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	accounts, err := loadAccountsFor(a, cf.accountsPath)
	if err != nil {
		return err
	}
	registry, err := account.NewRegistry(accounts)
	if err != nil {
		return err
	}

	svc := a.Dispatcher(registry, 1)
	svc.Start(ctx)
	defer svc.Stop(context.WithoutCancel(ctx))

	job := &dispatch.Job{Account: *alias, Recipient: *to, Text: *text}
	if err := svc.Submit(ctx, job); err != nil {
		return err
	}
	if err := svc.Flush(ctx); err != nil {
		return err
	}
	if job.Status != dispatch.StatusSucceeded {
		return fmt.Errorf("send %s: %s", job.Status, job.LastError)
	}
	fmt.Println("message sent to", *to)
	return nil
}

func runBatchSend(ctx context.Context, args []string) error {
	if err := requireOptIn(); err != nil {
		return err
	}
	fs := flag.NewFlagSet("batch-send", flag.ExitOnError)
	cf := addCommon(fs)
	recipientsPath := fs.String("recipients", "", "path to recipients CSV (required)")
	text := fs.String("text", "", "default text when a row has none")
	concurrency := fs.Int("concurrency", 0, "worker pool size (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recipientsPath == "" {
		return errors.New("-recipients is required")
	}

	a, err := cf.buildApp(stdinPrompter{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	accounts, err := loadAccountsFor(a, cf.accountsPath)
	if err != nil {
		return err
	}
	registry, err := account.NewRegistry(accounts)
	if err != nil {
		return err
	}
	recipients, err := loadRecipients(*recipientsPath, *text)
	if err != nil {
		return err
	}

	svc := a.Dispatcher(registry, *concurrency)
	svc.Start(ctx)
	defer svc.Stop(context.WithoutCancel(ctx))

	jobs := make([]*dispatch.Job, 0, len(recipients))
	for _, r := range recipients {
		job := &dispatch.Job{Account: r.Account, Recipient: r.To, Text: r.Text}
		if err := svc.Submit(ctx, job); err != nil {
			return fmt.Errorf("submit for %s: %w", r.Account, err)
		}
		jobs = append(jobs, job)
	}
	if err := svc.Flush(ctx); err != nil {
		return err
	}

	counts := map[dispatch.Status]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}
	fmt.Printf("batch finished: %d sent, %d failed, %d skipped\n",
		counts[dispatch.StatusSucceeded], counts[dispatch.StatusFailed], counts[dispatch.StatusSkipped])
	printHaltedAccounts(svc)
	return nil
}

func printHaltedAccounts(svc *dispatch.Service) {
	snap := svc.Snapshot()
	var halted []string
	for _, a := range snap.Accounts {
		if a.Halted {
			halted = append(halted, a.Account)
		}
	}
	if len(halted) > 0 {
		sort.Strings(halted)
		fmt.Println("halted accounts:", strings.Join(halted, ", "))
	}
}

func runRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	cf := addCommon(fs)
	alias := fs.String("alias", "", "script alias to save under (required)")
	stepsPath := fs.String("steps", "", "path to a JSON file with the step list (required)")
	acctAlias := fs.String("account", "", "execute each step live against this account while recording")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" || *stepsPath == "" {
		return errors.New("-alias and -steps are required")
	}

	a, err := cf.buildApp(stdinPrompter{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	data, err := os.ReadFile(*stepsPath)
	if err != nil {
		return err
	}
	var steps []flow.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return fmt.Errorf("parse %s: %w", *stepsPath, err)
	}

	var runner flow.Runner
	if *acctAlias != "" {
		accounts, err := loadAccountsFor(a, cf.accountsPath)
		if err != nil {
			return err
		}
		acct, err := pickAccount(accounts, *acctAlias)
		if err != nil {
			return err
		}
		state, err := a.Sessions.Load(acct.Alias)
		if err != nil {
			return fmt.Errorf("a stored session is required for live recording: %w", err)
		}
		h, err := a.Drivers.Open(ctx, acct, state)
		if err != nil {
			return err
		}
		defer h.Close(context.WithoutCancel(ctx))
		runner = h
	}

	if err := a.Flows.Record(ctx, runner, *alias, steps); err != nil {
		return err
	}
	fmt.Printf("recorded %d steps under %q\n", len(steps), *alias)
	return nil
}

// varFlags collects repeated -var NAME=value bindings.
type varFlags map[string]string

func (v varFlags) String() string { return "" }

func (v varFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected NAME=value, got %q", s)
	}
	v[name] = value
	return nil
}

func runPlay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	cf := addCommon(fs)
	alias := fs.String("account", "", "account alias to play as (required)")
	script := fs.String("alias", "", "script alias to play (required)")
	vars := varFlags{}
	fs.Var(vars, "var", "script binding as NAME=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *alias == "" || *script == "" {
		return errors.New("-account and -alias are required")
	}

	a, err := cf.buildApp(stdinPrompter{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	accounts, err := loadAccountsFor(a, cf.accountsPath)
	if err != nil {
		return err
	}
	registry, err := account.NewRegistry(accounts)
	if err != nil {
		return err
	}

	// Playback goes through the dispatcher so rate limits, halts, and the
	// audit trail apply the same as sends.
	svc := a.Dispatcher(registry, 1)
	svc.Start(ctx)
	defer svc.Stop(context.WithoutCancel(ctx))

	job := &dispatch.Job{Account: *alias, FlowAlias: *script, Bindings: vars}
	if err := svc.Submit(ctx, job); err != nil {
		return err
	}
	if err := svc.Flush(ctx); err != nil {
		return err
	}
	if job.Status != dispatch.StatusSucceeded {
		return fmt.Errorf("playback %s: %s", job.Status, job.LastError)
	}
	fmt.Printf("script %q played for %s\n", *script, *alias)
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	if err := requireOptIn(); err != nil {
		return err
	}
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addCommon(fs)
	filter := fs.String("filter", "", "regex on thread titles; empty replies to all")
	reply := fs.String("reply", "", "reply template, {username} expands to the thread title")
	schedule := fs.String("schedule", "", "cron spec or @every interval (default @every 2m)")
	cooldown := fs.Duration("cooldown", 0, "pause between replies within a scan (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	a, err := cf.buildApp(stdinPrompter{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	accounts, err := loadAccountsFor(a, cf.accountsPath)
	if err != nil {
		return err
	}

	wcfg := watchConfig(a.Cfg, setFlags, *filter, *reply, *schedule, *cooldown)
	if wcfg.Template == "" {
		return errors.New("-reply or watch_reply in the config file is required")
	}

	w, err := replywatch.New(wcfg, accounts, a.Sessions, a.Resolver, a.Drivers, a.Trail, a.Log.With(logx.String("comp", "replywatch")))
	if err != nil {
		return err
	}

	if err := w.Start(ctx); err != nil {
		return err
	}

	// Edits to the config file reload the watcher settings while it runs;
	// explicit flags keep winning over file values.
	if a.ConfigMgr != nil {
		sub := a.ConfigMgr.Subscribe(1)
		defer a.ConfigMgr.Unsubscribe(sub)
		go func() {
			if err := a.ConfigMgr.Watch(ctx); err != nil {
				a.Log.Warn("config watch stopped", logx.Err(err))
			}
		}()
		go func() {
			for fc := range sub {
				next, err := fc.Apply(config.Defaults())
				if err == nil {
					next, err = config.FromEnv(next)
				}
				if err != nil {
					a.Log.Warn("config reload rejected", logx.Err(err))
					continue
				}
				if err := w.Reconfigure(watchConfig(next, setFlags, *filter, *reply, *schedule, *cooldown)); err != nil {
					a.Log.Warn("config reload rejected", logx.Err(err))
				}
			}
		}()
	}
	systemd.NotifyReady(a.Log)

	// One immediate pass so the operator sees activity before the first tick.
	if n, err := w.ScanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Warn("initial reply scan failed", logx.Err(err))
	} else if err == nil {
		a.Log.Info("initial reply scan finished", logx.Int("replied", n))
	}

	<-ctx.Done()
	systemd.NotifyStopping(a.Log)
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.Stop(stopCtx)
	return nil
}

// watchConfig layers the reply watcher settings: explicit flags win over the
// config file, which wins over built-in defaults.
func watchConfig(cfg config.Config, set map[string]bool, filter, reply, schedule string, cooldown time.Duration) replywatch.Config {
	out := replywatch.Config{
		Schedule: cfg.WatchSchedule,
		Filter:   cfg.WatchFilter,
		Template: cfg.WatchReply,
		Cooldown: cfg.WatchCooldown,
	}
	if out.Cooldown <= 0 {
		out.Cooldown = cfg.SendCooldown
	}
	if set["schedule"] {
		out.Schedule = schedule
	}
	if set["filter"] {
		out.Filter = filter
	}
	if set["reply"] {
		out.Template = reply
	}
	if set["cooldown"] {
		out.Cooldown = cooldown
	}
	return out
}

func runRotateKey(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rotate-key", flag.ExitOnError)
	cf := addCommon(fs)
	newKeyRaw := fs.String("new-key", "", "new session key: base64 of 32 bytes, or a passphrase (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *newKeyRaw == "" {
		return errors.New("-new-key is required")
	}

	a, err := cf.buildApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	newKey := config.DeriveKey(*newKeyRaw)

	accounts, err := loadAccountsFor(a, cf.accountsPath)
	if err != nil {
		return err
	}

	rotated := 0
	for _, acct := range accounts {
		err := a.Sessions.Rotate(acct.Alias, newKey)
		switch {
		case err == nil:
			rotated++
			a.Trail.Append(audit.Record{
				Account: acct.Alias,
				Kind:    audit.KindKeyRotation,
				Outcome: "ok",
				Detail:  map[string]string{"fingerprint": session.Fingerprint(newKey)},
			})
		case errors.Is(err, session.ErrNotFound):
			// No stored session for this account; nothing to rotate.
		default:
			return fmt.Errorf("rotate %s: %w", acct.Alias, err)
		}
	}
	fmt.Printf("rotated %d session(s); new key fingerprint %s\n", rotated, session.Fingerprint(newKey))
	fmt.Println("update SESSION_ENCRYPTION_KEY before the next run")
	return nil
}
