// Package replywatch answers unread direct messages on a schedule. Each
// scan opens the account's browser context, walks the unread threads, and
// sends a templated reply to every thread whose title matches the filter.
package replywatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"optinbot/internal/account"
	"optinbot/internal/audit"
	"optinbot/internal/driver"
	"optinbot/internal/login"
	"optinbot/internal/session"
	logx "optinbot/pkg/logx"
)

type Config struct {
	// Schedule is a cron spec or @every descriptor. Defaults to @every 2m.
	Schedule string
	// Filter is a case-insensitive regex on thread titles. Empty matches all.
	Filter string
	// Template is the reply text; {username} expands to the thread title.
	Template string
	// Cooldown spaces consecutive replies within one scan.
	Cooldown time.Duration
}

type Watcher struct {
	accounts []account.Account
	sessions *session.Store
	resolver *login.Resolver
	drivers  driver.Factory
	trail    *audit.Trail
	log      logx.Logger

	// mu guards the reloadable settings and the cron instance.
	mu       sync.Mutex
	cfg      Config
	filter   *regexp.Regexp
	ctx      context.Context
	c        *cron.Cron
	scanning bool
}

// normalize validates cfg and compiles its thread filter.
func normalize(cfg Config) (Config, *regexp.Regexp, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 2m"
	}
	if strings.TrimSpace(cfg.Template) == "" {
		return cfg, nil, errors.New("reply template is required")
	}
	var filter *regexp.Regexp
	if cfg.Filter != "" {
		re, err := regexp.Compile("(?i)" + cfg.Filter)
		if err != nil {
			return cfg, nil, fmt.Errorf("compile filter: %w", err)
		}
		filter = re
	}
	return cfg, filter, nil
}

func New(cfg Config, accounts []account.Account, sessions *session.Store, resolver *login.Resolver, drivers driver.Factory, trail *audit.Trail, log logx.Logger) (*Watcher, error) {
	cfg, filter, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:      cfg,
		accounts: accounts,
		sessions: sessions,
		resolver: resolver,
		drivers:  drivers,
		trail:    trail,
		log:      log,
		filter:   filter,
	}, nil
}

// Start registers the scan on the cron schedule. Overlapping triggers are
// skipped: a scan that outlives its interval never stacks a second one.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.c != nil {
		return nil
	}
	w.ctx = ctx
	if err := w.startCronLocked(ctx, w.cfg.Schedule); err != nil {
		return err
	}
	w.log.Info("reply watcher started",
		logx.String("schedule", w.cfg.Schedule),
		logx.String("filter", w.cfg.Filter),
		logx.Int("accounts", len(w.accounts)),
	)
	return nil
}

// startCronLocked registers the scan on schedule. Caller holds w.mu.
func (w *Watcher) startCronLocked(ctx context.Context, schedule string) error {
	// SecondOptional allows both 5-field and 6-field specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(schedule, func() {
		if !w.tryBeginScan() {
			w.log.Debug("reply scan skipped: previous scan still running")
			return
		}
		defer w.endScan()
		if _, err := w.scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("reply scan failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	c.Start()
	w.c = c
	return nil
}

// Reconfigure applies updated settings to a running watcher. A changed
// schedule swaps the cron instance; a bad config leaves the current
// settings and schedule in place.
func (w *Watcher) Reconfigure(cfg Config) error {
	cfg, filter, err := normalize(cfg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.cfg
	old := w.c
	if old != nil && cfg.Schedule != prev.Schedule {
		w.c = nil
		if err := w.startCronLocked(w.ctx, cfg.Schedule); err != nil {
			w.c = old
			w.mu.Unlock()
			return err
		}
	}
	w.cfg = cfg
	w.filter = filter
	w.mu.Unlock()

	if old != nil && cfg.Schedule != prev.Schedule {
		// Let any in-flight trigger finish; the overlap guard keeps the new
		// cron from stacking a scan on top of it.
		old.Stop()
	}
	if cfg != prev {
		w.log.Info("reply watcher reconfigured",
			logx.String("schedule", cfg.Schedule),
			logx.String("filter", cfg.Filter),
			logx.Duration("cooldown", cfg.Cooldown),
		)
	}
	return nil
}

func (w *Watcher) Stop(ctx context.Context) {
	w.mu.Lock()
	c := w.c
	w.c = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		w.log.Warn("reply watcher stop timed out", logx.Any("err", ctx.Err()))
	}
	w.log.Info("reply watcher stopped")
}

// ScanOnce runs one scan across all accounts outside the schedule.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	if !w.tryBeginScan() {
		return 0, errors.New("a scan is already running")
	}
	defer w.endScan()
	return w.scan(ctx)
}

func (w *Watcher) tryBeginScan() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scanning {
		return false
	}
	w.scanning = true
	return true
}

func (w *Watcher) endScan() {
	w.mu.Lock()
	w.scanning = false
	w.mu.Unlock()
}

func (w *Watcher) scan(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, acct := range w.accounts {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := w.scanAccount(ctx, acct)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acct.Alias, err))
		}
	}
	return total, errors.Join(errs...)
}

// snapshot reads the reloadable settings consistently.
func (w *Watcher) snapshot() (Config, *regexp.Regexp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg, w.filter
}

func (w *Watcher) scanAccount(ctx context.Context, acct account.Account) (int, error) {
	cfg, filter := w.snapshot()

	w.trail.Append(audit.Record{
		Account: acct.Alias,
		Kind:    audit.KindReplyScan,
		Outcome: "start",
		Detail:  map[string]string{"filter": cfg.Filter},
	})

	state, err := w.sessions.Load(acct.Alias)
	needLogin := false
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		needLogin = true
	default:
		return 0, fmt.Errorf("resolve session: %w", err)
	}

	h, err := w.drivers.Open(ctx, acct, state)
	if err != nil {
		return 0, err
	}
	defer h.Close(context.WithoutCancel(ctx))

	if needLogin {
		if err := w.resolver.Login(ctx, h, acct); err != nil {
			return 0, err
		}
	}

	render := func(title string) string { return renderTemplate(cfg.Template, title) }
	replied, err := h.ReplyToUnread(ctx, filter, render, cfg.Cooldown)
	for _, title := range replied {
		w.trail.Append(audit.Record{
			Account: acct.Alias,
			Kind:    audit.KindReplySent,
			Outcome: "ok",
			Detail:  map[string]string{"thread": title, "length": strconv.Itoa(len(render(title)))},
		})
	}
	w.log.Info("reply scan finished",
		logx.String("account", acct.Alias),
		logx.Int("replied", len(replied)),
	)
	return len(replied), err
}

func renderTemplate(template, title string) string {
	return strings.ReplaceAll(template, "{username}", title)
}
