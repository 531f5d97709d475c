// Package app wires the runtime pieces together: configuration layering,
// the audit trail, the session store, the flow engine, and the browser
// driver factory. Commands grab what they need from the App.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"optinbot/internal/account"
	"optinbot/internal/audit"
	"optinbot/internal/config"
	"optinbot/internal/dispatch"
	"optinbot/internal/driver"
	"optinbot/internal/flow"
	"optinbot/internal/login"
	"optinbot/internal/session"
	logx "optinbot/pkg/logx"
)

type Options struct {
	// ConfigPath points at an optional JSON or YAML config file.
	ConfigPath string
	// EnvPath points at an optional dotenv file; ".env" is tried by default.
	EnvPath string
	// Prompter supplies manually obtained 2FA codes. nil disables the
	// manual challenge path.
	Prompter login.CodePrompter
}

type App struct {
	Cfg config.Config
	Log logx.Logger

	// ConfigMgr watches the config file when one was given; nil otherwise.
	ConfigMgr *config.Manager

	Trail    *audit.Trail
	Sessions *session.Store
	Scripts  *flow.ScriptStore
	Flows    *flow.Engine
	Resolver *login.Resolver
	Drivers  driver.Factory
}

func New(opts Options) (*App, error) {
	// Missing .env is fine; an explicit path that fails to load is not.
	envPath := opts.EnvPath
	if envPath == "" {
		if _, err := os.Stat(".env"); err == nil {
			envPath = ".env"
		}
	}
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	cfg := config.Defaults()
	var mgr *config.Manager
	if opts.ConfigPath != "" {
		mgr = config.NewManager(opts.ConfigPath)
		fc, err := mgr.Load()
		if err != nil {
			return nil, err
		}
		cfg, err = fc.Apply(cfg)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return nil, err
	}

	log := logx.NewConsole(cfg.LogLevel)
	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}
	trail := audit.NewTrail(sink, 256, log.With(logx.String("comp", "audit")))

	sessions, err := session.NewStore(cfg.SessionsDir, cfg.SessionKey)
	if err != nil {
		trail.Close()
		return nil, err
	}
	scripts, err := flow.NewScriptStore(cfg.FlowsDir)
	if err != nil {
		trail.Close()
		return nil, err
	}
	flows := flow.NewEngine(scripts, flow.Config{
		StepTimeout: cfg.StepTimeout,
		StepRetries: cfg.StepRetries,
		DelayMin:    cfg.DelayMin,
		DelayMax:    cfg.DelayMax,
	}, log.With(logx.String("comp", "flow")))

	resolver := login.NewResolver(sessions, trail, opts.Prompter, login.Config{
		PromptSMS:      cfg.PromptSMS,
		PromptTimeout:  cfg.PromptTimeout,
		ResendCooldown: cfg.ResendCooldown,
	}, log.With(logx.String("comp", "login")))

	drivers := driver.NewPlaywright(driver.Options{
		Headless:  cfg.Headless,
		ProxyURL:  cfg.ProxyURL,
		UserAgent: cfg.UserAgent,
		Locale:    cfg.Locale,
		Timezone:  cfg.Timezone,
	}, log.With(logx.String("comp", "driver")))

	return &App{
		Cfg:       cfg,
		Log:       log,
		ConfigMgr: mgr,
		Trail:     trail,
		Sessions:  sessions,
		Scripts:   scripts,
		Flows:     flows,
		Resolver:  resolver,
		Drivers:   drivers,
	}, nil
}

// Dispatcher builds a dispatch service backed by the app's driver stack.
// parallelism <= 0 falls back to the configured default.
func (a *App) Dispatcher(registry *account.Registry, parallelism int) *dispatch.Service {
	if parallelism <= 0 {
		parallelism = a.Cfg.Parallelism
	}
	runner := dispatch.NewRunner(a.Sessions, a.Resolver, a.Flows, a.Drivers, a.Log.With(logx.String("comp", "runner")))
	return dispatch.New(dispatch.Config{
		Parallelism:          parallelism,
		QueueSize:            a.Cfg.QueueSize,
		HourlyLimit:          a.Cfg.DMPerHourLimit,
		SendCooldown:         a.Cfg.SendCooldown,
		MaxConsecutiveErrors: a.Cfg.MaxConsecutiveErrors,
		DeferPolicy:          dispatch.DeferPolicy(a.Cfg.DeferPolicy),
		RatePerSec:           float64(a.Cfg.RatePerSec),
	}, a.Log.With(logx.String("comp", "dispatch")), a.Trail, registry, runner)
}

// Close releases browser and audit resources. Call after all work drained.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Drivers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Trail.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func buildSink(cfg config.Config) (audit.Sink, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.AuditLogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	switch cfg.AuditDriver {
	case "sqlite":
		return audit.NewSQLiteSink(cfg.AuditLogPath, 0)
	default:
		return audit.NewFileSink(cfg.AuditLogPath)
	}
}
