// Package flow records and replays parameterized step sequences against a
// browser driver. Playback validates variable bindings up front, executes
// steps strictly in recorded order with per-step timeout and bounded retries,
// and inserts randomized human-like delays between actions.
package flow

import (
	"context"
	"errors"
	"math/rand"
	"time"

	logx "optinbot/pkg/logx"
)

// Runner executes one concrete (already resolved) step against the external
// browser surface, blocking until outcome or context cancellation.
type Runner interface {
	Run(ctx context.Context, step Step) error
}

type Config struct {
	// StepTimeout bounds a single step attempt.
	StepTimeout time.Duration
	// StepRetries is the number of retries after the first attempt.
	StepRetries int
	// RetryDelay is the fixed pause between attempts of one step.
	RetryDelay time.Duration
	// DelayMin/DelayMax bound the randomized pause between distinct steps.
	DelayMin time.Duration
	DelayMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 20 * time.Second
	}
	if c.StepRetries < 0 {
		c.StepRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	return c
}

type Engine struct {
	store *ScriptStore
	cfg   Config
	log   logx.Logger

	rng *rand.Rand
}

func NewEngine(store *ScriptStore, cfg Config, log logx.Logger) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record saves steps under alias, overwriting any prior script. When runner is
// non-nil each step is executed once while being captured, so the operator
// sees the flow working as they build it.
func (e *Engine) Record(ctx context.Context, runner Runner, alias string, steps []Step) error {
	if runner != nil {
		for i, st := range steps {
			if err := e.runStep(ctx, runner, i, st, 0); err != nil {
				return err
			}
		}
	}
	return e.store.Save(Script{Alias: alias, Steps: steps})
}

// Play loads the script saved under alias, resolves bindings, and executes
// the steps in order. A step's terminal failure aborts the run and reports
// the failing step's index and kind.
func (e *Engine) Play(ctx context.Context, runner Runner, alias string, bindings map[string]string) error {
	script, err := e.store.Load(alias)
	if err != nil {
		return err
	}
	return e.PlaySteps(ctx, runner, alias, script.Steps, bindings)
}

// PlaySteps runs an in-memory step sequence through the same resolution,
// pacing, and retry machinery as a stored script. Built-in sequences (the
// direct-message sender, reply templates) go through here.
func (e *Engine) PlaySteps(ctx context.Context, runner Runner, alias string, steps []Step, bindings map[string]string) error {
	resolved, err := Resolve(steps, bindings)
	if err != nil {
		return err
	}

	e.log.Debug("flow playback started", logx.String("alias", alias), logx.Int("steps", len(resolved)))
	for i, st := range resolved {
		if i > 0 {
			if err := e.humanPause(ctx); err != nil {
				return err
			}
		}
		if err := e.runStep(ctx, runner, i, st, e.cfg.StepRetries); err != nil {
			e.log.Warn("flow playback aborted", logx.String("alias", alias), logx.Int("step", i), logx.Err(err))
			return err
		}
	}
	e.log.Debug("flow playback finished", logx.String("alias", alias))
	return nil
}

// runStep executes one step with its timeout and a fixed delay between
// bounded retries. Transient failures never surface unless retries are
// exhausted.
func (e *Engine) runStep(ctx context.Context, runner Runner, index int, st Step, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &StepError{Index: index, Kind: st.Kind, Err: ctx.Err()}
			case <-time.After(e.cfg.RetryDelay):
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		err := runner.Run(stepCtx, st)
		timedOut := stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			return nil
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			err = ErrStepTimeout
		}
		if ctx.Err() != nil {
			return &StepError{Index: index, Kind: st.Kind, Err: ctx.Err()}
		}
		if IsNoRetry(err) {
			return &StepError{Index: index, Kind: st.Kind, Err: err}
		}
		lastErr = err
	}

	if retries > 0 {
		lastErr = errors.Join(ErrStepRetryExhausted, lastErr)
	}
	return &StepError{Index: index, Kind: st.Kind, Err: lastErr}
}

func (e *Engine) humanPause(ctx context.Context) error {
	d := e.cfg.DelayMin
	if span := e.cfg.DelayMax - e.cfg.DelayMin; span > 0 {
		d += time.Duration(e.rng.Int63n(int64(span)))
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
