package dispatch

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"optinbot/internal/audit"
	logx "optinbot/pkg/logx"
)

// deferPoll caps how long a worker sleeps on a not-yet-eligible job before
// putting it back, so shutdown and newly eligible work stay responsive.
const deferPoll = 250 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *Job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			s.handle(ctx, stopCh, queue, job)
		}
	}
}

func (s *Service) handle(ctx context.Context, stopCh <-chan struct{}, queue chan *Job, job *Job) {
	st := s.stateFor(job.Account)

	// One job per account at a time. Losing the race is normal when several
	// jobs target the same account; put the job back and take other work.
	if !st.run.tryAcquire() {
		s.requeue(ctx, stopCh, queue, job)
		runtime.Gosched()
		return
	}
	defer st.run.release()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := time.Now()

	// A halted account skips before any rate accounting.
	st.mu.Lock()
	halted := st.halted
	st.mu.Unlock()
	if halted {
		s.trail.Append(audit.Record{
			Account: job.Account,
			Kind:    audit.KindJobSkipped,
			Outcome: "skipped",
			JobID:   job.ID,
			Detail:  map[string]string{"reason": "account_halted"},
		})
		s.log.Warn("job skipped: account halted", logx.String("account", job.Account), logx.String("job", job.ID))
		s.finish(job, StatusSkipped, ErrAccountHalted)
		return
	}

	// Deferred job that is not yet eligible: nap briefly, then put it back.
	if !job.NotBefore.IsZero() && now.Before(job.NotBefore) {
		wait := job.NotBefore.Sub(now)
		if wait > deferPoll {
			wait = deferPoll
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			s.finish(job, StatusSkipped, ErrStopped)
			return
		case <-stopCh:
			tmr.Stop()
			s.finish(job, StatusSkipped, ErrStopped)
			return
		case <-tmr.C:
		}
		s.requeue(ctx, stopCh, queue, job)
		return
	}

	// Rolling hourly window, then the per-account send cooldown.
	st.mu.Lock()
	st.window.prune(now)
	eligible := st.window.eligibleAt(now, cfg.HourlyLimit)
	if cfg.SendCooldown > 0 && !st.lastSend.IsZero() {
		if cd := st.lastSend.Add(cfg.SendCooldown); cd.After(now) && cd.After(eligible) {
			eligible = cd
		}
	}
	st.mu.Unlock()

	if !eligible.IsZero() && now.Before(eligible) {
		s.trail.Append(audit.Record{
			Account: job.Account,
			Kind:    audit.KindRateLimited,
			Outcome: "deferred",
			JobID:   job.ID,
			Detail: map[string]string{
				"eligible_at": eligible.UTC().Format(time.RFC3339),
				"policy":      string(cfg.DeferPolicy),
			},
		})
		if cfg.DeferPolicy == DeferSkip {
			s.log.Warn("job skipped: rate limited", logx.String("account", job.Account), logx.String("job", job.ID))
			s.finish(job, StatusSkipped, ErrRateLimited)
			return
		}
		s.log.Debug("job deferred: rate limited",
			logx.String("account", job.Account),
			logx.String("job", job.ID),
			logx.Time("eligible_at", eligible),
		)
		job.NotBefore = eligible
		s.requeue(ctx, stopCh, queue, job)
		return
	}

	// Global pacing across all accounts.
	if lim := s.limiter; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			s.finish(job, StatusSkipped, ErrStopped)
			return
		}
	}

	acct, ok := s.registry.Get(job.Account)
	if !ok {
		s.finish(job, StatusFailed, ErrUnknownAccount)
		return
	}

	job.Status = StatusRunning
	job.Attempts++

	attemptKind, okKind, failKind := jobKinds(job)
	s.trail.Append(audit.Record{
		Account: job.Account,
		Kind:    attemptKind,
		Outcome: "attempt",
		JobID:   job.ID,
		Attempt: job.Attempts,
		Detail:  jobDetail(job),
	})

	start := time.Now()
	execErr := s.exec.Execute(ctx, acct, job)
	dur := time.Since(start)

	if execErr == nil {
		sent := time.Now()
		st.mu.Lock()
		st.window.add(sent)
		st.lastSend = sent
		st.consecutive = 0
		st.mu.Unlock()

		s.trail.Append(audit.Record{
			Account: job.Account,
			Kind:    okKind,
			Outcome: "ok",
			JobID:   job.ID,
			Attempt: job.Attempts,
			Detail:  jobDetail(job),
		})
		s.log.Info("job completed",
			logx.String("account", job.Account),
			logx.String("job", job.ID),
			logx.Duration("dur", dur),
			logx.Duration("queue_wait", start.Sub(job.enqueuedAt)),
		)
		s.finish(job, StatusSucceeded, nil)
		return
	}

	st.mu.Lock()
	st.consecutive++
	tripped := st.consecutive >= cfg.MaxConsecutiveErrors
	if tripped {
		st.halted = true
	}
	consecutive := st.consecutive
	st.mu.Unlock()

	detail := jobDetail(job)
	detail["error"] = execErr.Error()
	s.trail.Append(audit.Record{
		Account: job.Account,
		Kind:    failKind,
		Outcome: "error",
		JobID:   job.ID,
		Attempt: job.Attempts,
		Detail:  detail,
	})
	s.log.Warn("job failed",
		logx.String("account", job.Account),
		logx.String("job", job.ID),
		logx.Int("consecutive", consecutive),
		logx.Duration("dur", dur),
		logx.Err(execErr),
	)

	if tripped {
		s.trail.Append(audit.Record{
			Account: job.Account,
			Kind:    audit.KindAccountHalt,
			Outcome: "halted",
			Detail:  map[string]string{"consecutive_errors": strconv.Itoa(consecutive)},
		})
		s.log.Error("account halted after consecutive failures",
			logx.String("account", job.Account),
			logx.Int("consecutive", consecutive),
		)
	}
	s.finish(job, StatusFailed, execErr)
}

// requeue puts a job back on the queue, honoring shutdown. The slot the job
// just vacated makes room the common case; a racing full queue drops it.
func (s *Service) requeue(ctx context.Context, stopCh <-chan struct{}, queue chan *Job, job *Job) {
	select {
	case <-ctx.Done():
		s.finish(job, StatusSkipped, ErrStopped)
	case <-stopCh:
		s.finish(job, StatusSkipped, ErrStopped)
	case queue <- job:
	default:
		s.log.Warn("job dropped: queue full on requeue", logx.String("account", job.Account), logx.String("job", job.ID))
		s.finish(job, StatusSkipped, ErrQueueFull)
	}
}

func jobKinds(job *Job) (attempt, ok, fail string) {
	if job.FlowAlias != "" {
		return audit.KindFlowPlayback, audit.KindFlowPlayback, audit.KindFlowPlayback
	}
	return audit.KindDMAttempt, audit.KindDMSent, audit.KindDMFailed
}

func jobDetail(job *Job) map[string]string {
	d := make(map[string]string, 2)
	if job.FlowAlias != "" {
		d["flow"] = job.FlowAlias
	} else {
		d["recipient"] = job.Recipient
	}
	return d
}
