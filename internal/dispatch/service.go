package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"optinbot/internal/account"
	"optinbot/internal/audit"
	rtsup "optinbot/internal/runtime/supervisor"
	logx "optinbot/pkg/logx"
)

// Executor runs one admitted job against the browser driver.
// The dispatcher owns admission (halts, rate windows, pacing); the executor
// owns session resolution, login, and flow playback.
type Executor interface {
	Execute(ctx context.Context, acct account.Account, job *Job) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	trail    *audit.Trail
	registry *account.Registry
	exec     Executor

	q        chan *Job
	limiter  *rate.Limiter
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// jobs counts submitted jobs that have not reached a terminal status.
	jobs sync.WaitGroup

	stateMu sync.Mutex
	states  map[string]*accountState

	dropped uint64
}

func New(cfg Config, log logx.Logger, trail *audit.Trail, registry *account.Registry, exec Executor) *Service {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if cfg.DeferPolicy != DeferSkip {
		cfg.DeferPolicy = DeferRequeue
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		trail:    trail,
		registry: registry,
		exec:     exec,
		states:   make(map[string]*accountState),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan *Job, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	} else {
		s.limiter = nil
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	stopCh := s.stopCh
	queue := s.q
	s.mu.Unlock()

	for i := 0; i < cfg.Parallelism; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return fmt.Errorf("worker %d exited unexpectedly", idx)
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("dispatcher started",
		logx.Int("workers", cfg.Parallelism),
		logx.Int("queue", cap(queue)),
		logx.Int("hourly_limit", cfg.HourlyLimit),
		logx.String("defer_policy", string(cfg.DeferPolicy)),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		// Jobs still queued at shutdown never ran; release their waiters.
		if s.q != nil {
		drain:
			for {
				select {
				case j := <-s.q:
					s.finish(j, StatusSkipped, ErrStopped)
				default:
					break drain
				}
			}
		}
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Enqueue accepts a job without blocking. A full queue returns ErrQueueFull.
func (s *Service) Enqueue(job *Job) error {
	return s.submit(context.Background(), job, false)
}

// Submit accepts a job, blocking until there is queue room, ctx is canceled,
// or the dispatcher stops.
func (s *Service) Submit(ctx context.Context, job *Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.submit(ctx, job, true)
}

func (s *Service) submit(ctx context.Context, job *Job, block bool) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}
	alias := strings.TrimSpace(job.Account)
	if alias == "" {
		return fmt.Errorf("job account is required")
	}
	job.Account = alias
	if _, ok := s.registry.Get(alias); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, alias)
	}
	if job.FlowAlias == "" && (job.Recipient == "" || job.Text == "") {
		return fmt.Errorf("job needs a flow alias or a recipient and text")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusPending
	job.enqueuedAt = time.Now()

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	s.jobs.Add(1)

	if !block {
		select {
		case q <- job:
			return nil
		default:
			s.jobs.Done()
			atomic.AddUint64(&s.dropped, 1)
			return ErrQueueFull
		}
	}

	select {
	case q <- job:
		return nil
	case <-ctx.Done():
		s.jobs.Done()
		return ctx.Err()
	case <-stopCh:
		s.jobs.Done()
		return ErrStopping
	}
}

// Flush blocks until every submitted job reached a terminal status.
func (s *Service) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetAccount clears the halt flag and failure counter so a halted account
// can accept work again. Safe to call while the dispatcher runs.
func (s *Service) ResetAccount(alias string) {
	st := s.stateFor(alias)
	st.mu.Lock()
	st.halted = false
	st.consecutive = 0
	st.mu.Unlock()
	s.log.Info("account reset", logx.String("account", alias))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Workers: cfg.Parallelism,
		Dropped: atomic.LoadUint64(&s.dropped),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	now := time.Now()
	s.stateMu.Lock()
	aliases := make([]string, 0, len(s.states))
	for a := range s.states {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		st := s.states[a]
		st.mu.Lock()
		st.window.prune(now)
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			Account:     a,
			SentInHour:  st.window.count(),
			LastSend:    st.lastSend,
			Consecutive: st.consecutive,
			Halted:      st.halted,
		})
		st.mu.Unlock()
	}
	s.stateMu.Unlock()
	return snap
}

func (s *Service) stateFor(alias string) *accountState {
	s.stateMu.Lock()
	st := s.states[alias]
	if st == nil {
		st = &accountState{}
		s.states[alias] = st
	}
	s.stateMu.Unlock()
	return st
}

// finish marks a terminal status and releases the job's Flush waiter.
func (s *Service) finish(job *Job, status Status, err error) {
	job.Status = status
	if err != nil {
		job.LastError = err.Error()
	}
	s.jobs.Done()
}
