package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"optinbot/internal/account"
	"optinbot/internal/audit"
	logx "optinbot/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureSink) Append(_ context.Context, rec audit.Record) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) countKind(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

type fakeExec struct {
	mu          sync.Mutex
	calls       map[string]int
	inflight    map[string]int
	maxInflight map[string]int
	fail        map[string]bool
	delay       time.Duration
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		calls:       make(map[string]int),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		fail:        make(map[string]bool),
	}
}

func (f *fakeExec) Execute(_ context.Context, acct account.Account, _ *Job) error {
	f.mu.Lock()
	f.calls[acct.Alias]++
	f.inflight[acct.Alias]++
	if f.inflight[acct.Alias] > f.maxInflight[acct.Alias] {
		f.maxInflight[acct.Alias] = f.inflight[acct.Alias]
	}
	fail := f.fail[acct.Alias]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inflight[acct.Alias]--
	f.mu.Unlock()

	if fail {
		return errors.New("driver exploded")
	}
	return nil
}

func (f *fakeExec) callCount(alias string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[alias]
}

func testRegistry(t *testing.T) *account.Registry {
	t.Helper()
	reg, err := account.NewRegistry([]account.Account{
		{Alias: "alpha", Username: "alpha_user", Password: "pw"},
		{Alias: "beta", Username: "beta_user", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newTestService(t *testing.T, cfg Config, exec Executor) (*Service, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	trail := audit.NewTrail(sink, 1024, logx.Nop())
	t.Cleanup(func() { trail.Close() })
	svc := New(cfg, logx.Nop(), trail, testRegistry(t), exec)
	return svc, sink
}

func dmJob(alias, recipient string) *Job {
	return &Job{Account: alias, Recipient: recipient, Text: "hello"}
}

func TestPerAccountSerialization(t *testing.T) {
	exec := newFakeExec()
	exec.delay = 10 * time.Millisecond
	svc, _ := newTestService(t, Config{Parallelism: 4}, exec)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	jobs := make([]*Job, 0, 12)
	for i := 0; i < 6; i++ {
		jobs = append(jobs, dmJob("alpha", "r"), dmJob("beta", "r"))
	}
	for _, j := range jobs {
		if err := svc.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for _, alias := range []string{"alpha", "beta"} {
		exec.mu.Lock()
		max := exec.maxInflight[alias]
		exec.mu.Unlock()
		if max > 1 {
			t.Fatalf("account %s ran %d jobs concurrently, want 1", alias, max)
		}
		if got := exec.callCount(alias); got != 6 {
			t.Fatalf("account %s executed %d jobs, want 6", alias, got)
		}
	}
	for i, j := range jobs {
		if j.Status != StatusSucceeded {
			t.Fatalf("job %d status = %s, want succeeded", i, j.Status)
		}
	}
}

func TestHaltAfterConsecutiveFailures(t *testing.T) {
	exec := newFakeExec()
	exec.fail["alpha"] = true
	svc, sink := newTestService(t, Config{Parallelism: 1, MaxConsecutiveErrors: 2}, exec)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	jobs := []*Job{dmJob("alpha", "a"), dmJob("alpha", "b"), dmJob("alpha", "c"), dmJob("alpha", "d")}
	for _, j := range jobs {
		if err := svc.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := exec.callCount("alpha"); got != 2 {
		t.Fatalf("driver invoked %d times, want 2 (halt must stop further attempts)", got)
	}
	for i, j := range jobs[:2] {
		if j.Status != StatusFailed {
			t.Fatalf("job %d status = %s, want failed", i, j.Status)
		}
	}
	for i, j := range jobs[2:] {
		if j.Status != StatusSkipped {
			t.Fatalf("job %d status = %s, want skipped", i+2, j.Status)
		}
		if !strings.Contains(j.LastError, "halted") {
			t.Fatalf("job %d LastError = %q, want halt reason", i+2, j.LastError)
		}
	}

	snap := svc.Snapshot()
	if len(snap.Accounts) == 0 || !snap.Accounts[0].Halted {
		t.Fatalf("snapshot does not report alpha halted: %+v", snap.Accounts)
	}

	// Trail writes are async; give the consumer a moment.
	deadline := time.Now().Add(time.Second)
	for sink.countKind(audit.KindAccountHalt) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.countKind(audit.KindAccountHalt); got != 1 {
		t.Fatalf("account_halted records = %d, want 1", got)
	}
	if got := sink.countKind(audit.KindJobSkipped); got != 2 {
		t.Fatalf("job_skipped records = %d, want 2", got)
	}
}

func TestHourlyCapSkipsOverLimitJob(t *testing.T) {
	exec := newFakeExec()
	svc, sink := newTestService(t, Config{
		Parallelism: 1,
		HourlyLimit: 2,
		DeferPolicy: DeferSkip,
	}, exec)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	jobs := []*Job{dmJob("alpha", "a"), dmJob("alpha", "b"), dmJob("alpha", "c")}
	for _, j := range jobs {
		if err := svc.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := exec.callCount("alpha"); got != 2 {
		t.Fatalf("driver invoked %d times, want 2", got)
	}
	if jobs[2].Status != StatusSkipped {
		t.Fatalf("over-limit job status = %s, want skipped", jobs[2].Status)
	}

	deadline := time.Now().Add(time.Second)
	for sink.countKind(audit.KindRateLimited) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.countKind(audit.KindRateLimited); got != 1 {
		t.Fatalf("rate_limited records = %d, want 1", got)
	}
}

func TestSendCooldownDefersAndRequeues(t *testing.T) {
	exec := newFakeExec()
	svc, _ := newTestService(t, Config{
		Parallelism:  1,
		SendCooldown: 50 * time.Millisecond,
		DeferPolicy:  DeferRequeue,
	}, exec)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	first := dmJob("alpha", "a")
	second := dmJob("alpha", "b")
	start := time.Now()
	if err := svc.Submit(context.Background(), first); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Submit(context.Background(), second); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if first.Status != StatusSucceeded || second.Status != StatusSucceeded {
		t.Fatalf("statuses = %s, %s, want both succeeded", first.Status, second.Status)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("both jobs finished in %v, cooldown not applied", elapsed)
	}
	if got := exec.callCount("alpha"); got != 2 {
		t.Fatalf("driver invoked %d times, want 2", got)
	}
}

func TestResetAccountClearsHalt(t *testing.T) {
	exec := newFakeExec()
	exec.fail["alpha"] = true
	svc, _ := newTestService(t, Config{Parallelism: 1, MaxConsecutiveErrors: 1}, exec)

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bad := dmJob("alpha", "a")
	if err := svc.Submit(context.Background(), bad); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if bad.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", bad.Status)
	}

	exec.mu.Lock()
	exec.fail["alpha"] = false
	exec.mu.Unlock()
	svc.ResetAccount("alpha")

	good := dmJob("alpha", "b")
	if err := svc.Submit(context.Background(), good); err != nil {
		t.Fatalf("Submit after reset: %v", err)
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if good.Status != StatusSucceeded {
		t.Fatalf("status after reset = %s, want succeeded", good.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, Config{}, newFakeExec())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Submit(context.Background(), dmJob("nobody", "r")); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("unknown account err = %v, want ErrUnknownAccount", err)
	}
	if err := svc.Submit(context.Background(), &Job{Account: "alpha"}); err == nil {
		t.Fatal("job without payload accepted")
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	svc, _ := newTestService(t, Config{}, newFakeExec())
	if err := svc.Enqueue(dmJob("alpha", "r")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStopSkipsQueuedJobs(t *testing.T) {
	block := make(chan struct{})
	exec := &blockingExec{release: block}
	svc, _ := newTestService(t, Config{Parallelism: 1, QueueSize: 8}, exec)

	svc.Start(context.Background())

	running := dmJob("alpha", "a")
	queued := dmJob("beta", "b")
	if err := svc.Submit(context.Background(), running); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started()
	if err := svc.Submit(context.Background(), queued); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	svc.Stop(context.Background())

	if queued.Status != StatusSkipped && queued.Status != StatusSucceeded {
		t.Fatalf("queued job status = %s, want skipped or succeeded", queued.Status)
	}
}

type blockingExec struct {
	release   chan struct{}
	startOnce sync.Once
	startCh   chan struct{}
	mu        sync.Mutex
}

func (b *blockingExec) started() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startCh == nil {
		b.startCh = make(chan struct{})
	}
	return b.startCh
}

func (b *blockingExec) Execute(ctx context.Context, _ account.Account, _ *Job) error {
	b.startOnce.Do(func() { close(b.started()) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCompletionLogReportsQueueWait(t *testing.T) {
	out := &syncBuffer{}
	sink := &captureSink{}
	trail := audit.NewTrail(sink, 64, logx.Nop())
	defer trail.Close()
	svc := New(Config{Parallelism: 1}, logx.NewJSON(out, "debug"), trail, testRegistry(t), newFakeExec())

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Submit(context.Background(), dmJob("alpha", "r")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	logged := out.String()
	if !strings.Contains(logged, "job completed") {
		t.Fatalf("completion log missing:\n%s", logged)
	}
	if !strings.Contains(logged, "queue_wait") {
		t.Fatalf("completion log has no queue_wait field:\n%s", logged)
	}
}
