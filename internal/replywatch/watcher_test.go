package replywatch

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"optinbot/internal/account"
	"optinbot/internal/audit"
	"optinbot/internal/driver"
	"optinbot/internal/flow"
	"optinbot/internal/login"
	"optinbot/internal/session"
	logx "optinbot/pkg/logx"
)

type fakeHandle struct {
	mu       sync.Mutex
	threads  []string
	replied  []string
	loggedIn bool
}

func (f *fakeHandle) Run(context.Context, flow.Step) error { return nil }

func (f *fakeHandle) SubmitCredentials(context.Context, string, string) (login.CredentialOutcome, error) {
	f.mu.Lock()
	f.loggedIn = true
	f.mu.Unlock()
	return login.CredentialsAccepted, nil
}

func (f *fakeHandle) SubmitChallengeCode(context.Context, string) (bool, error) { return true, nil }
func (f *fakeHandle) RequestCodeResend(context.Context) error                  { return nil }

func (f *fakeHandle) AuthState(context.Context) ([]byte, error) {
	return []byte(`{"cookies":[]}`), nil
}

func (f *fakeHandle) ReplyToUnread(ctx context.Context, match *regexp.Regexp, render func(string) string, _ time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, title := range f.threads {
		if match != nil && !match.MatchString(title) {
			continue
		}
		_ = render(title)
		out = append(out, title)
	}
	f.replied = out
	return out, nil
}

func (f *fakeHandle) Close(context.Context) error { return nil }

type fakeFactory struct {
	handle *fakeHandle
	opens  int
}

func (f *fakeFactory) Open(_ context.Context, _ account.Account, _ []byte) (driver.Handle, error) {
	f.opens++
	return f.handle, nil
}

func (f *fakeFactory) Shutdown(context.Context) error { return nil }

type memorySink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (m *memorySink) Append(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) countKind(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func newTestWatcher(t *testing.T, cfg Config, handle *fakeHandle, seedSession bool) (*Watcher, *memorySink, *session.Store) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	acct := account.Account{Alias: "alpha", Username: "alpha_user", Password: "pw"}
	if seedSession {
		if err := store.Save(acct.Alias, []byte(`{"cookies":[]}`)); err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}
	sink := &memorySink{}
	trail := audit.NewTrail(sink, 256, logx.Nop())
	t.Cleanup(func() { trail.Close() })
	resolver := login.NewResolver(store, trail, nil, login.Config{}, logx.Nop())
	w, err := New(cfg, []account.Account{acct}, store, resolver, &fakeFactory{handle: handle}, trail, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, sink, store
}

func TestScanRepliesToMatchingThreads(t *testing.T) {
	handle := &fakeHandle{threads: []string{"buyer_one", "spam_bot", "buyer_two"}}
	w, sink, _ := newTestWatcher(t, Config{Template: "Hi {username}!", Filter: "^buyer"}, handle, true)

	n, err := w.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("replied to %d threads, want 2", n)
	}
	if handle.loggedIn {
		t.Fatal("login ran despite a stored session")
	}

	deadline := time.Now().Add(time.Second)
	for sink.countKind(audit.KindReplySent) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.countKind(audit.KindReplySent); got != 2 {
		t.Fatalf("reply_sent records = %d, want 2", got)
	}
	if got := sink.countKind(audit.KindReplyScan); got != 1 {
		t.Fatalf("reply_scan records = %d, want 1", got)
	}
}

func TestScanLogsInWhenNoSessionStored(t *testing.T) {
	handle := &fakeHandle{threads: []string{"someone"}}
	w, _, store := newTestWatcher(t, Config{Template: "Hi {username}!"}, handle, false)

	n, err := w.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("replied to %d threads, want 1", n)
	}
	if !handle.loggedIn {
		t.Fatal("login did not run for an account without a session")
	}
	if _, err := store.Load("alpha"); err != nil {
		t.Fatalf("session not persisted after login: %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	if got := renderTemplate("Hola {username}, gracias", "maria"); got != "Hola maria, gracias" {
		t.Fatalf("render = %q", got)
	}
}

func TestReconfigureAppliesNewFilterAndTemplate(t *testing.T) {
	handle := &fakeHandle{threads: []string{"buyer_one", "vip_two"}}
	w, _, _ := newTestWatcher(t, Config{Template: "Hi {username}!", Filter: "^buyer"}, handle, true)

	if err := w.Reconfigure(Config{Template: "Hola {username}", Filter: "^vip"}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	n, err := w.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 || len(handle.replied) != 1 || handle.replied[0] != "vip_two" {
		t.Fatalf("scan after reconfigure replied to %v, want [vip_two]", handle.replied)
	}
}

func TestReconfigureRejectsBadConfigAndKeepsSettings(t *testing.T) {
	handle := &fakeHandle{threads: []string{"buyer_one"}}
	w, _, _ := newTestWatcher(t, Config{Template: "Hi {username}!", Filter: "^buyer"}, handle, true)

	if err := w.Reconfigure(Config{Template: "", Filter: "^buyer"}); err == nil {
		t.Fatal("empty template accepted")
	}
	if err := w.Reconfigure(Config{Template: "x", Filter: "("}); err == nil {
		t.Fatal("invalid filter regex accepted")
	}

	cfg, filter := w.snapshot()
	if cfg.Template != "Hi {username}!" || filter == nil || !filter.MatchString("buyer_one") {
		t.Fatalf("settings changed after rejected reconfigure: %+v", cfg)
	}
}

func TestReconfigureSwapsSchedule(t *testing.T) {
	handle := &fakeHandle{threads: nil}
	w, _, _ := newTestWatcher(t, Config{Template: "Hi {username}!", Schedule: "@every 1h"}, handle, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(context.Background())

	if err := w.Reconfigure(Config{Template: "Hi {username}!", Schedule: "bogus spec"}); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	if err := w.Reconfigure(Config{Template: "Hi {username}!", Schedule: "@every 30m"}); err != nil {
		t.Fatalf("Reconfigure with new schedule: %v", err)
	}
	cfg, _ := w.snapshot()
	if cfg.Schedule != "@every 30m" {
		t.Fatalf("schedule = %q, want @every 30m", cfg.Schedule)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	store, err := session.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trail := audit.NewTrail(audit.NopSink{}, 16, logx.Nop())
	defer trail.Close()
	resolver := login.NewResolver(store, trail, nil, login.Config{}, logx.Nop())

	if _, err := New(Config{}, nil, store, resolver, &fakeFactory{}, trail, logx.Nop()); err == nil {
		t.Fatal("empty template accepted")
	}
	if _, err := New(Config{Template: "x", Filter: "("}, nil, store, resolver, &fakeFactory{}, trail, logx.Nop()); err == nil {
		t.Fatal("invalid filter regex accepted")
	}
}
