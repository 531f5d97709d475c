package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"optinbot/internal/account"
	"optinbot/internal/flow"
	"optinbot/internal/login"
	logx "optinbot/pkg/logx"
)

// Options carries the global browser settings. Per-account fields on
// account.Account override these.
type Options struct {
	Headless  bool
	ProxyURL  string
	UserAgent string
	Locale    string
	Timezone  string

	// TypingDelay spaces keystrokes for the type step kind. 0 disables
	// the humanized delay.
	TypingDelay time.Duration
}

// Playwright is the production Factory. The playwright runtime is started
// lazily on first Open and shared by every context.
type Playwright struct {
	mu   sync.Mutex
	pw   *playwright.Playwright
	opts Options
	log  logx.Logger
	open map[string]bool
}

func NewPlaywright(opts Options, log logx.Logger) *Playwright {
	return &Playwright{
		opts: opts,
		log:  log,
		open: make(map[string]bool),
	}
}

func (f *Playwright) init() error {
	if f.pw != nil {
		return nil
	}
	// Keep the driver's own output away from the terminal.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	f.pw = pw
	return nil
}

func (f *Playwright) Open(ctx context.Context, acct account.Account, state []byte) (Handle, error) {
	f.mu.Lock()
	if f.open[acct.Alias] {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAccountBusy, acct.Alias)
	}
	if err := f.init(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.open[acct.Alias] = true
	pw := f.pw
	opts := f.opts
	f.mu.Unlock()

	h, err := f.launch(ctx, pw, opts, acct, state)
	if err != nil {
		f.release(acct.Alias)
		return nil, err
	}
	return h, nil
}

func (f *Playwright) launch(ctx context.Context, pw *playwright.Playwright, opts Options, acct account.Account, state []byte) (*pwHandle, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	proxy := acct.ProxyURL
	if proxy == "" {
		proxy = opts.ProxyURL
	}
	if proxy != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: proxy}
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if ua := firstNonEmpty(acct.UserAgent, opts.UserAgent); ua != "" {
		ctxOpts.UserAgent = playwright.String(ua)
	}
	if loc := firstNonEmpty(acct.Locale, opts.Locale); loc != "" {
		ctxOpts.Locale = playwright.String(loc)
	}
	if tz := firstNonEmpty(acct.Timezone, opts.Timezone); tz != "" {
		ctxOpts.TimezoneId = playwright.String(tz)
	}

	// Restored auth state goes through a temp file; playwright reads it
	// once at context creation.
	var statePath string
	if len(state) > 0 {
		tmp, err := os.CreateTemp("", "optinbot-state-*.json")
		if err != nil {
			browser.Close()
			return nil, fmt.Errorf("stage auth state: %w", err)
		}
		if _, err := tmp.Write(state); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			browser.Close()
			return nil, fmt.Errorf("stage auth state: %w", err)
		}
		tmp.Close()
		statePath = tmp.Name()
		ctxOpts.StorageStatePath = playwright.String(statePath)
	}

	bctx, err := browser.NewContext(ctxOpts)
	if statePath != "" {
		os.Remove(statePath)
	}
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	f.log.Debug("browser context opened", logx.String("account", acct.Alias), logx.Bool("headless", opts.Headless))
	return &pwHandle{
		factory:     f,
		alias:       acct.Alias,
		browser:     browser,
		bctx:        bctx,
		page:        page,
		typingDelay: opts.TypingDelay,
	}, nil
}

func (f *Playwright) release(alias string) {
	f.mu.Lock()
	delete(f.open, alias)
	f.mu.Unlock()
}

func (f *Playwright) Shutdown(ctx context.Context) error {
	_ = ctx
	f.mu.Lock()
	pw := f.pw
	f.pw = nil
	f.mu.Unlock()
	if pw == nil {
		return nil
	}
	if err := pw.Stop(); err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

type pwHandle struct {
	factory     *Playwright
	alias       string
	browser     playwright.Browser
	bctx        playwright.BrowserContext
	page        playwright.Page
	typingDelay time.Duration
	closeOnce   sync.Once
}

// Run executes one flow step. Playwright calls take their own millisecond
// timeouts; the engine's per-step context deadline is translated so a hung
// selector wait still surfaces as a step timeout.
func (h *pwHandle) Run(ctx context.Context, st flow.Step) error {
	ms := deadlineMillis(ctx)
	switch st.Kind {
	case flow.KindNavigate:
		_, err := h.page.Goto(st.Value, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
			Timeout:   ms,
		})
		return err
	case flow.KindFill:
		return h.page.Fill(st.Selector, st.Value, playwright.PageFillOptions{Timeout: ms})
	case flow.KindType:
		opts := playwright.PageTypeOptions{Timeout: ms}
		if h.typingDelay > 0 {
			opts.Delay = playwright.Float(float64(h.typingDelay.Milliseconds()))
		}
		return h.page.Type(st.Selector, st.Value, opts)
	case flow.KindClick:
		return h.page.Click(st.Selector, playwright.PageClickOptions{Timeout: ms})
	case flow.KindPress:
		if st.Selector == "" {
			return h.page.Keyboard().Press(st.Value)
		}
		return h.page.Press(st.Selector, st.Value, playwright.PagePressOptions{Timeout: ms})
	case flow.KindWaitFor:
		_, err := h.page.WaitForSelector(st.Selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: ms,
		})
		return err
	case flow.KindAssert:
		n, err := h.page.Locator(st.Selector).Count()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("assert failed: no element matches %q", st.Selector)
		}
		return nil
	case flow.KindSleep:
		d := time.Duration(st.Seconds * float64(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	default:
		return flow.NoRetry(fmt.Errorf("unknown step kind %q", st.Kind))
	}
}

func (h *pwHandle) SubmitCredentials(ctx context.Context, username, password string) (login.CredentialOutcome, error) {
	if _, err := h.page.Goto(BaseURL+"accounts/login/", playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}); err != nil {
		return login.CredentialsRejected, fmt.Errorf("open login page: %w", err)
	}
	if _, err := h.page.WaitForSelector(SelectorUsername, playwright.PageWaitForSelectorOptions{Timeout: playwright.Float(20000)}); err != nil {
		return login.CredentialsRejected, fmt.Errorf("login form not found: %w", err)
	}
	if err := h.page.Fill(SelectorUsername, username); err != nil {
		return login.CredentialsRejected, err
	}
	if err := h.page.Fill(SelectorPassword, password); err != nil {
		return login.CredentialsRejected, err
	}
	if err := h.page.Click(SelectorLoginBtn); err != nil {
		return login.CredentialsRejected, err
	}
	return h.awaitCredentialOutcome(ctx)
}

// awaitCredentialOutcome polls for whichever comes first: the challenge code
// input, the login error banner, or a logged-in URL.
func (h *pwHandle) awaitCredentialOutcome(ctx context.Context) (login.CredentialOutcome, error) {
	deadline := time.Now().Add(60 * time.Second)
	for {
		if visible, _ := h.page.Locator(SelectorCodeInput).First().IsVisible(); visible {
			return login.ChallengeRequired, nil
		}
		if visible, _ := h.page.Locator(SelectorLoginErr).First().IsVisible(); visible {
			return login.CredentialsRejected, nil
		}
		if loggedInURL(h.page.URL()) {
			return login.CredentialsAccepted, nil
		}
		if time.Now().After(deadline) {
			return login.CredentialsRejected, fmt.Errorf("login outcome not determined in time")
		}
		select {
		case <-ctx.Done():
			return login.CredentialsRejected, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (h *pwHandle) SubmitChallengeCode(ctx context.Context, code string) (bool, error) {
	if _, err := h.page.WaitForSelector(SelectorCodeInput, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(20000),
	}); err != nil {
		return false, fmt.Errorf("challenge input not found: %w", err)
	}
	if err := h.page.Fill(SelectorCodeInput, code); err != nil {
		return false, err
	}
	if err := h.page.Click(SelectorLoginBtn); err != nil {
		return false, err
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if loggedInURL(h.page.URL()) {
			return true, nil
		}
		if visible, _ := h.page.Locator(SelectorLoginErr).First().IsVisible(); visible {
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (h *pwHandle) RequestCodeResend(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	loc := h.page.Locator(SelectorSendCode).First()
	enabled, err := loc.IsEnabled()
	if err != nil || !enabled {
		return fmt.Errorf("resend button not available")
	}
	return loc.Click()
}

func (h *pwHandle) AuthState(ctx context.Context) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	st, err := h.bctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	return json.Marshal(st)
}

func (h *pwHandle) ReplyToUnread(ctx context.Context, match *regexp.Regexp, render func(string) string, cooldown time.Duration) ([]string, error) {
	if _, err := h.page.Goto(BaseURL+"direct/inbox/", playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}); err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	// No unread badge within the grace window means nothing to do.
	if _, err := h.page.WaitForSelector(SelectorUnreadThread, playwright.PageWaitForSelectorOptions{Timeout: playwright.Float(5000)}); err != nil {
		return nil, nil
	}

	threads := h.page.Locator(SelectorUnreadThread)
	n, err := threads.Count()
	if err != nil {
		return nil, fmt.Errorf("count unread threads: %w", err)
	}

	var replied []string
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return replied, ctx.Err()
		}
		th := threads.Nth(i)
		title, err := th.InnerText()
		if err != nil {
			continue
		}
		title = strings.TrimSpace(title)
		if match != nil && !match.MatchString(title) {
			continue
		}
		if err := th.Click(); err != nil {
			return replied, fmt.Errorf("open thread %q: %w", title, err)
		}
		if _, err := h.page.WaitForSelector(SelectorDMMessage, playwright.PageWaitForSelectorOptions{Timeout: playwright.Float(15000)}); err != nil {
			return replied, fmt.Errorf("message box for %q: %w", title, err)
		}
		text := render(title)
		opts := playwright.PageTypeOptions{}
		if h.typingDelay > 0 {
			opts.Delay = playwright.Float(float64(h.typingDelay.Milliseconds()))
		}
		if err := h.page.Type(SelectorDMMessage, text, opts); err != nil {
			return replied, fmt.Errorf("type reply to %q: %w", title, err)
		}
		if err := h.page.Keyboard().Press("Enter"); err != nil {
			return replied, fmt.Errorf("send reply to %q: %w", title, err)
		}
		replied = append(replied, title)

		if cooldown > 0 && i < n-1 {
			select {
			case <-ctx.Done():
				return replied, ctx.Err()
			case <-time.After(cooldown):
			}
		}
	}
	return replied, nil
}

func (h *pwHandle) Close(ctx context.Context) error {
	_ = ctx
	var err error
	h.closeOnce.Do(func() {
		_ = h.page.Close()
		_ = h.bctx.Close()
		err = h.browser.Close()
		h.factory.release(h.alias)
	})
	return err
}

func loggedInURL(u string) bool {
	if !strings.Contains(u, "instagram.com") {
		return false
	}
	return !strings.Contains(u, "accounts/login") && !strings.Contains(u, "challenge")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func deadlineMillis(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := time.Until(dl).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(float64(ms))
}
