// Package driver puts a browser behind the flow and login interfaces.
// The playwright implementation is the only one that talks to a real
// browser; tests elsewhere substitute fakes.
package driver

import (
	"context"
	"errors"
	"regexp"
	"time"

	"optinbot/internal/account"
	"optinbot/internal/flow"
	"optinbot/internal/login"
)

// ErrAccountBusy means the account already has a live browser context.
var ErrAccountBusy = errors.New("account already has an open browser context")

// Handle is one live browser context bound to an account. It serves both
// flow playback and the login surface; AuthState snapshots the context's
// cookies and storage for the session store.
type Handle interface {
	flow.Runner
	login.Surface
	InboxScanner
	Close(ctx context.Context) error
}

// InboxScanner walks the unread threads of the direct-message inbox.
// Selector iteration stays in the driver; policy (schedule, filter,
// template) stays with the caller.
type InboxScanner interface {
	// ReplyToUnread replies to every unread thread whose title matches
	// match (nil matches all), rendering the reply per thread. It pauses
	// cooldown between replies and returns the titles it answered.
	ReplyToUnread(ctx context.Context, match *regexp.Regexp, render func(title string) string, cooldown time.Duration) ([]string, error)
}

// Factory opens browser contexts. At most one live Handle per account;
// a second Open for the same alias fails with ErrAccountBusy until the
// first Handle is closed.
type Factory interface {
	Open(ctx context.Context, acct account.Account, state []byte) (Handle, error)
	Shutdown(ctx context.Context) error
}

// Instagram surface selectors. Alternatives cover the localized UI.
const (
	BaseURL = "https://www.instagram.com/"

	SelectorUsername  = "input[name='username']"
	SelectorPassword  = "input[name='password']"
	SelectorLoginBtn  = "button[type='submit']"
	SelectorCodeInput = "input[name='verificationCode'], input[aria-label*='code']"
	SelectorSendCode  = "button:has-text('Send code'), button:has-text('Enviar código')"
	SelectorLoginErr  = "#slfErrorAlert, p[data-testid='login-error-message']"

	SelectorDMSearch  = "input[placeholder='Search'], input[placeholder='Buscar']"
	SelectorDMMessage = "textarea[placeholder='Message...'], textarea[placeholder='Mensaje...']"

	SelectorUnreadThread = "xpath=//a[contains(@aria-label, 'unread') or contains(@aria-label, 'No leído')]"
)

// DirectMessageSteps is the built-in sequence that delivers one DM. It is
// played through the flow engine so it gets the same pacing, retries, and
// placeholder handling as recorded scripts. Bindings: RECIPIENT, MESSAGE.
func DirectMessageSteps() []flow.Step {
	return []flow.Step{
		{Kind: flow.KindNavigate, Value: BaseURL + "direct/inbox/"},
		{Kind: flow.KindWaitFor, Selector: SelectorDMSearch},
		{Kind: flow.KindFill, Selector: SelectorDMSearch, Value: "${RECIPIENT}"},
		{Kind: flow.KindPress, Value: "Enter"},
		{Kind: flow.KindPress, Value: "Enter"},
		{Kind: flow.KindWaitFor, Selector: SelectorDMMessage},
		{Kind: flow.KindType, Selector: SelectorDMMessage, Value: "${MESSAGE}"},
		{Kind: flow.KindPress, Value: "Enter"},
	}
}
