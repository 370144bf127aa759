package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"formrunner/internal/actor"
	"formrunner/internal/records"
)

// Config describes the portal pages and selectors the actor drives. The
// defaults match the common login-form/record-form layout; deployments
// against a different portal override the selectors.
type Config struct {
	LoginPath       string // relative path of the login page
	FormPath        string // relative path of the record entry form
	UsernameSel     string
	PasswordSel     string
	LoginSubmitSel  string
	ReadySel        string // element that only exists after a successful login
	FormSel         string
	SubmitSel       string
	ConfirmationSel string // element holding the submission confirmation text
	Headless        bool
	StepTimeout     time.Duration // per-navigation/step budget
}

// DefaultConfig returns the selector set for the standard portal layout
func DefaultConfig() Config {
	return Config{
		LoginPath:       "/login",
		FormPath:        "/records/new",
		UsernameSel:     `input[name="username"]`,
		PasswordSel:     `input[name="password"]`,
		LoginSubmitSel:  `button[type="submit"]`,
		ReadySel:        `#dashboard`,
		FormSel:         `form#record-form`,
		SubmitSel:       `form#record-form button[type="submit"]`,
		ConfirmationSel: `#confirmation-message`,
		Headless:        true,
		StepTimeout:     60 * time.Second,
	}
}

// Actor drives the portal through a headless browser. One actor owns one
// browser session; it must not be shared between runs.
type Actor struct {
	cfg Config

	mu          sync.Mutex
	baseURL     string
	browserCtx  context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
	releaseOnce sync.Once
}

// New creates a browser actor with the given configuration
func New(cfg Config) *Actor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	return &Actor{cfg: cfg}
}

// EstablishSession launches the browser and logs into the portal
func (a *Actor) EstablishSession(ctx context.Context, creds actor.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.browserCtx != nil {
		return errors.New("browser session already established")
	}
	if creds.PortalURL == "" {
		return errors.New("portal URL is required")
	}

	a.baseURL = strings.TrimRight(creds.PortalURL, "/")

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.UserAgent("formrunner/1.0"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, cancelCtx := chromedp.NewContext(actx)

	stepCtx, cancel := context.WithTimeout(bctx, a.cfg.StepTimeout)
	defer cancel()

	err := chromedp.Run(stepCtx,
		chromedp.Navigate(a.baseURL+a.cfg.LoginPath),
		chromedp.WaitVisible(a.cfg.UsernameSel, chromedp.ByQuery),
		chromedp.SendKeys(a.cfg.UsernameSel, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(a.cfg.PasswordSel, creds.Password, chromedp.ByQuery),
		chromedp.Click(a.cfg.LoginSubmitSel, chromedp.ByQuery),
		chromedp.WaitVisible(a.cfg.ReadySel, chromedp.ByQuery),
	)
	if err != nil {
		cancelCtx()
		cancelAlloc()
		return fmt.Errorf("portal login failed: %w", err)
	}

	a.browserCtx = bctx
	a.cancelCtx = cancelCtx
	a.cancelAlloc = cancelAlloc
	return nil
}

// ProcessItem opens the record form, fills every record field into its
// matching input and submits, returning the portal's confirmation text
func (a *Actor) ProcessItem(ctx context.Context, rec records.Record) (string, error) {
	a.mu.Lock()
	bctx := a.browserCtx
	a.mu.Unlock()

	if bctx == nil {
		return "", errors.New("no browser session established")
	}

	stepCtx, cancel := context.WithTimeout(bctx, a.cfg.StepTimeout)
	defer cancel()

	actions := []chromedp.Action{
		chromedp.Navigate(a.baseURL + a.cfg.FormPath),
		chromedp.WaitVisible(a.cfg.FormSel, chromedp.ByQuery),
	}
	for name, value := range rec.Fields {
		sel := fmt.Sprintf(`%s [name=%q]`, a.cfg.FormSel, name)
		actions = append(actions,
			chromedp.SetValue(sel, value, chromedp.ByQuery),
		)
	}

	var confirmation string
	actions = append(actions,
		chromedp.Click(a.cfg.SubmitSel, chromedp.ByQuery),
		chromedp.WaitVisible(a.cfg.ConfirmationSel, chromedp.ByQuery),
		chromedp.Text(a.cfg.ConfirmationSel, &confirmation, chromedp.ByQuery),
	)

	if err := chromedp.Run(stepCtx, actions...); err != nil {
		return "", fmt.Errorf("form submission failed for %s: %w", rec.Reference, err)
	}

	confirmation = strings.TrimSpace(confirmation)
	if confirmation == "" {
		confirmation = fmt.Sprintf("submitted %s", rec.Reference)
	}
	return confirmation, nil
}

// Release closes the browser. Safe to call more than once and from any
// exit path.
func (a *Actor) Release() error {
	a.releaseOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.cancelCtx != nil {
			a.cancelCtx()
			a.cancelCtx = nil
		}
		if a.cancelAlloc != nil {
			a.cancelAlloc()
			a.cancelAlloc = nil
		}
		a.browserCtx = nil
	})
	return nil
}
