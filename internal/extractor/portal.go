// Package extractor reads the monitored value from the portal with a
// headless Chrome session driven by chromedp.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"portalwatch/internal/monitor"
	logx "portalwatch/pkg/logx"
)

const (
	DefaultUsernameSelector = "#username"
	DefaultPasswordSelector = "#password"
	DefaultSubmitSelector   = "button[type='submit']"
	DefaultSettleDelay      = 4 * time.Second
	DefaultValueWait        = 10 * time.Second
)

// Options configures the browser and the login form.
type Options struct {
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string

	// SettleDelay is the pause after submitting the login form.
	SettleDelay time.Duration
	// ValueWait bounds the wait for the value element; running out is
	// reported as element_not_found rather than timeout.
	ValueWait time.Duration

	UserAgent  string
	Headless   bool
	ChromePath string
	// RemoteURL attaches to a running browser instead of spawning one.
	RemoteURL string

	Logger logx.Logger
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.UsernameSelector) == "" {
		o.UsernameSelector = DefaultUsernameSelector
	}
	if strings.TrimSpace(o.PasswordSelector) == "" {
		o.PasswordSelector = DefaultPasswordSelector
	}
	if strings.TrimSpace(o.SubmitSelector) == "" {
		o.SubmitSelector = DefaultSubmitSelector
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.ValueWait <= 0 {
		o.ValueWait = DefaultValueWait
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	return o
}

// Portal implements monitor.Extractor. Every call gets a fresh browser
// session that is torn down before returning.
type Portal struct {
	opts Options
	log  logx.Logger
}

var _ monitor.Extractor = (*Portal)(nil)

func New(opts Options) *Portal {
	opts = opts.withDefaults()
	return &Portal{opts: opts, log: opts.Logger}
}

func (p *Portal) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !p.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if path := strings.TrimSpace(p.opts.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	return opts
}

func (p *Portal) allocate(ctx context.Context) (context.Context, context.CancelFunc) {
	if u := strings.TrimSpace(p.opts.RemoteURL); u != "" {
		return chromedp.NewRemoteAllocator(ctx, u)
	}
	return chromedp.NewExecAllocator(ctx, p.allocatorOptions()...)
}

// Extract logs in, opens the target page and returns the trimmed text of the
// first element matching loc.ValueXPath.
func (p *Portal) Extract(ctx context.Context, creds monitor.Credentials, loc monitor.Locator) (string, error) {
	allocCtx, cancelAlloc := p.allocate(ctx)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			p.log.Debug("chromedp", logx.String("msg", fmt.Sprintf(format, args...)))
		}),
	)
	defer cancelBrowser()

	start := time.Now()
	if err := chromedp.Run(browserCtx); err != nil {
		return "", stepError(ctx, monitor.FailureBrowser, "start browser", err)
	}

	p.log.Debug("portal login", logx.URL("login_url", loc.LoginURL), logx.Secret("password", creds.Password))
	if err := chromedp.Run(browserCtx, chromedp.Navigate(loc.LoginURL)); err != nil {
		return "", stepError(ctx, monitor.FailureNavigation, "open login page", err)
	}
	if err := chromedp.Run(browserCtx,
		chromedp.WaitVisible(p.opts.UsernameSelector, chromedp.ByQuery),
		chromedp.SendKeys(p.opts.UsernameSelector, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(p.opts.PasswordSelector, creds.Password, chromedp.ByQuery),
		chromedp.Click(p.opts.SubmitSelector, chromedp.ByQuery),
		chromedp.Sleep(p.opts.SettleDelay),
	); err != nil {
		return "", stepError(ctx, monitor.FailureLogin, "login", err)
	}

	if err := chromedp.Run(browserCtx, chromedp.Navigate(loc.TargetURL)); err != nil {
		return "", stepError(ctx, monitor.FailureNavigation, "open target page", err)
	}

	var text string
	valueCtx, cancelValue := context.WithTimeout(browserCtx, p.opts.ValueWait)
	defer cancelValue()
	if err := chromedp.Run(valueCtx,
		chromedp.WaitVisible(loc.ValueXPath, chromedp.BySearch),
		chromedp.Text(loc.ValueXPath, &text, chromedp.BySearch),
	); err != nil {
		return "", stepError(ctx, monitor.FailureElementNotFound, "read value", err)
	}

	value := strings.TrimSpace(text)
	p.log.Debug("portal value extracted", logx.URL("target_url", loc.TargetURL), logx.Duration("took", time.Since(start)), logx.Int("len", len(value)))
	return value, nil
}

// stepError wraps a failed step. A done parent context means the whole
// extraction ran out of time, whatever the step was.
func stepError(parent context.Context, kind monitor.FailureKind, step string, err error) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.DeadlineExceeded) {
			kind = monitor.FailureTimeout
		}
		return monitor.NewExtractionError(kind, step, fmt.Errorf("%w: %w", perr, err))
	}
	if errors.Is(err, context.DeadlineExceeded) && kind != monitor.FailureElementNotFound {
		kind = monitor.FailureTimeout
	}
	return monitor.NewExtractionError(kind, step, err)
}
