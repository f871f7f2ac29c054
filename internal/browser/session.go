// Package browser drives a single disguised Chrome tab through the catalog and
// reports what each navigation landed on.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/clock"
)

var (
	// ErrLaunch means the browser could not be started. It is fatal for a run.
	ErrLaunch = errors.New("browser launch failed")
	// ErrSessionLost means the browser went away mid-run.
	ErrSessionLost = errors.New("browser session lost")
)

// Config controls the browser process and its pacing.
type Config struct {
	Headless    bool
	ExecPath    string
	Proxy       string
	NavTimeout  time.Duration
	SettleDelay time.Duration
	PreNavMin   time.Duration
	PreNavMax   time.Duration
	Locale      string
	Timezone    string
	UserAgents  []string
	Rules       Rules
}

// Session owns one Chrome process and one tab.
type Session struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	userAgent string
	width     int64
	height    int64

	status    atomic.Int64
	closeOnce sync.Once
}

// Launch starts Chrome with a randomized fingerprint and prepares the tab.
func Launch(ctx context.Context, cfg Config, clk clock.Clock, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 90 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}
	if cfg.Locale == "" {
		cfg.Locale = "ru-RU"
	}

	s := &Session{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.Named("browser"),
		userAgent: cfg.UserAgents[rand.IntN(len(cfg.UserAgents))],
	}
	s.width, s.height = randomViewport()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("lang", cfg.Locale),
		chromedp.WindowSize(int(s.width), int(s.height)),
		chromedp.UserAgent(s.userAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx, s.setupActions()...)
	stopForward()
	if err != nil {
		s.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrLaunch, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	chromedp.ListenTarget(browserCtx, s.captureStatus)

	s.logger.Info("Browser launched",
		zap.Bool("headless", cfg.Headless),
		zap.String("user_agent", s.userAgent),
		zap.Int64("width", s.width),
		zap.Int64("height", s.height),
	)
	return s, nil
}

func (s *Session) setupActions() []chromedp.Action {
	acceptLanguage := acceptLanguageFor(s.cfg.Locale)
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript(s.cfg.Locale)).Do(ctx); err != nil {
				return fmt.Errorf("register stealth script: %w", err)
			}
			return nil
		}),
		emulation.SetUserAgentOverride(s.userAgent).
			WithAcceptLanguage(acceptLanguage).
			WithPlatform("Win32"),
		emulation.SetDeviceMetricsOverride(s.width, s.height, 1, false),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": acceptLanguage}),
		emulation.SetLocaleOverride().WithLocale(s.cfg.Locale),
	}
	if s.cfg.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(s.cfg.Timezone))
	}
	return actions
}

func (s *Session) captureStatus(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	s.status.Store(resp.Response.Status)
}

// Navigate waits a randomized human-like delay, loads rawURL and classifies the result.
// Load timeouts and page problems surface as an Outcome, never as an error.
func (s *Session) Navigate(ctx context.Context, rawURL string) (Outcome, error) {
	if err := s.alive(); err != nil {
		return OutcomeUnknown, err
	}
	if err := s.clock.Sleep(ctx, s.preNavDelay()); err != nil {
		return OutcomeUnknown, err
	}
	s.status.Store(0)
	if err := s.runWithTimeout(ctx, s.cfg.NavTimeout, chromedp.Navigate(rawURL)); err != nil {
		if fatal := s.fatal(ctx, err); fatal != nil {
			return OutcomeUnknown, fatal
		}
		s.logger.Warn("Navigation did not complete", zap.String("url", rawURL), zap.Error(err))
	}
	return s.settleAndClassify(ctx)
}

// Reload reloads the current page and classifies the result.
func (s *Session) Reload(ctx context.Context) (Outcome, error) {
	if err := s.alive(); err != nil {
		return OutcomeUnknown, err
	}
	s.status.Store(0)
	if err := s.runWithTimeout(ctx, s.cfg.NavTimeout, chromedp.Reload()); err != nil {
		if fatal := s.fatal(ctx, err); fatal != nil {
			return OutcomeUnknown, fatal
		}
		s.logger.Warn("Reload did not complete", zap.Error(err))
	}
	return s.settleAndClassify(ctx)
}

func (s *Session) settleAndClassify(ctx context.Context) (Outcome, error) {
	if err := s.clock.Sleep(ctx, s.cfg.SettleDelay); err != nil {
		return OutcomeUnknown, err
	}
	return s.Classify(ctx)
}

// Classify inspects the page currently loaded without reloading it.
func (s *Session) Classify(ctx context.Context) (Outcome, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionLost) || ctx.Err() != nil {
			return OutcomeUnknown, err
		}
		s.logger.Debug("Snapshot for classification failed", zap.Error(err))
		return OutcomeUnknown, nil
	}
	outcome := ClassifyPage(snap, s.cfg.Rules)
	if outcome == OutcomeUnknown {
		if st := s.status.Load(); st == 403 || st == 429 {
			outcome = OutcomeBlocked
		}
	}
	s.logger.Debug("Page classified",
		zap.String("url", snap.URL()),
		zap.String("title", snap.Title()),
		zap.Stringer("outcome", outcome),
	)
	return outcome, nil
}

// WaitFor reports whether selector appeared within timeout.
func (s *Session) WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}
	err := s.runWithTimeout(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err == nil {
		return true, nil
	}
	if fatal := s.fatal(ctx, err); fatal != nil {
		return false, fatal
	}
	return false, nil
}

// Snapshot captures the current DOM as a PageHandle.
func (s *Session) Snapshot(ctx context.Context) (PageHandle, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	var (
		markup string
		loc    string
	)
	err := s.runWithTimeout(ctx, s.cfg.NavTimeout,
		chromedp.Location(&loc),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)
	if err != nil {
		if fatal := s.fatal(ctx, err); fatal != nil {
			return nil, fatal
		}
		return nil, fmt.Errorf("capture dom: %w", err)
	}
	return NewHTMLPage(markup, loc)
}

// CurrentURL returns the URL of the loaded document after redirects.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	var loc string
	if err := s.runWithTimeout(ctx, s.cfg.NavTimeout, chromedp.Location(&loc)); err != nil {
		if fatal := s.fatal(ctx, err); fatal != nil {
			return "", fatal
		}
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// SimulateInteraction moves the pointer and scrolls like a reader would.
// Failures are logged and otherwise ignored.
func (s *Session) SimulateInteraction(ctx context.Context) {
	if s.alive() != nil {
		return
	}
	for i := 0; i < 3; i++ {
		x := float64(100 + rand.IntN(701))
		y := float64(100 + rand.IntN(501))
		if err := s.runWithTimeout(ctx, 5*time.Second, chromedp.MouseEvent(input.MouseMoved, x, y)); err != nil {
			s.logger.Debug("Pointer move failed", zap.Error(err))
			return
		}
		if err := s.clock.Sleep(ctx, randomBetween(500*time.Millisecond, 1500*time.Millisecond)); err != nil {
			return
		}
	}
	for _, script := range []string{
		`window.scrollTo(0, document.body.scrollHeight / 4)`,
		`window.scrollTo(0, document.body.scrollHeight / 2)`,
		`window.scrollTo(0, 0)`,
	} {
		if err := s.runWithTimeout(ctx, 5*time.Second, chromedp.Evaluate(script, nil)); err != nil {
			s.logger.Debug("Scroll failed", zap.Error(err))
			return
		}
		if err := s.clock.Sleep(ctx, randomBetween(500*time.Millisecond, time.Second)); err != nil {
			return
		}
	}
}

// Close shuts the browser down. It is safe to call more than once and on a nil Session.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.browserCancel != nil {
			s.browserCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
		s.logger.Info("Browser closed")
	})
}

func (s *Session) alive() error {
	if s == nil || s.browserCtx == nil {
		return ErrSessionLost
	}
	if err := s.browserCtx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	return nil
}

// fatal returns the error a caller must stop on, or nil when err was only a
// page-level failure such as a load timeout.
func (s *Session) fatal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if lost := s.alive(); lost != nil {
		return fmt.Errorf("%w (cause: %v)", lost, err)
	}
	return nil
}

func (s *Session) runWithTimeout(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *Session) preNavDelay() time.Duration {
	return randomBetween(s.cfg.PreNavMin, s.cfg.PreNavMax)
}

// forwardCancel cancels the task when parent finishes first.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
