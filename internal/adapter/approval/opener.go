// Package approval owns the popup side of the deferred-approval flow:
// opening approval windows in a real browser and reaping actions whose
// window disappeared without a decision.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/cypherpepe/core-extension/internal/infra/config"
)

// WindowOpener opens approval popup windows and tracks their liveness.
// Window IDs are opaque handles valid for the process lifetime.
type WindowOpener interface {
	Open(ctx context.Context, route string) (windowID int, err error)
	IsOpen(windowID int) bool
	Close(windowID int) error
}

// ChromeOpener drives a locally launched Chrome over the DevTools
// protocol. Each approval window is a separate tab whose liveness maps
// onto the user closing it.
type ChromeOpener struct {
	baseURL       string
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	logger        *slog.Logger

	mu      sync.Mutex
	windows map[int]target.ID
	nextID  int
}

// NewChromeOpener launches the browser eagerly so startup fails fast
// when Chrome is missing.
func NewChromeOpener(cfg config.ApprovalConfig, logger *slog.Logger) (*ChromeOpener, error) {
	opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
	copy(opts, chromedp.DefaultExecAllocatorOptions[:])
	opts = append(opts,
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(400, 640),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	o := &ChromeOpener{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		logger:        logger,
		windows:       make(map[int]target.ID),
	}

	// chromedp binds the CDP session to the context passed to the first
	// Run, so start with an empty action on the browser context itself.
	startDone := make(chan error, 1)
	go func() { startDone <- chromedp.Run(browserCtx) }()
	select {
	case err := <-startDone:
		if err != nil {
			o.Shutdown()
			return nil, fmt.Errorf("start approval browser: %w", err)
		}
	case <-time.After(30 * time.Second):
		o.Shutdown()
		return nil, fmt.Errorf("start approval browser: timed out")
	}

	logger.Info("approval browser started")
	return o, nil
}

func (o *ChromeOpener) Open(ctx context.Context, route string) (int, error) {
	url := o.baseURL + "/" + route

	var targetID target.ID
	err := chromedp.Run(o.browserCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		var cerr error
		targetID, cerr = target.CreateTarget(url).Do(cctx)
		return cerr
	}))
	if err != nil {
		return 0, fmt.Errorf("open approval window: %w", err)
	}

	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.windows[id] = targetID
	o.mu.Unlock()

	o.logger.Debug("approval window opened", "window_id", id, "url", url)
	return id, nil
}

func (o *ChromeOpener) IsOpen(windowID int) bool {
	o.mu.Lock()
	targetID, ok := o.windows[windowID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	targets, err := chromedp.Targets(o.browserCtx)
	if err != nil {
		// Browser gone: every window with it.
		return false
	}
	for _, t := range targets {
		if t.TargetID == targetID {
			return true
		}
	}
	o.mu.Lock()
	delete(o.windows, windowID)
	o.mu.Unlock()
	return false
}

func (o *ChromeOpener) Close(windowID int) error {
	o.mu.Lock()
	targetID, ok := o.windows[windowID]
	delete(o.windows, windowID)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return chromedp.Run(o.browserCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		return target.CloseTarget(targetID).Do(cctx)
	}))
}

// Shutdown tears down the browser process.
func (o *ChromeOpener) Shutdown() {
	o.browserCancel()
	o.allocCancel()
}

// NoopOpener hands out window IDs without opening anything. Used in
// headless development where the approval UI runs elsewhere; windows
// are treated as permanently open so the sweeper never reaps them.
type NoopOpener struct {
	mu     sync.Mutex
	nextID int
	closed map[int]bool
}

func NewNoopOpener() *NoopOpener {
	return &NoopOpener{closed: make(map[int]bool)}
}

func (o *NoopOpener) Open(_ context.Context, _ string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	return o.nextID, nil
}

func (o *NoopOpener) IsOpen(windowID int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed[windowID]
}

func (o *NoopOpener) Close(windowID int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed[windowID] = true
	return nil
}
