// Package browser drives Chrome over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/config"
)

// ErrNoPage is returned when the browser has no open page.
var ErrNoPage = errors.New("no open page")

// Browser is a connected Chrome instance.
type Browser struct {
	ctx         context.Context
	cancelAlloc context.CancelFunc
	cancel      context.CancelFunc
	logger      *slog.Logger

	mu          sync.RWMutex
	selectors   config.SelectorsConfig
	downloadDir string
}

// Launch attaches to the Chrome at cfg.RemoteURL, or starts one with a
// persistent profile when no remote URL is configured.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser")

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
		logger.Info("attaching to chrome", "url", cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.UserDataDir(cfg.UserDataDir),
		)
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, opts...)
		logger.Info("launching chrome", "profile", cfg.UserDataDir, "headless", cfg.Headless)
	}

	bctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) }),
	)
	if err := chromedp.Run(bctx); err != nil {
		cancel()
		cancelAlloc()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}

	return &Browser{ctx: bctx, cancelAlloc: cancelAlloc, cancel: cancel, logger: logger}, nil
}

// SetSelectors replaces the selector chains used by pages opened afterwards.
func (b *Browser) SetSelectors(sel config.SelectorsConfig) {
	b.mu.Lock()
	b.selectors = sel
	b.mu.Unlock()
}

// SetDownloadDir makes tabs opened afterwards save downloads into dir.
func (b *Browser) SetDownloadDir(dir string) {
	b.mu.Lock()
	b.downloadDir = dir
	b.mu.Unlock()
}

// ActiveURL returns the URL of the user's page: the first web page in the
// browser's target order that no automation session is attached to. Pages
// this process drives are only used when nothing else is open.
func (b *Browser) ActiveURL(ctx context.Context) (string, error) {
	infos, err := chromedp.Targets(b.ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	if url, ok := pickActive(infos); ok {
		return url, nil
	}
	return "", ErrNoPage
}

var internalSchemes = []string{"about:", "chrome:", "chrome-extension:", "chrome-search:", "chrome-untrusted:", "devtools:", "edge:"}

func pickActive(infos []*target.Info) (string, bool) {
	var fallback string
	for _, info := range infos {
		if info == nil || info.Type != "page" || isInternal(info.URL) {
			continue
		}
		if !info.Attached {
			return info.URL, true
		}
		if fallback == "" {
			fallback = info.URL
		}
	}
	return fallback, fallback != ""
}

func isInternal(url string) bool {
	for _, s := range internalSchemes {
		if strings.HasPrefix(url, s) {
			return true
		}
	}
	return url == ""
}

// OpenTab creates a fresh tab at url. Page load is bounded by loadTimeout;
// running over it is logged and the tab is used anyway.
func (b *Browser) OpenTab(ctx context.Context, url string, loadTimeout time.Duration) (automator.Tab, error) {
	b.mu.RLock()
	sel, dir := b.selectors, b.downloadDir
	b.mu.RUnlock()

	tctx, cancel := chromedp.NewContext(b.ctx)
	if err := chromedp.Run(tctx); err != nil {
		cancel()
		return nil, fmt.Errorf("create tab: %w", err)
	}

	t := &Tab{
		id:     string(chromedp.FromContext(tctx).Target.TargetID),
		ctx:    tctx,
		cancel: cancel,
		page:   &Page{tab: tctx, selectors: sel},
	}

	if dir != "" {
		err := t.page.run(ctx, browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(dir).
			WithEventsEnabled(true))
		if err != nil {
			t.cancel()
			return nil, fmt.Errorf("set download dir: %w", err)
		}
	}

	lctx, lcancel := context.WithTimeout(ctx, loadTimeout)
	defer lcancel()
	if err := t.page.run(lctx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			t.cancel()
			return nil, ctx.Err()
		}
		b.logger.Warn("page load not finished, continuing", "url", url, "timeout", loadTimeout, "error", err)
	}

	b.logger.Debug("tab opened", "tab_id", t.id, "url", url)
	return t, nil
}

// Close disconnects from Chrome. A launched Chrome is shut down, an attached
// one is left running.
func (b *Browser) Close() {
	b.cancel()
	b.cancelAlloc()
}

// Tab is one Chrome tab.
type Tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	page   *Page
}

// ID returns the DevTools target id.
func (t *Tab) ID() string { return t.id }

// Page returns the page hosted by the tab.
func (t *Tab) Page() automator.Page { return t.page }

// Close closes the tab and waits for its session to be released.
func (t *Tab) Close(context.Context) error {
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab %s: %w", t.id, err)
	}
	return nil
}
