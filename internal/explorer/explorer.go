// File: internal/explorer/explorer.go
package explorer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vigilhq/vigil/internal/collector"
	"github.com/vigilhq/vigil/internal/config"
)

// Explorer drives a headless browser through the target application's
// routes, exercising each page while the attached Monitor captures every
// anomaly. Navigation is rate limited so exploration never reads as load.
type Explorer struct {
	logger  *zap.Logger
	cfg     config.ExplorerConfig
	baseURL string
	events  chan<- collector.PageEvent
	limiter *rate.Limiter
}

// New builds an explorer for the target at baseURL.
func New(logger *zap.Logger, cfg config.ExplorerConfig, baseURL string, events chan<- collector.PageEvent) *Explorer {
	navPerSec := cfg.NavigationsPerSec
	if navPerSec <= 0 {
		navPerSec = 1
	}
	return &Explorer{
		logger:  logger.Named("explorer"),
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		events:  events,
		limiter: rate.NewLimiter(rate.Limit(navPerSec), 1),
	}
}

// Explore runs one full pass over the configured routes in a fresh browser.
// Per-route failures are reported as events, not errors; only a broken
// browser environment aborts the pass.
func (ex *Explorer) Explore(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", ex.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
	)
	if ex.cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	sessionCtx, cancelSession := chromedp.NewContext(allocCtx)
	defer cancelSession()

	monitor := NewMonitor(sessionCtx, ex.logger, ex.events)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start page monitor: %w", err)
	}

	routes := ex.cfg.Routes
	if len(routes) == 0 {
		routes = []string{"/"}
	}

	for _, route := range routes {
		if err := ex.limiter.Wait(ctx); err != nil {
			return err
		}
		ex.visit(sessionCtx, monitor, route)
	}
	return nil
}

// visit exercises one route end to end: navigate, settle, blank-page check,
// then light interaction.
func (ex *Explorer) visit(sessionCtx context.Context, monitor *Monitor, route string) {
	target := ex.baseURL + "/" + strings.TrimLeft(route, "/")
	monitor.SetPageURL(target)
	ex.logger.Info("Visiting route.", zap.String("url", target))

	navCtx, cancel := context.WithTimeout(sessionCtx, ex.cfg.NavigationTimeout)
	defer cancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body"),
		chromedp.Sleep(ex.cfg.PostLoadWait),
	)
	if err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			ex.emit(sessionCtx, collector.PageEvent{
				Kind:      collector.KindTimeout,
				URL:       target,
				Message:   fmt.Sprintf("page did not become ready within %s", ex.cfg.NavigationTimeout),
				Timestamp: time.Now(),
			})
			return
		}
		ex.logger.Warn("Navigation failed.", zap.String("url", target), zap.Error(err))
		return
	}

	if blank, detail := ex.checkBlankPage(sessionCtx); blank {
		shot := ex.screenshot(sessionCtx, route)
		ex.emit(sessionCtx, collector.PageEvent{
			Kind:       collector.KindBlankPage,
			URL:        target,
			Message:    fmt.Sprintf("route rendered an empty document: %s", detail),
			Screenshot: shot,
			Timestamp:  time.Now(),
		})
		return
	}

	ex.interact(sessionCtx)
}

// blankPageScript reports whether the rendered document has meaningful
// content. A framework mount point with no children is the classic
// crashed-before-paint signature.
const blankPageScript = `(() => {
	const root = document.querySelector('#root, #app, [data-reactroot]') || document.body;
	const text = (root.innerText || '').trim();
	return JSON.stringify({
		empty: root.childElementCount === 0 || text.length === 0,
		children: root.childElementCount,
		textLength: text.length,
	});
})()`

func (ex *Explorer) checkBlankPage(sessionCtx context.Context) (bool, string) {
	var raw string
	if err := chromedp.Run(sessionCtx, chromedp.Evaluate(blankPageScript, &raw)); err != nil {
		ex.logger.Debug("Blank page check failed.", zap.Error(err))
		return false, ""
	}

	var result struct {
		Empty      bool `json:"empty"`
		Children   int  `json:"children"`
		TextLength int  `json:"textLength"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return false, ""
	}
	if !result.Empty {
		return false, ""
	}
	return true, fmt.Sprintf("%d child elements, %d visible characters", result.Children, result.TextLength)
}

// interactScript drives the safe interactive elements on the page: buttons
// and same-origin links that do not navigate away or submit destructive
// actions. Returns the number of elements poked.
const interactScript = `(() => {
	let poked = 0;
	const buttons = Array.from(document.querySelectorAll('button:not([disabled])')).slice(0, 5);
	for (const b of buttons) {
		const label = (b.innerText || '').toLowerCase();
		if (/delete|remove|destroy|pay|purchase|submit/.test(label)) continue;
		try { b.click(); poked++; } catch (e) {}
	}
	const inputs = Array.from(document.querySelectorAll('input[type="text"], input[type="search"]')).slice(0, 3);
	for (const i of inputs) {
		try {
			const setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
			setter.call(i, 'probe');
			i.dispatchEvent(new Event('input', { bubbles: true }));
			poked++;
		} catch (e) {}
	}
	return poked;
})()`

func (ex *Explorer) interact(sessionCtx context.Context) {
	var poked int
	if err := chromedp.Run(sessionCtx,
		chromedp.Evaluate(interactScript, &poked),
		chromedp.Sleep(ex.cfg.PostLoadWait),
	); err != nil {
		ex.logger.Debug("Page interaction failed.", zap.Error(err))
		return
	}
	ex.logger.Debug("Interacted with page elements.", zap.Int("elements", poked))
}

// screenshot captures the viewport for a failing route and returns the
// saved file path, or empty on failure.
func (ex *Explorer) screenshot(sessionCtx context.Context, route string) string {
	if ex.cfg.ScreenshotDir == "" {
		return ""
	}
	var buf []byte
	if err := chromedp.Run(sessionCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		ex.logger.Warn("Screenshot capture failed.", zap.Error(err))
		return ""
	}

	if err := os.MkdirAll(ex.cfg.ScreenshotDir, 0o755); err != nil {
		ex.logger.Warn("Could not create screenshot directory.", zap.Error(err))
		return ""
	}
	name := fmt.Sprintf("%s-%d.png", sanitizeRoute(route), time.Now().Unix())
	path := filepath.Join(ex.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		ex.logger.Warn("Could not write screenshot.", zap.Error(err))
		return ""
	}
	return path
}

func (ex *Explorer) emit(ctx context.Context, ev collector.PageEvent) {
	select {
	case ex.events <- ev:
	case <-ctx.Done():
	}
}

func sanitizeRoute(route string) string {
	r := strings.Trim(route, "/")
	if r == "" {
		return "root"
	}
	return routeCharRegex.ReplaceAllString(r, "_")
}

var routeCharRegex = regexp.MustCompile(`[^a-zA-Z0-9.-]+`)
