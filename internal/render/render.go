// Package render wraps a headless Chrome instance (via chromedp): load a
// URL, dismiss popups, scroll to top, capture a clipped top-of-page
// screenshot, and expose the DOM to extractors. One shared allocator, one
// fresh browser context per Render call — no state is shared across
// requests.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/metrics"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// ErrorKind is the closed set of render failure categories.
type ErrorKind string

const (
	ErrLoadTimeout    ErrorKind = "LOAD_TIMEOUT"
	ErrNavigation     ErrorKind = "NAVIGATION_ERROR"
	ErrBlockedBySite  ErrorKind = "BLOCKED_BY_SITE"
)

// RenderError wraps a render failure with its classification.
type RenderError struct {
	Kind ErrorKind
	Err  error
}

func (e *RenderError) Error() string { return fmt.Sprintf("render: %s: %v", e.Kind, e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// RenderedPage exposes the parts of a loaded page extractors need, without
// leaking the chromedp context itself.
type RenderedPage struct {
	URL            string
	FinalURL       string
	BodyText       string
	HTML           string
	JSONLDScripts  []string
	MetaTags       map[string]string // name|property -> content
	ScreenshotPath string
}

const (
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	viewportWidth    = 1366
	viewportHeight   = 1229
	settleDelay      = 3 * time.Second
	firstTryTimeout  = 30 * time.Second
	secondTryTimeout = 45 * time.Second
)

// Engine renders store pages. One Engine is shared process-wide; each
// Render call acquires its own browser tab context and releases it on
// every exit path.
type Engine struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	log         *logger.Logger
}

// New starts the shared headless-Chrome allocator.
func New(log *logger.Logger) *Engine {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(desktopUserAgent),
		chromedp.Flag("lang", "pt-BR"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Engine{allocCtx: allocCtx, allocCancel: allocCancel, log: log}
}

// Close shuts down the shared allocator.
func (e *Engine) Close() {
	e.allocCancel()
}

// Render loads url, dismisses overlays, scrolls to top, and writes a clipped
// screenshot to screenshotPath.
func (e *Engine) Render(ctx context.Context, url, screenshotPath string) (*RenderedPage, error) {
	start := time.Now()
	defer func() { metrics.RenderDuration.Observe(time.Since(start).Seconds()) }()

	tabCtx, tabCancel := chromedp.NewContext(e.allocCtx)
	defer tabCancel()

	timeout := firstTryTimeout
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	status, err := e.navigate(runCtx, url)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			timeout = secondTryTimeout
			runCtx2, cancel2 := context.WithTimeout(tabCtx, timeout)
			status, err = e.navigate(runCtx2, url)
			cancel2()
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &RenderError{Kind: ErrLoadTimeout, Err: err}
		}
		return nil, &RenderError{Kind: ErrNavigation, Err: err}
	}

	runCtx, cancel = context.WithTimeout(tabCtx, 20*time.Second)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Sleep(settleDelay)); err != nil {
		return nil, &RenderError{Kind: ErrNavigation, Err: err}
	}

	if err := e.dismissPopups(runCtx); err != nil {
		e.log.Warn("popup dismissal failed, continuing", "url", url, "error", err)
	}

	var bodyText, html, finalURL string
	var jsonld []string
	var metaPairs []string
	var pageHeight float64

	err = chromedp.Run(runCtx,
		chromedp.Location(&finalURL),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(jsonldScript, &jsonld),
		chromedp.Evaluate(metaTagsScript, &metaPairs),
		chromedp.Evaluate(`document.body.scrollHeight`, &pageHeight),
		chromedp.ScrollIntoView("body", chromedp.ByQuery),
	)
	if err != nil {
		return nil, &RenderError{Kind: ErrNavigation, Err: err}
	}

	if looksBlocked(status, bodyText) {
		return nil, &RenderError{Kind: ErrBlockedBySite, Err: fmt.Errorf("anti-bot block detected (http %d)", status)}
	}

	clipHeight := clamp(pageHeight*0.45, 900, 1800)
	if err := chromedp.Run(runCtx, scrollToTop(), chromedp.Sleep(500*time.Millisecond)); err != nil {
		e.log.Warn("scroll-to-top failed", "url", url, "error", err)
	}
	if err := e.captureClippedScreenshot(runCtx, screenshotPath, clipHeight); err != nil {
		return nil, &RenderError{Kind: ErrNavigation, Err: fmt.Errorf("screenshot: %w", err)}
	}

	metas := map[string]string{}
	for i := 0; i+1 < len(metaPairs); i += 2 {
		metas[metaPairs[i]] = metaPairs[i+1]
	}

	return &RenderedPage{
		URL:            url,
		FinalURL:       finalURL,
		BodyText:       bodyText,
		HTML:           html,
		JSONLDScripts:  jsonld,
		MetaTags:       metas,
		ScreenshotPath: screenshotPath,
	}, nil
}

// navigate loads url and returns the HTTP status of the main-frame
// response, or 0 when the navigation produced none (same-document
// navigations).
func (e *Engine) navigate(ctx context.Context, url string) (int64, error) {
	resp, err := chromedp.RunResponse(ctx,
		emulation.SetDeviceMetricsOverride(viewportWidth, viewportHeight, 1, false),
		chromedp.Navigate(url),
	)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Status, nil
}

// looksBlocked applies the anti-bot heuristics: an HTTP 403 main-frame
// response, an unusually small body, or captcha-challenge text. A 403
// block page often carries enough boilerplate to pass the length check,
// so the status is decisive on its own.
func looksBlocked(status int64, bodyText string) bool {
	if status == http.StatusForbidden {
		return true
	}
	lower := strings.ToLower(bodyText)
	if len(strings.TrimSpace(bodyText)) < 200 {
		return true
	}
	for _, needle := range []string{"captcha", "are you a robot", "access denied", "unusual traffic"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func clamp(v, min, max float64) float64 {
	return math.Min(math.Max(v, min), max)
}

func scrollToTop() chromedp.Action {
	return chromedp.Evaluate(`window.scrollTo(0, 0)`, nil)
}

func (e *Engine) captureClippedScreenshot(ctx context.Context, path string, clipHeight float64) error {
	var buf []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := page.CaptureScreenshot().
			WithClip(&page.Viewport{X: 0, Y: 0, Width: viewportWidth, Height: clipHeight, Scale: 1}).
			Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return err
	}
	return writeFile(path, buf)
}

// dismissPopups runs the multi-pass popup-dismissal routine:
// accept-affordances first, then close-affordances, then a JS-level
// overlay sweep for whatever neither pass could click away.
func (e *Engine) dismissPopups(ctx context.Context) error {
	for _, selectors := range [][]string{acceptSelectors, closeSelectors} {
		for _, sel := range selectors {
			var clicked bool
			_ = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
				nodes, err := dom(ctx, sel)
				if err != nil || len(nodes) == 0 {
					return nil
				}
				if err := chromedp.MouseClickNode(nodes[0]).Do(ctx); err != nil {
					return nil
				}
				clicked = true
				return nil
			}))
			if clicked {
				_ = chromedp.Run(ctx, chromedp.Sleep(300*time.Millisecond))
			}
		}
	}
	return chromedp.Run(ctx, chromedp.Evaluate(removeOverlaysScript, nil))
}

func dom(ctx context.Context, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	return nodes, err
}

var acceptSelectors = []string{
	`button[id*="accept" i]`, `button[class*="accept" i]`,
	`button[aria-label*="aceitar" i]`, `button[aria-label*="accept" i]`,
}

var closeSelectors = []string{
	`button[class*="close" i]`, `button[aria-label*="fechar" i]`,
	`button[aria-label*="close" i]`, `[class*="modal"] [class*="close" i]`,
}

// removeOverlaysScript removes fixed/absolute elements with z-index > 100
// covering more than half the viewport, excluding document roots, and
// restores body scroll.
const removeOverlaysScript = `
(function() {
  var vw = window.innerWidth, vh = window.innerHeight;
  var excluded = ['MAIN', 'HEADER', 'NAV'];
  var excludedIds = ['root', 'app', '__next'];
  document.querySelectorAll('body *').forEach(function(el) {
    if (excluded.indexOf(el.tagName) !== -1) return;
    if (excludedIds.indexOf(el.id) !== -1) return;
    var style = window.getComputedStyle(el);
    if (style.position !== 'fixed' && style.position !== 'absolute') return;
    var z = parseInt(style.zIndex, 10);
    if (isNaN(z) || z <= 100) return;
    var rect = el.getBoundingClientRect();
    var area = Math.max(0, rect.width) * Math.max(0, rect.height);
    if (area > 0.5 * vw * vh) {
      el.parentNode && el.parentNode.removeChild(el);
    }
  });
  document.body.style.overflow = 'auto';
  document.documentElement.classList.remove('modal-open');
  document.body.classList.remove('modal-open');
})();
`

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

const jsonldScript = `
Array.from(document.querySelectorAll('script[type="application/ld+json"]')).map(function(s) { return s.textContent; });
`

const metaTagsScript = `
(function() {
  var out = [];
  document.querySelectorAll('meta[property], meta[name]').forEach(function(m) {
    var key = m.getAttribute('property') || m.getAttribute('name');
    out.push(key, m.getAttribute('content') || '');
  });
  return out;
})();
`
