/*
Package browser is the chromedp-backed implementation of the portal's Surface.

Everything protocol-level lives here: the Chrome lifecycle, cookie
import/export for the session artifact, the automation-fingerprint init
script, and the dark-host rewrite.

DARK-HOST REWRITE:
  The portal intermittently redirects through a parked marketing host that
  serves an empty shell. Requests to a configured dark host are intercepted at
  the network layer and continued against the canonical host instead, which is
  invisible to the page and cheaper than detect-and-renavigate.
*/
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-sync/portal"
)

// Config tunes the Chrome instance.
type Config struct {
	// Headful shows the browser window; the default is headless.
	Headful bool

	// DarkHosts maps a parked host to the canonical host its requests should
	// be rewritten to.
	DarkHosts map[string]string

	// NavigationTimeout bounds individual navigations. Defaults to 45s.
	NavigationTimeout time.Duration

	Log *logrus.Entry
}

// initScript runs before any page script and trims the obvious automation
// fingerprints.
const initScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
window.chrome = window.chrome || { runtime: {} };
`

// Chrome implements portal.Surface on a dedicated Chrome instance.
type Chrome struct {
	ctx     context.Context
	cancels []context.CancelFunc
	cfg     Config
	log     *logrus.Entry
}

// Factory returns a portal.SurfaceFactory backed by this package.
func Factory(cfg Config) portal.SurfaceFactory {
	return func(ctx context.Context, sessionPath string) (portal.Surface, error) {
		return Open(ctx, cfg, sessionPath)
	}
}

// Open launches Chrome and, when sessionPath is non-empty, imports the stored
// session's cookies.
func Open(ctx context.Context, cfg Config, sessionPath string) (*Chrome, error) {
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "browser")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !cfg.Headful),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	c := &Chrome{
		ctx:     browserCtx,
		cancels: []context.CancelFunc{cancelBrowser, cancelAlloc},
		cfg:     cfg,
		log:     log,
	}

	boot := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(initScript).Do(ctx)
			return err
		}),
	}
	if err := chromedp.Run(browserCtx, boot...); err != nil {
		c.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	if len(cfg.DarkHosts) > 0 {
		if err := c.enableDarkHostRewrite(); err != nil {
			c.Close()
			return nil, err
		}
	}

	if sessionPath != "" {
		if err := c.importSession(sessionPath); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Chrome) Close() error {
	for _, cancel := range c.cancels {
		cancel()
	}
	return nil
}

// =============================================================================
// DARK-HOST REWRITE
// =============================================================================

func (c *Chrome) enableDarkHostRewrite() error {
	patterns := make([]*fetch.RequestPattern, 0, len(c.cfg.DarkHosts))
	for host := range c.cfg.DarkHosts {
		patterns = append(patterns, &fetch.RequestPattern{URLPattern: "*://" + host + "/*"})
	}

	chromedp.ListenTarget(c.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go c.continuePaused(paused)
	})

	if err := chromedp.Run(c.ctx, fetch.Enable().WithPatterns(patterns)); err != nil {
		return fmt.Errorf("enable request interception: %w", err)
	}
	return nil
}

func (c *Chrome) continuePaused(ev *fetch.EventRequestPaused) {
	executor := cdp.WithExecutor(c.ctx, chromedp.FromContext(c.ctx).Target)

	cont := fetch.ContinueRequest(ev.RequestID)
	if u, err := url.Parse(ev.Request.URL); err == nil {
		if canonical, ok := c.cfg.DarkHosts[u.Host]; ok {
			u.Host = canonical
			c.log.WithField("url", u.String()).Debug("rewrote dark-host request")
			cont = cont.WithURL(u.String())
		}
	}
	if err := cont.Do(executor); err != nil {
		c.log.WithError(err).Debug("continue intercepted request")
	}
}

// =============================================================================
// SURFACE IMPLEMENTATION
// =============================================================================

func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(c.ctx, c.cfg.NavigationTimeout)
	defer cancel()
	go func() {
		// Propagate the caller's cancellation into the run.
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return chromedp.Run(runCtx, actions...)
}

func (c *Chrome) Navigate(ctx context.Context, u string) error {
	return c.run(ctx, chromedp.Navigate(u), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := c.run(ctx, chromedp.Location(&u))
	return u, err
}

func (c *Chrome) BodyText(ctx context.Context) (string, error) {
	var text string
	err := c.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

func (c *Chrome) HTML(ctx context.Context) (string, error) {
	var html string
	err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (c *Chrome) Click(ctx context.Context, selector string) error {
	return c.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (c *Chrome) Fill(ctx context.Context, selector, value string) error {
	return c.run(ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (c *Chrome) IsVisible(ctx context.Context, selector string) (bool, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return !!(el && el.offsetParent !== null);
	})()`, selector)

	var visible bool
	if err := c.run(ctx, chromedp.Evaluate(js, &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (c *Chrome) Eval(ctx context.Context, js string) error {
	return c.run(ctx, chromedp.Evaluate(js, nil))
}

func (c *Chrome) Links(ctx context.Context, selector string) ([]string, error) {
	js := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(el => el.href).filter(h => !!h)`,
		selector)

	var hrefs []string
	if err := c.run(ctx, chromedp.Evaluate(js, &hrefs)); err != nil {
		return nil, err
	}
	return hrefs, nil
}

func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, chromedp.FullScreenshot(&buf, 80))
	return buf, err
}

// =============================================================================
// SESSION IMPORT / EXPORT
// =============================================================================

// sessionShape mirrors the on-disk artifact: cookies plus per-origin local
// storage. Only cookies are restored on import; origin storage is kept in the
// file so the artifact stays portable, and the portal only needs cookies to
// recognize a session.
type sessionShape struct {
	Cookies []sessionCookie `json:"cookies"`
	Origins []originStorage `json:"origins"`
}

type sessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

type originStorage struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

func (c *Chrome) importSession(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read session artifact: %w", err)
	}
	var session sessionShape
	if err := json.Unmarshal(data, &session); err != nil {
		return fmt.Errorf("parse session artifact: %w", err)
	}

	params := make([]*network.CookieParam, 0, len(session.Cookies))
	for _, ck := range session.Cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(ck.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}

	err = chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("import session cookies: %w", err)
	}
	c.log.WithField("cookies", len(params)).Debug("session imported")
	return nil
}

func (c *Chrome) SaveSession(ctx context.Context, path string) error {
	var cookies []*network.Cookie
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("export session cookies: %w", err)
	}

	session := sessionShape{Cookies: make([]sessionCookie, 0, len(cookies)), Origins: []originStorage{}}
	for _, ck := range cookies {
		session.Cookies = append(session.Cookies, sessionCookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  ck.Expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		})
	}

	// Capture the current origin's local storage for artifact fidelity.
	var origin string
	var localStorage map[string]string
	lsErr := c.run(ctx, chromedp.Evaluate(`(() => {
		const out = {};
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
		return out;
	})()`, &localStorage), chromedp.Location(&origin))
	if lsErr == nil && len(localStorage) > 0 {
		if u, err := url.Parse(origin); err == nil {
			session.Origins = append(session.Origins, originStorage{
				Origin:       u.Scheme + "://" + u.Host,
				LocalStorage: localStorage,
			})
		}
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swap session artifact: %w", err)
	}
	return nil
}
