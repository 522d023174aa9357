package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

const (
	// loginWaitTimeout bounds how long we poll for the browser to leave the
	// login page before giving up on the redirect chain.
	loginWaitTimeout = 30 * time.Second
	// settleDelay gives trailing scripts time to finish writing cookies
	// after the final navigation.
	settleDelay = 2 * time.Second
)

// RodNavigator drives the SSO redirect through a headless Chrome via Rod.
// The portal's authentication completion is client-script-driven, so a bare
// HTTP client would come back with half a session.
type RodNavigator struct {
	logger *slog.Logger

	// ControlURL connects to an already-running browser instead of
	// launching one. Empty launches a local headless Chrome.
	ControlURL string
}

// NewRodNavigator creates a browser-backed Navigator.
func NewRodNavigator(logger *slog.Logger) *RodNavigator {
	return &RodNavigator{logger: logger}
}

// Navigate loads the SSO URL, waits until the page has left the login flow
// (bounded), lets trailing scripts settle, and extracts all cookies.
func (n *RodNavigator) Navigate(ctx context.Context, pageURL string) ([]*http.Cookie, string, error) {
	controlURL := n.ControlURL
	var lnch *launcher.Launcher
	if controlURL == "" {
		lnch = launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("no-sandbox").
			Set("disable-gpu")
		u, err := lnch.Launch()
		if err != nil {
			return nil, "", fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
		n.logger.Info("Launched headless browser", "control_url", controlURL)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, "", fmt.Errorf("connect to browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			n.logger.Warn("Failed to close browser", "error", err)
		}
		if lnch != nil {
			lnch.Cleanup()
		}
	}()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, "", fmt.Errorf("create page: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, loginWaitTimeout)
	defer cancel()

	n.logger.Info("Loading SSO URL in browser")
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		n.logger.Warn("Page load wait timed out, continuing", "error", err)
	}

	finalURL := n.waitForLoginToFinish(navCtx, page)

	// Trailing script execution may still be writing session cookies.
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	protoCookies, err := page.Cookies(nil)
	if err != nil {
		return nil, "", fmt.Errorf("extract cookies: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(protoCookies))
	for _, c := range protoCookies {
		cookies = append(cookies, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}

	n.logger.Info("Extracted cookies from browser", "count", len(cookies), "final_url", truncate(finalURL, 100))
	return cookies, finalURL, nil
}

// waitForLoginToFinish polls the page location until it is off the login
// page (or on the web host), or the bounded context expires. Returns the
// last observed URL either way.
func (n *RodNavigator) waitForLoginToFinish(ctx context.Context, page *rod.Page) string {
	var lastURL string
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		info, err := page.Context(ctx).Info()
		if err != nil {
			n.logger.Warn("Could not read page location", "error", err)
			return lastURL
		}
		lastURL = info.URL

		if !strings.Contains(strings.ToLower(lastURL), "login") || strings.Contains(lastURL, DefaultWebHost) {
			n.logger.Info("Browser left login page", "url", truncate(lastURL, 100))
			return lastURL
		}

		select {
		case <-ctx.Done():
			n.logger.Warn("Timed out waiting for login redirect", "last_url", truncate(lastURL, 100))
			return lastURL
		case <-ticker.C:
		}
	}
}
