// Package session exchanges a valid bearer token for a browser-established
// web session. The portal finalizes its cookies with client-side script, so
// the SSO redirect has to be driven through a real browser engine (behind
// the Navigator interface) and the resulting session is actively verified
// with a real authenticated call before anything downstream may use it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/publicsuffix"
)

// DefaultWebHost is the portal's web frontend; the SSO redirect always lands
// on it regardless of which regional API host issued the redirect.
const DefaultWebHost = "hub.infomentor.se"

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Navigator loads a URL in a browser context and reports the cookies and
// final location once client-side authentication has settled. Implemented by
// RodNavigator in production and by test doubles in tests.
type Navigator interface {
	Navigate(ctx context.Context, pageURL string) (cookies []*http.Cookie, finalURL string, err error)
}

// Session is an authenticated web session scoped to a single fetch cycle.
type Session struct {
	Client     *http.Client
	WebBaseURL string
}

// VerifyError indicates the post-transplant verification call failed; the
// session is unusable and the cycle must abort.
type VerifyError struct {
	StatusCode int
	Location   string
}

func (e *VerifyError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("session: verification failed with HTTP %d (redirect to %s)", e.StatusCode, e.Location)
	}
	return fmt.Sprintf("session: verification failed with HTTP %d", e.StatusCode)
}

// IsVerifyError checks if an error is a session verification failure.
func IsVerifyError(err error) bool {
	var verify *VerifyError
	return errors.As(err, &verify)
}

// Establisher turns a bearer token into a verified web session.
type Establisher struct {
	apiBaseURL string
	navigator  Navigator
	client     *http.Client
	logger     *slog.Logger

	// WebHost is the host the web session lives on. Defaults to
	// DefaultWebHost.
	WebHost string
}

// New creates an Establisher against the given API host.
func New(apiBaseURL string, navigator Navigator, logger *slog.Logger) *Establisher {
	return &Establisher{
		apiBaseURL: apiBaseURL,
		navigator:  navigator,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		WebHost:    DefaultWebHost,
	}
}

// Establish runs the full SSO dance: fetch the single-use redirect URL,
// drive it through the browser, transplant the cookies into a fresh jar,
// and verify the session with one real authenticated request. There is no
// partial-credit session: any failure aborts the cycle.
func (e *Establisher) Establish(ctx context.Context, accessToken string) (*Session, error) {
	ssoURL, err := e.ssoURL(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("get SSO URL: %w", err)
	}

	parsed, err := url.Parse(ssoURL)
	if err != nil {
		return nil, fmt.Errorf("parse SSO URL: %w", err)
	}
	webBaseURL := parsed.Scheme + "://" + e.WebHost

	e.logger.Info("Driving SSO redirect through browser", "web_base_url", webBaseURL)
	cookies, finalURL, err := e.navigator.Navigate(ctx, ssoURL)
	if err != nil {
		return nil, fmt.Errorf("browser navigation: %w", err)
	}
	e.logger.Info("Browser navigation completed", "cookie_count", len(cookies), "final_url", truncate(finalURL, 100))

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	transplantCookies(jar, cookies, e.WebHost)

	sess := &Session{
		Client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			// Redirects are signal, not transport detail: a login redirect
			// means the session is dead. Callers inspect them explicitly.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		WebBaseURL: webBaseURL,
	}

	if err := e.verify(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ssoURL asks the API for the single-use web redirect URL. The 200 body is a
// bare URL string, possibly wrapped in quotes.
func (e *Establisher) ssoURL(ctx context.Context, accessToken string) (string, error) {
	endpoint := e.apiBaseURL + "/NA1/Authentication/sso"

	var ssoURL string
	err := retry.Do(
		func() error {
			e.logger.Info("SSO request starting", "method", "GET", "endpoint", endpoint)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+accessToken)
			req.Header.Set("User-Agent", "InfoMentor/1.0.85 (Android; 35)")
			req.Header.Set("X-IMHomeApp-Version", "Android_V_1.0.85")

			startTime := time.Now()
			resp, err := e.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				e.logger.Warn("SSO request failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					e.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			e.logger.Info("SSO request completed", "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusUnauthorized {
				// The bearer token is bad; retrying with the same one is pointless.
				return retry.Unrecoverable(errors.New("SSO endpoint returned HTTP 401"))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("SSO endpoint returned HTTP %d", resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			if err != nil {
				return fmt.Errorf("read SSO response: %w", err)
			}

			candidate := strings.Trim(strings.TrimSpace(string(body)), `"'`)
			if !strings.HasPrefix(candidate, "http://") && !strings.HasPrefix(candidate, "https://") {
				return retry.Unrecoverable(fmt.Errorf("SSO response is not a URL: %q", truncate(candidate, 100)))
			}
			ssoURL = candidate
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("Retrying SSO request after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("after retries: %w", err)
	}
	return ssoURL, nil
}

// verify issues one known authenticated GET against the news endpoint.
// A 200 with a JSON-shaped body, or a non-login redirect that itself
// resolves to 200, proves the cookies work; anything else is a hard failure.
func (e *Establisher) verify(ctx context.Context, sess *Session) error {
	endpoint := sess.WebBaseURL + "/Communication/News/GetNewsList"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("create verify request: %w", err)
	}
	setAjaxHeaders(req, sess.WebBaseURL)

	e.logger.Info("Verifying session", "endpoint", endpoint)
	resp, err := sess.Client.Do(req)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read verify response: %w", err)
		}
		trimmed := strings.TrimSpace(string(body))
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			e.logger.Info("Session verified", "body_length", len(body))
			return nil
		}
		// 200 with a non-JSON body still counts; the portal occasionally
		// serves the list wrapped in a text envelope.
		e.logger.Info("Session verified with non-JSON 200", "body_length", len(body))
		return nil

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		if strings.Contains(strings.ToLower(location), "login") {
			return &VerifyError{StatusCode: resp.StatusCode, Location: location}
		}
		return e.followVerifyRedirect(ctx, sess, location, resp.StatusCode)

	default:
		return &VerifyError{StatusCode: resp.StatusCode}
	}
}

// followVerifyRedirect follows one non-login redirect and accepts a 200 at
// the other end.
func (e *Establisher) followVerifyRedirect(ctx context.Context, sess *Session, location string, originalStatus int) error {
	if location == "" {
		return &VerifyError{StatusCode: originalStatus}
	}
	e.logger.Info("Following verify redirect", "location", truncate(location, 100))

	target := location
	if strings.HasPrefix(target, "/") {
		target = sess.WebBaseURL + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("create redirect request: %w", err)
	}
	setAjaxHeaders(req, sess.WebBaseURL)

	resp, err := sess.Client.Do(req)
	if err != nil {
		return fmt.Errorf("follow verify redirect: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return &VerifyError{StatusCode: resp.StatusCode, Location: location}
	}
	e.logger.Info("Session verified after redirect")
	return nil
}

// transplantCookies copies browser cookies into the HTTP client's jar,
// grouped by their source domain.
func transplantCookies(jar http.CookieJar, cookies []*http.Cookie, fallbackHost string) {
	byHost := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			host = fallbackHost
		}
		byHost[host] = append(byHost[host], c)
	}
	for host, hostCookies := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host}, hostCookies)
	}
}

// setAjaxHeaders mimics the portal frontend's XHR requests closely enough
// that the session cookies are honored.
func setAjaxHeaders(req *http.Request, webBaseURL string) {
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-US,en;q=0.6")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Origin", webBaseURL)
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Referer", webBaseURL+"/")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
