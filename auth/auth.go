// Package auth owns the OAuth2 credential lifecycle: loading the persisted
// token record, deciding expiry, and refreshing via the refresh-token grant.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Fixed client identity used by the portal's notification app flow.
const (
	ClientID       = "notificationapp"
	ClientSecret   = "NONE"
	RedirectURI    = "InfomentorNotification://oauth2Callback"
	Scope          = "IM2-API-NOTIFICATION"
	DevicePlatform = "Android"

	DefaultAuthBaseURL = "https://im.infomentor.se"
	DefaultAPIBaseURL  = "https://api-im.infomentor.se"
)

// expiryMargin keeps a token from being used within 10 minutes of real expiry.
const expiryMargin = 600 * time.Second

// ErrNoCredentials indicates there is no access token on record at all.
// This is terminal for unattended runs: only the interactive login can fix it.
var ErrNoCredentials = errors.New("auth: no access token on record, interactive login required")

// RefreshRejectedError indicates the token endpoint explicitly rejected the
// refresh token (as opposed to a transient transport or server failure).
type RefreshRejectedError struct {
	StatusCode int
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("auth: refresh token rejected with HTTP %d", e.StatusCode)
}

// IsRefreshRejected checks if an error is a refresh rejection.
func IsRefreshRejected(err error) bool {
	var rejected *RefreshRejectedError
	return errors.As(err, &rejected)
}

// Tokens is the token block inside the credential record. Field names match
// the token endpoint's response body so the record round-trips exactly.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// Credentials is the persisted credential record. SavedAt is the wall-clock
// time (unix seconds) the tokens were minted or last refreshed.
type Credentials struct {
	Tokens      Tokens  `json:"tokens"`
	SavedAt     float64 `json:"saved_at"`
	AuthBaseURL string  `json:"auth_base_url,omitempty"`
	APIBaseURL  string  `json:"api_base_url,omitempty"`
}

// Manager owns the credential record and its on-disk copy.
type Manager struct {
	path        string
	authBaseURL string
	client      *http.Client
	logger      *slog.Logger
	creds       Credentials
}

// New creates a credential manager backed by the given token file.
func New(path string, logger *slog.Logger) *Manager {
	return &Manager{
		path:        path,
		authBaseURL: DefaultAuthBaseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// Load reads the persisted credential record. A missing file is the fresh
// install state, not an error.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Info("No credential file found, starting fresh", "path", m.path)
			return nil
		}
		return fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("unmarshal credentials: %w", err)
	}
	m.creds = creds

	if creds.AuthBaseURL != "" {
		m.authBaseURL = creds.AuthBaseURL
	}

	m.logger.Info("Credentials loaded", "path", m.path, "has_refresh_token", creds.Tokens.RefreshToken != "")
	return nil
}

// AccessToken returns the current access token, empty if none is on record.
func (m *Manager) AccessToken() string {
	return m.creds.Tokens.AccessToken
}

// APIBaseURL returns the API host recorded at login time.
func (m *Manager) APIBaseURL() string {
	if m.creds.APIBaseURL != "" {
		return m.creds.APIBaseURL
	}
	return DefaultAPIBaseURL
}

// IsExpiredAt reports whether the access token should be considered expired
// at the given instant. The margin guarantees a token is never used within
// 10 minutes of its real expiry.
func (m *Manager) IsExpiredAt(now time.Time) bool {
	expiresIn := m.creds.Tokens.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	elapsed := now.Sub(time.Unix(int64(m.creds.SavedAt), 0))
	return elapsed >= time.Duration(expiresIn)*time.Second-expiryMargin
}

// Refresh exchanges the refresh token for a new access token and persists
// the merged record. On any failure the prior record is left untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	refreshToken := m.creds.Tokens.RefreshToken
	if refreshToken == "" {
		return errors.New("auth: no refresh token available")
	}

	endpoint := m.authBaseURL + "/Authentication/OAuth2/Token"
	form := url.Values{
		"client_id":     {ClientID},
		"client_secret": {ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {Scope},
	}

	var fresh Tokens
	err := retry.Do(
		func() error {
			m.logger.Info("Token refresh request starting", "method", "POST", "endpoint", endpoint)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			startTime := time.Now()
			resp, err := m.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				m.logger.Warn("Token refresh failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					m.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			m.logger.Info("Token refresh request completed",
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
				// The server rejected the refresh token itself; retrying the
				// same token cannot succeed.
				return retry.Unrecoverable(&RefreshRejectedError{StatusCode: resp.StatusCode})
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
			}

			if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
				return fmt.Errorf("decode token response: %w", err)
			}
			if fresh.AccessToken == "" {
				return errors.New("token response missing access_token")
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Info("Retrying token refresh after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("refresh after retries: %w", err)
	}

	// Merge rather than replace: the server may reuse the refresh token and
	// omit it (and expires_in) from the response.
	m.creds.Tokens.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		m.creds.Tokens.RefreshToken = fresh.RefreshToken
	}
	if fresh.TokenType != "" {
		m.creds.Tokens.TokenType = fresh.TokenType
	}
	if fresh.ExpiresIn > 0 {
		m.creds.Tokens.ExpiresIn = fresh.ExpiresIn
	}
	m.creds.SavedAt = float64(time.Now().Unix())

	if err := m.save(); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}

	m.logger.Info("Access token refreshed", "expires_in", m.creds.Tokens.ExpiresIn)
	return nil
}

// ValidateAndRefresh is the single entry point used by the pipeline: it
// fails fast when no token is on record and refreshes only when expired.
func (m *Manager) ValidateAndRefresh(ctx context.Context) error {
	if m.AccessToken() == "" {
		return ErrNoCredentials
	}

	now := time.Now()
	if !m.IsExpiredAt(now) {
		expiresIn := m.creds.Tokens.ExpiresIn
		if expiresIn == 0 {
			expiresIn = 3600
		}
		remaining := time.Duration(expiresIn)*time.Second - now.Sub(time.Unix(int64(m.creds.SavedAt), 0))
		m.logger.Info("Access token still valid", "remaining", remaining.Round(time.Second).String())
		return nil
	}

	m.logger.Info("Access token expired or expiring soon, refreshing")
	return m.Refresh(ctx)
}

// save writes the credential record atomically so a crash mid-write can
// never corrupt the only copy of the refresh token.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}
