package auth

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// LoginURLSweden is the browser entry point for the BankID login flow.
const LoginURLSweden = "https://infomentor.se/Swedish/Production/mentor/?isimhapp=1"

var authGuidPattern = regexp.MustCompile(`authGuid=([^&"]+)`)

// authenticationData is the blob the user pastes from the portal's
// GetAuthenticationData endpoint after logging in with BankID.
type authenticationData struct {
	AuthenticationURL string `json:"authenticationUrl"`
	APIURL            string `json:"apiUrl"`
}

// RunInteractiveLogin drives the one-time pairing flow: it prompts for the
// pasted authentication blob, trades the embedded authGuid for an
// authorization code, exchanges the code for tokens, and persists the
// resulting credential record.
func (m *Manager) RunInteractiveLogin(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "InfoMentor pairing (mobile flow)")
	fmt.Fprintln(out, "--------------------------------")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "1. Open a browser and go to: %s\n", LoginURLSweden)
	fmt.Fprintln(out, "2. Log in with BankID and wait for the dashboard.")
	fmt.Fprintln(out, "3. Open Developer Tools (F12) -> Console and run:")
	fmt.Fprintln(out)
	fmt.Fprintln(out, `   fetch("account/pair/GetAuthenticationData", {method: "POST"}).then(r => r.text()).then(console.log);`)
	fmt.Fprintln(out)
	fmt.Fprint(out, "Paste the JSON string here: ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read pairing data: %w", err)
	}
	blob := strings.TrimSpace(line)
	if blob == "" {
		return errors.New("auth: no pairing data provided")
	}

	var data authenticationData
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return fmt.Errorf("parse pairing data: %w", err)
	}

	apiBaseURL := data.APIURL
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	if idx := strings.Index(data.AuthenticationURL, "/Authentication/"); idx > 0 {
		m.authBaseURL = data.AuthenticationURL[:idx]
	}

	match := authGuidPattern.FindStringSubmatch(blob)
	if match == nil {
		return errors.New("auth: pairing data contains no authGuid")
	}
	authGuid := match[1]

	m.logger.Info("Pairing data parsed", "auth_base_url", m.authBaseURL, "api_base_url", apiBaseURL)

	code, err := m.requestAuthorizationCode(ctx, authGuid)
	if err != nil {
		return fmt.Errorf("request authorization code: %w", err)
	}

	tokens, err := m.exchangeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	m.creds = Credentials{
		Tokens:      tokens,
		SavedAt:     float64(time.Now().Unix()),
		AuthBaseURL: m.authBaseURL,
		APIBaseURL:  apiBaseURL,
	}
	if err := m.save(); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}

	fmt.Fprintln(out, "Login successful, credentials saved.")
	return nil
}

// requestAuthorizationCode calls LoginOAuth2 and reads the code out of the
// 302 redirect it answers with.
func (m *Manager) requestAuthorizationCode(ctx context.Context, authGuid string) (string, error) {
	endpoint := m.authBaseURL + "/Authentication/Authentication/LoginOAuth2"

	params := url.Values{
		"authGuid":           {authGuid},
		"DeviceIdentifier":   {"infomentor-rev"},
		"DeviceFriendlyName": {"infomentor-rev"},
		"DevicePlatform":     {DevicePlatform},
		"scope":              {Scope},
		"redirect_uri":       {RedirectURI},
		"client_id":          {ClientID},
		"response_type":      {"code"},
		"isSandBox":          {"false"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	// The code rides on the redirect; do not follow it.
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusFound {
		return "", fmt.Errorf("LoginOAuth2 returned HTTP %d", resp.StatusCode)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", fmt.Errorf("parse redirect location: %w", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		return "", errors.New("redirect location contains no authorization code")
	}
	return code, nil
}

// exchangeCode trades an authorization code for the initial token set.
func (m *Manager) exchangeCode(ctx context.Context, code string) (Tokens, error) {
	endpoint := m.authBaseURL + "/Authentication/OAuth2/Token"

	form := url.Values{
		"client_id":     {ClientID},
		"client_secret": {ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {RedirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return Tokens{}, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return Tokens{}, fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var tokens Tokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return Tokens{}, errors.New("token response missing access_token")
	}
	return tokens, nil
}
