package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeNavigator stands in for the browser: it returns canned cookies and a
// final location without touching a real browser engine.
type fakeNavigator struct {
	cookies  []*http.Cookie
	finalURL string
	err      error
	calls    int
}

func (f *fakeNavigator) Navigate(_ context.Context, _ string) ([]*http.Cookie, string, error) {
	f.calls++
	return f.cookies, f.finalURL, f.err
}

// newPortalServer builds a test server acting as both API host (SSO
// endpoint) and web host (news verification endpoint).
func newPortalServer(t *testing.T, verifyHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/NA1/Authentication/sso", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("SSO Authorization header = %q, want Bearer test-token", got)
		}
		// The portal wraps the URL in quotes.
		if _, err := w.Write([]byte(`"` + srv.URL + `/sso/start"`)); err != nil {
			t.Errorf("write SSO response: %v", err)
		}
	})
	mux.HandleFunc("/Communication/News/GetNewsList", verifyHandler)
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newEstablisher(srv *httptest.Server, nav Navigator) *Establisher {
	e := New(srv.URL, nav, testLogger())
	e.WebHost = strings.TrimPrefix(srv.URL, "http://")
	return e
}

func TestEstablishVerifiesSessionWithTransplantedCookies(t *testing.T) {
	var sawCookie bool
	srv := newPortalServer(t, func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("im_session"); err == nil && c.Value == "abc123" {
			sawCookie = true
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"items":[]}`)); err != nil {
			t.Errorf("write verify response: %v", err)
		}
	})

	nav := &fakeNavigator{
		cookies:  []*http.Cookie{{Name: "im_session", Value: "abc123", Domain: "127.0.0.1", Path: "/"}},
		finalURL: srv.URL + "/dashboard",
	}

	sess, err := newEstablisher(srv, nav).Establish(context.Background(), "test-token")
	if err != nil {
		t.Fatalf("Establish() = %v", err)
	}
	if nav.calls != 1 {
		t.Errorf("navigator called %d times, want 1", nav.calls)
	}
	if !sawCookie {
		t.Error("verification request did not carry the transplanted cookie")
	}
	if !strings.HasPrefix(sess.WebBaseURL, "http://") {
		t.Errorf("WebBaseURL = %q, want scheme derived from SSO URL", sess.WebBaseURL)
	}
}

func TestEstablishFailsOnLoginRedirect(t *testing.T) {
	srv := newPortalServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/Authentication/Login?next=news")
		w.WriteHeader(http.StatusFound)
	})

	nav := &fakeNavigator{finalURL: srv.URL}
	_, err := newEstablisher(srv, nav).Establish(context.Background(), "test-token")
	if err == nil {
		t.Fatal("Establish() = nil, want verification failure")
	}
	if !IsVerifyError(err) {
		t.Errorf("Establish() = %v, want VerifyError", err)
	}
}

func TestEstablishFollowsNonLoginRedirectToSuccess(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/NA1/Authentication/sso", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte(srv.URL + "/sso/start")); err != nil {
			t.Errorf("write SSO response: %v", err)
		}
	})
	mux.HandleFunc("/Communication/News/GetNewsList", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/Communication/News/GetNewsListV2")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/Communication/News/GetNewsListV2", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"items":[]}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	nav := &fakeNavigator{finalURL: srv.URL}
	if _, err := newEstablisher(srv, nav).Establish(context.Background(), "test-token"); err != nil {
		t.Fatalf("Establish() = %v, want success after followed redirect", err)
	}
}

func TestEstablishFailsOnUnauthorizedVerify(t *testing.T) {
	srv := newPortalServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	nav := &fakeNavigator{finalURL: srv.URL}
	_, err := newEstablisher(srv, nav).Establish(context.Background(), "test-token")
	if !IsVerifyError(err) {
		t.Errorf("Establish() = %v, want VerifyError", err)
	}
}

func TestSSOURLRejectsNonURLBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("<html>maintenance</html>")); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	e := New(srv.URL, &fakeNavigator{}, testLogger())
	if _, err := e.ssoURL(context.Background(), "tok"); err == nil {
		t.Fatal("ssoURL() = nil, want error for non-URL body")
	}
}

func TestSSOURLStripsQuoting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("'https://hub.example.com/start?guid=1'\n")); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	e := New(srv.URL, &fakeNavigator{}, testLogger())
	got, err := e.ssoURL(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ssoURL() = %v", err)
	}
	if got != "https://hub.example.com/start?guid=1" {
		t.Errorf("ssoURL() = %q, want quotes and whitespace stripped", got)
	}
}
