// Package fetch pulls news, schedule, and app notifications from an
// authenticated web session. Fetchers report what the portal currently
// serves; deciding what is new is the poll package's job.
package fetch

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/heinrisch/infomentor-rev/session"
)

// ErrNoSession indicates the web session was never established; fetchers
// fail immediately and cheaply instead of issuing a doomed request.
var ErrNoSession = errors.New("fetch: web session not established")

// Client fetches portal resources over one cycle's web session.
type Client struct {
	sess   *session.Session
	logger *slog.Logger
}

// New creates a fetch client bound to the given session.
func New(sess *session.Session, logger *slog.Logger) *Client {
	return &Client{sess: sess, logger: logger}
}

func (c *Client) ready() error {
	if c.sess == nil || c.sess.WebBaseURL == "" {
		return ErrNoSession
	}
	return nil
}

// ajaxHeaders mimics the portal frontend's XHR requests.
func (c *Client) ajaxHeaders(req *http.Request, accept string) {
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.6")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Origin", c.sess.WebBaseURL)
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Referer", c.sess.WebBaseURL+"/")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
}
