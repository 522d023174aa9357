package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// maxAttachmentSize caps a single download at 50 MB.
const maxAttachmentSize = 50 << 20

// SanitizeFilename reduces an attachment title to characters safe for a
// filename. When nothing safe remains, the last path segment of the URL is
// used instead.
func SanitizeFilename(title, rawURL string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	if name != "" {
		return name
	}
	if u, err := url.Parse(rawURL); err == nil {
		if segments := strings.Split(strings.Trim(u.Path, "/"), "/"); len(segments) > 0 {
			if last := segments[len(segments)-1]; last != "" {
				return last
			}
		}
	}
	return "attachment"
}

// Attachment downloads a single attachment and returns its contents.
// Relative URLs are resolved against the web session's base URL.
func (c *Client) Attachment(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	target := rawURL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		target = c.sess.WebBaseURL + target
	}

	var data []byte
	err := retry.Do(
		func() error {
			c.logger.Info("Attachment request starting", "method", "GET", "endpoint", target)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			c.ajaxHeaders(req, "*/*")

			startTime := time.Now()
			resp, err := c.sess.Client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Attachment request failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Attachment request completed", "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("attachment endpoint returned HTTP %d", resp.StatusCode)
			}

			data, err = io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize))
			if err != nil {
				return fmt.Errorf("read attachment body: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying attachment download after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	c.logger.Info("Attachment downloaded", "bytes", len(data))
	return data, nil
}
