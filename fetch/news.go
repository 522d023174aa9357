package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// newsListResponse is the envelope around the news endpoint's items.
type newsListResponse struct {
	Items []portal.NewsItem `json:"items"`
}

// News fetches the current news list. The access token is optional; when
// present it is forwarded as a bearer header alongside the session cookies.
func (c *Client) News(ctx context.Context, accessToken string) ([]portal.NewsItem, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	endpoint := c.sess.WebBaseURL + "/Communication/News/GetNewsList"

	var items []portal.NewsItem
	err := retry.Do(
		func() error {
			c.logger.Info("News request starting", "method", "GET", "endpoint", endpoint)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			c.ajaxHeaders(req, "application/json, text/javascript, */*; q=0.01")
			if accessToken != "" {
				req.Header.Set("Authorization", "Bearer "+accessToken)
			}

			startTime := time.Now()
			resp, err := c.sess.Client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("News request failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("News request completed", "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("news endpoint returned HTTP %d", resp.StatusCode)
			}

			var decoded newsListResponse
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
				return fmt.Errorf("decode news response: %w", err)
			}
			items = decoded.Items
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying news fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	c.logger.Info("News fetched", "count", len(items))
	return items, nil
}
