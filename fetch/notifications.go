package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// notificationsResponse is the envelope around the app-data endpoint's
// notification list.
type notificationsResponse struct {
	Notifications []portal.Notification `json:"notifications"`
}

// Notifications fetches the in-app notification feed.
func (c *Client) Notifications(ctx context.Context) ([]portal.Notification, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	endpoint := c.sess.WebBaseURL + "/NotificationApp/NotificationApp/appData"

	var notifications []portal.Notification
	err := retry.Do(
		func() error {
			c.logger.Info("Notifications request starting", "method", "POST", "endpoint", endpoint)

			// The endpoint wants an empty JSON object, not an empty body.
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			c.ajaxHeaders(req, "application/json, text/javascript, */*; q=0.01")
			req.Header.Set("Content-Type", "application/json; charset=UTF-8")

			startTime := time.Now()
			resp, err := c.sess.Client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Notifications request failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Notifications request completed", "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("notifications endpoint returned HTTP %d", resp.StatusCode)
			}

			var decoded notificationsResponse
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
				return fmt.Errorf("decode notifications response: %w", err)
			}
			notifications = decoded.Notifications
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying notifications fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	c.logger.Info("Notifications fetched", "count", len(notifications))
	return notifications, nil
}
