package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// WeekWindow returns the start (Sunday) and end (Saturday) of the calendar
// week containing the given day. The portal's week starts on Sunday, not
// Monday.
func WeekWindow(today time.Time) (start, end time.Time) {
	daysSinceSunday := int(today.Weekday()) // Go weekday: Sunday == 0
	start = today.AddDate(0, 0, -daysSinceSunday)
	end = start.AddDate(0, 0, 6)
	return start, end
}

// WeekKey derives the storage key for a week from its starting Sunday.
func WeekKey(start time.Time) string {
	return start.Format("2006-01-02")
}

// scheduleRequest is the query window in the portal's date format.
type scheduleRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// Schedule fetches all calendar entries in [start, end], both inclusive.
func (c *Client) Schedule(ctx context.Context, start, end time.Time) ([]portal.ScheduleEntry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	endpoint := c.sess.WebBaseURL + "/calendarv2/calendarv2/getentries"
	payload, err := json.Marshal(scheduleRequest{
		StartDate: start.Format("2006/01/02"),
		EndDate:   end.Format("2006/01/02"),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal schedule request: %w", err)
	}

	var entries []portal.ScheduleEntry
	err = retry.Do(
		func() error {
			c.logger.Info("Schedule request starting",
				"method", "POST",
				"endpoint", endpoint,
				"start_date", start.Format("2006/01/02"),
				"end_date", end.Format("2006/01/02"))

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			c.ajaxHeaders(req, "*/*")
			req.Header.Set("Content-Type", "application/json; charset=UTF-8")

			startTime := time.Now()
			resp, err := c.sess.Client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Schedule request failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Schedule request completed", "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("schedule endpoint returned HTTP %d", resp.StatusCode)
			}

			entries = nil
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				return fmt.Errorf("decode schedule response: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying schedule fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	c.logger.Info("Schedule fetched", "count", len(entries))
	return entries, nil
}
