package poll

import (
	"context"
	"fmt"
)

// processNotifications ingests new app notifications: persist then announce.
// Identity is the numeric ID; a notification seen before is never
// re-announced, even if a later announcement attempt failed.
func (r *Runner) processNotifications(ctx context.Context, fetcher Fetcher) error {
	notifications, err := fetcher.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}
	if len(notifications) == 0 {
		return nil
	}

	existingIDs, err := r.store.NotificationIDs(ctx)
	if err != nil {
		return fmt.Errorf("load existing notification IDs: %w", err)
	}

	var newCount int
	for i := range notifications {
		n := &notifications[i]
		if existingIDs[n.ID] {
			continue
		}
		newCount++

		if err := r.store.SaveNotification(ctx, n); err != nil {
			r.logger.Error("Failed to save notification", "id", n.ID, "error", err)
			continue
		}
		r.logger.Info("New app notification", "id", n.ID, "title", n.Title)

		if err := r.notifier.SendAppNotification(ctx, n); err != nil {
			r.logger.Error("Failed to announce notification", "id", n.ID, "error", err)
		}
	}

	if newCount == 0 {
		r.logger.Info("No new app notifications", "fetched", len(notifications))
	}
	return nil
}
