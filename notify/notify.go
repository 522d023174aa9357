// Package notify fans detected changes out to the configured channels.
// Channels are independent: markup, limits, and delivery quirks stay inside
// each adapter, and one channel failing never blocks another.
package notify

import (
	"context"
	"log/slog"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// NewsSummary is everything a channel needs to announce one news item.
// Analysis is nil when the summarizer is disabled or failed; channels then
// fall back to the plain-text excerpt.
type NewsSummary struct {
	Item            *portal.NewsItem
	Analysis        *portal.Analysis
	Excerpt         string
	AttachmentPaths []string
}

// ScheduleUpdate describes either the weekly full post (NewWeek) or a
// detected mid-week change set.
type ScheduleUpdate struct {
	Week    string
	NewWeek bool
	Entries []portal.ScheduleEntry
	Changes []portal.ScheduleChange
}

// Notifier is one delivery channel.
type Notifier interface {
	SendNewsSummary(ctx context.Context, summary NewsSummary) error
	SendScheduleUpdate(ctx context.Context, update ScheduleUpdate) error
	SendAppNotification(ctx context.Context, n *portal.Notification) error
	SendError(ctx context.Context, stage string, cause error) error
}

// Composite delivers to every configured channel. Failures are logged and
// swallowed so a broken webhook cannot silence the other channels.
type Composite struct {
	channels []Notifier
	logger   *slog.Logger
}

// NewComposite creates a fan-out over the given channels.
func NewComposite(logger *slog.Logger, channels ...Notifier) *Composite {
	return &Composite{channels: channels, logger: logger}
}

// Len reports how many channels are configured.
func (c *Composite) Len() int { return len(c.channels) }

// SendNewsSummary delivers a news announcement to all channels.
func (c *Composite) SendNewsSummary(ctx context.Context, summary NewsSummary) error {
	for _, ch := range c.channels {
		if err := ch.SendNewsSummary(ctx, summary); err != nil {
			c.logger.Error("Channel failed to send news summary", "error", err)
		}
	}
	return nil
}

// SendScheduleUpdate delivers a schedule post to all channels.
func (c *Composite) SendScheduleUpdate(ctx context.Context, update ScheduleUpdate) error {
	for _, ch := range c.channels {
		if err := ch.SendScheduleUpdate(ctx, update); err != nil {
			c.logger.Error("Channel failed to send schedule update", "error", err)
		}
	}
	return nil
}

// SendAppNotification delivers an app notification to all channels.
func (c *Composite) SendAppNotification(ctx context.Context, n *portal.Notification) error {
	for _, ch := range c.channels {
		if err := ch.SendAppNotification(ctx, n); err != nil {
			c.logger.Error("Channel failed to send app notification", "error", err)
		}
	}
	return nil
}

// SendError reports a pipeline failure to all channels, best effort.
func (c *Composite) SendError(ctx context.Context, stage string, cause error) error {
	for _, ch := range c.channels {
		if err := ch.SendError(ctx, stage, cause); err != nil {
			c.logger.Error("Channel failed to send error report", "error", err)
		}
	}
	return nil
}
