package notify

import (
	"context"
	"log/slog"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// Mock logs every notification instead of delivering it, for local runs
// without any configured channel.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a logging-only channel.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

func (m *Mock) SendNewsSummary(_ context.Context, summary NewsSummary) error {
	m.logger.Info("MOCK NOTIFICATION: news summary",
		"title", summary.Item.Title,
		"has_analysis", summary.Analysis != nil,
		"attachment_count", len(summary.AttachmentPaths))
	return nil
}

func (m *Mock) SendScheduleUpdate(_ context.Context, update ScheduleUpdate) error {
	m.logger.Info("MOCK NOTIFICATION: schedule update",
		"week", update.Week,
		"new_week", update.NewWeek,
		"entry_count", len(update.Entries),
		"change_count", len(update.Changes))
	return nil
}

func (m *Mock) SendAppNotification(_ context.Context, n *portal.Notification) error {
	m.logger.Info("MOCK NOTIFICATION: app notification", "id", n.ID, "title", n.Title)
	return nil
}

func (m *Mock) SendError(_ context.Context, stage string, cause error) error {
	m.logger.Info("MOCK NOTIFICATION: error report", "stage", stage, "error", cause)
	return nil
}
