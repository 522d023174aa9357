package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// EmailProvider is the transport behind the email channel.
type EmailProvider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Email delivers notifications as HTML emails through a pluggable provider.
type Email struct {
	provider EmailProvider
	to       string
	logger   *slog.Logger
}

// NewEmail creates an email channel delivering to one recipient.
func NewEmail(provider EmailProvider, to string, logger *slog.Logger) *Email {
	return &Email{provider: provider, to: to, logger: logger}
}

// SendNewsSummary emails one news announcement.
func (e *Email) SendNewsSummary(ctx context.Context, summary NewsSummary) error {
	item := summary.Item

	var body strings.Builder
	body.WriteString("<h2>" + html.EscapeString(item.Title) + "</h2>")
	body.WriteString("<p><em>" + html.EscapeString(item.PublishedDateString) + " | " + html.EscapeString(item.PublishedBy) + "</em></p>")
	body.WriteString("<p>" + html.EscapeString(summaryBody(summary)) + "</p>")

	if summary.Analysis != nil {
		if len(summary.Analysis.Highlights) > 0 {
			body.WriteString("<h3>Viktigt</h3><ul>")
			for _, h := range summary.Analysis.Highlights {
				body.WriteString("<li>" + html.EscapeString(h) + "</li>")
			}
			body.WriteString("</ul>")
		}
		if len(summary.Analysis.Events) > 0 {
			body.WriteString("<h3>Events</h3><ul>")
			for _, event := range summary.Analysis.Events {
				line := html.EscapeString(fmt.Sprintf("%s (%s - %s)", event.Title, event.Start, event.End))
				if gcal := googleCalendarURL(event); gcal != "" {
					line = fmt.Sprintf(`<a href="%s">%s</a>`, gcal, line)
				}
				body.WriteString("<li>" + line + "</li>")
			}
			body.WriteString("</ul>")
		}
	}

	body.WriteString("<hr>" + item.Content)

	if err := e.provider.Send(ctx, e.to, "News: "+item.Title, body.String()); err != nil {
		return fmt.Errorf("send news email: %w", err)
	}
	return nil
}

// SendScheduleUpdate emails the week's schedule.
func (e *Email) SendScheduleUpdate(ctx context.Context, update ScheduleUpdate) error {
	subject := "Schedule for week of " + update.Week
	if !update.NewWeek {
		subject = "Schedule Update: Week of " + update.Week
	}

	var body strings.Builder
	if len(update.Changes) > 0 {
		body.WriteString("<h3>Changes</h3><ul>")
		for _, change := range update.Changes {
			body.WriteString("<li>" + html.EscapeString(string(change.Type)+": "+changeLine(change)))
			if len(change.Diffs) > 0 {
				body.WriteString("<ul>")
				for _, diff := range change.Diffs {
					body.WriteString("<li>" + html.EscapeString(diff) + "</li>")
				}
				body.WriteString("</ul>")
			}
			body.WriteString("</li>")
		}
		body.WriteString("</ul>")
	}

	for _, day := range groupByDay(update.Entries) {
		body.WriteString("<h3>" + html.EscapeString(day.Label) + "</h3><ul>")
		for _, entry := range day.Entries {
			body.WriteString("<li>" + html.EscapeString(entryTimeRange(entry)+": "+entry.Title))
			if desc := descriptionExcerpt(entry.Description); desc != "" {
				body.WriteString("<br><em>" + html.EscapeString(desc) + "</em>")
			}
			body.WriteString("</li>")
		}
		body.WriteString("</ul>")
	}

	if err := e.provider.Send(ctx, e.to, subject, body.String()); err != nil {
		return fmt.Errorf("send schedule email: %w", err)
	}
	return nil
}

// SendAppNotification emails one app notification.
func (e *Email) SendAppNotification(ctx context.Context, n *portal.Notification) error {
	var body strings.Builder
	if n.SubTitle != "" {
		body.WriteString("<p>" + html.EscapeString(n.SubTitle) + "</p>")
	}
	body.WriteString("<p><em>Sent: " + html.EscapeString(n.DateSent) + "</em></p>")

	if err := e.provider.Send(ctx, e.to, n.Title, body.String()); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}

// SendError emails a failure report.
func (e *Email) SendError(ctx context.Context, stage string, cause error) error {
	body := "<p>An error occurred while watching the portal.</p><pre>" +
		html.EscapeString(cause.Error()) + "</pre>"
	if err := e.provider.Send(ctx, e.to, "Error: "+stage, body); err != nil {
		return fmt.Errorf("send error email: %w", err)
	}
	return nil
}

// GmailProvider sends emails via the Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// sanitizeEmailHeader removes control characters so a crafted title cannot
// inject additional RFC 5322 headers.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Send sends an email via the Gmail API. The From address comes from the
// authenticated account.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	to = sanitizeEmailHeader(to)
	subject = sanitizeEmailHeader(subject)

	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	encoded := base64.URLEncoding.EncodeToString([]byte(msg.String()))

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to,
				"subject", subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}

// MockEmailProvider logs emails instead of sending them, for local runs.
type MockEmailProvider struct {
	logger *slog.Logger
}

// NewMockEmailProvider creates a mock email provider.
func NewMockEmailProvider(logger *slog.Logger) *MockEmailProvider {
	return &MockEmailProvider{logger: logger}
}

// Send logs the email instead of sending it.
func (m *MockEmailProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}
