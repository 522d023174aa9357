package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

const (
	discordColorBlue   = 3447003
	discordColorRed    = 15158332
	discordColorPurple = 10181046

	discordAvatarURL = "https://www.infomentor.se/wp-content/uploads/2024/03/im-logo-full.png"

	// Discord limits: 4096 for an embed description, 1024 for a field value.
	discordDescriptionLimit = 4000
	discordFieldLimit       = 1024
)

type discordEmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
}

type discordPayload struct {
	Embeds    []discordEmbed `json:"embeds"`
	Username  string         `json:"username"`
	AvatarURL string         `json:"avatar_url"`
}

// Discord delivers notifications to a webhook as rich embeds.
type Discord struct {
	webhookURL string
	webHost    string
	client     *http.Client
	logger     *slog.Logger
}

// NewDiscord creates a Discord webhook channel. webHost prefixes relative
// portal URLs in app notifications.
func NewDiscord(webhookURL, webHost string, logger *slog.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		webHost:    webHost,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// SendNewsSummary posts the summary embed (with file attachments), then the
// full content, then highlights when present.
func (d *Discord) SendNewsSummary(ctx context.Context, summary NewsSummary) error {
	item := summary.Item

	body := summaryBody(summary)
	var events []portal.Event
	var highlights []string
	if summary.Analysis != nil {
		events = summary.Analysis.Events
		highlights = summary.Analysis.Highlights
	}
	if len(events) > 0 {
		body += "\n\nEvents:\n"
		for _, event := range events {
			line := fmt.Sprintf("%s (%s - %s)", event.Title, event.Start, event.End)
			if gcal := googleCalendarURL(event); gcal != "" {
				line = fmt.Sprintf("[%s](%s)", line, gcal)
			}
			body += "- " + line + "\n"
		}
	}

	payload := discordPayload{
		Embeds: []discordEmbed{{
			Title:       "News: " + item.Title,
			Description: truncateText(body, discordDescriptionLimit),
			Color:       discordColorBlue,
		}},
		Username:  "InfoMentor News",
		AvatarURL: discordAvatarURL,
	}
	if err := d.post(ctx, payload, summary.AttachmentPaths); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}

	full := fmt.Sprintf("**%s**\n*%s | %s*\n\n%s",
		item.Title, item.PublishedDateString, item.PublishedBy, markdownFromHTML(item.Content))
	err := d.post(ctx, discordPayload{
		Embeds: []discordEmbed{{
			Title:       "Full Content",
			Description: truncateText(full, discordDescriptionLimit),
			Color:       discordColorBlue,
		}},
		Username:  "InfoMentor News",
		AvatarURL: discordAvatarURL,
	}, nil)
	if err != nil {
		return fmt.Errorf("send full content: %w", err)
	}

	if len(highlights) == 0 {
		return nil
	}
	text := "**Viktigt:**\n"
	for _, h := range highlights {
		text += "• " + h + "\n"
	}
	err = d.post(ctx, discordPayload{
		Embeds: []discordEmbed{{
			Title:       "Highlights",
			Description: truncateText(text, discordDescriptionLimit),
			Color:       discordColorRed,
		}},
		Username:  "InfoMentor News",
		AvatarURL: discordAvatarURL,
	}, nil)
	if err != nil {
		return fmt.Errorf("send highlights: %w", err)
	}
	return nil
}

// SendScheduleUpdate posts the week's schedule, with a Changes field when a
// diff triggered the post.
func (d *Discord) SendScheduleUpdate(ctx context.Context, update ScheduleUpdate) error {
	title := "📅 Schedule for week of " + update.Week
	description := "Here is the schedule for the upcoming week."
	color := discordColorBlue
	if !update.NewWeek {
		title = "⚠️ Schedule Update: Week of " + update.Week
		description = "The schedule has been updated!"
		color = discordColorRed
	}

	var fields []discordEmbedField
	if len(update.Changes) > 0 {
		var changeText strings.Builder
		for _, change := range update.Changes {
			switch change.Type {
			case portal.ChangeAdded:
				changeText.WriteString("➕ **Added**: " + changeLine(change) + "\n")
			case portal.ChangeRemoved:
				changeText.WriteString("➖ **Removed**: " + changeLine(change) + "\n")
			case portal.ChangeModified:
				changeText.WriteString("✏️ **Modified**: " + changeLine(change) + "\n")
				for _, diff := range change.Diffs {
					changeText.WriteString("  - " + diff + "\n")
				}
			}
		}
		fields = append(fields, discordEmbedField{
			Name:  "Changes",
			Value: truncateText(changeText.String(), discordFieldLimit),
		})
	}

	var scheduleText strings.Builder
	for _, day := range groupByDay(update.Entries) {
		scheduleText.WriteString("**" + day.Label + "**\n")
		for _, entry := range day.Entries {
			scheduleText.WriteString("• " + entryTimeRange(entry) + ": " + entry.Title + "\n")
			if desc := descriptionExcerpt(entry.Description); desc != "" {
				scheduleText.WriteString("  _" + desc + "_\n")
			}
		}
		scheduleText.WriteString("\n")
	}

	payload := discordPayload{
		Embeds: []discordEmbed{{
			Title:       title,
			Description: truncateText(description+"\n\n"+scheduleText.String(), discordDescriptionLimit),
			Color:       color,
			Fields:      fields,
		}},
		Username:  "InfoMentor Schedule",
		AvatarURL: discordAvatarURL,
	}
	if err := d.post(ctx, payload, nil); err != nil {
		return fmt.Errorf("send schedule update: %w", err)
	}
	return nil
}

// SendAppNotification posts one app notification embed.
func (d *Discord) SendAppNotification(ctx context.Context, n *portal.Notification) error {
	description := ""
	if n.SubTitle != "" {
		description = n.SubTitle + "\n\n"
	}
	if n.URL != "" {
		description += fmt.Sprintf("[Open in InfoMentor](https://%s%s)", d.webHost, n.URL)
	}

	payload := discordPayload{
		Embeds: []discordEmbed{{
			Title:       "🔔 " + n.Title,
			Description: truncateText(description, discordDescriptionLimit),
			Color:       discordColorPurple,
			Footer:      &discordEmbedFooter{Text: "Sent: " + n.DateSent},
		}},
		Username:  "InfoMentor Notifications",
		AvatarURL: discordAvatarURL,
	}
	if err := d.post(ctx, payload, nil); err != nil {
		return fmt.Errorf("send app notification: %w", err)
	}
	return nil
}

// SendError posts a failure report embed.
func (d *Discord) SendError(ctx context.Context, stage string, cause error) error {
	payload := discordPayload{
		Embeds: []discordEmbed{{
			Title:       "🚨 Error: " + stage,
			Description: fmt.Sprintf("An error occurred while watching the portal.\n\n**Error:**\n```%v```", cause),
			Color:       discordColorRed,
			Footer:      &discordEmbedFooter{Text: "Time: " + time.Now().Format("2006-01-02 15:04:05")},
		}},
		Username:  "InfoMentor Bot",
		AvatarURL: discordAvatarURL,
	}
	if err := d.post(ctx, payload, nil); err != nil {
		return fmt.Errorf("send error report: %w", err)
	}
	return nil
}

// post delivers one webhook payload, as JSON or as multipart when files
// accompany it.
func (d *Discord) post(ctx context.Context, payload discordPayload, attachmentPaths []string) error {
	return retry.Do(
		func() error {
			var req *http.Request
			var err error
			if len(attachmentPaths) > 0 {
				req, err = d.multipartRequest(ctx, payload, attachmentPaths)
			} else {
				req, err = d.jsonRequest(ctx, payload)
			}
			if err != nil {
				return err
			}

			d.logger.Info("Discord webhook request starting", "embed_count", len(payload.Embeds), "attachment_count", len(attachmentPaths))

			startTime := time.Now()
			resp, err := d.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				d.logger.Warn("Discord webhook request failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			d.logger.Info("Discord webhook request completed", "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
				return fmt.Errorf("discord webhook returned HTTP %d: %s", resp.StatusCode, body)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying Discord webhook after error", "attempt", n, "error", err)
		}),
	)
}

func (d *Discord) jsonRequest(ctx context.Context, payload discordPayload) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// multipartRequest wraps the payload in a payload_json part alongside one
// part per attachment file. Unreadable files are skipped, not fatal.
func (d *Discord) multipartRequest(ctx context.Context, payload discordPayload, attachmentPaths []string) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("payload_json", string(data)); err != nil {
		return nil, fmt.Errorf("write payload_json part: %w", err)
	}

	for i, path := range attachmentPaths {
		contents, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("Could not attach file", "path", path, "error", err)
			continue
		}
		part, err := writer.CreateFormFile(fmt.Sprintf("attachment_%d", i), filepath.Base(path))
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(contents); err != nil {
			return nil, fmt.Errorf("write attachment part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

// summaryBody picks the summarizer's summary or the plain excerpt fallback.
func summaryBody(summary NewsSummary) string {
	if summary.Analysis != nil && summary.Analysis.Summary != "" {
		return summary.Analysis.Summary
	}
	if summary.Excerpt != "" {
		return summary.Excerpt
	}
	return "No summary available."
}
