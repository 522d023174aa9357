package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// telegramTextLimit keeps messages under Telegram's 4096-character cap.
const telegramTextLimit = 4000

// telegramSender is the slice of the bot API the channel uses; tgbotapi's
// BotAPI satisfies it.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications through a bot to one chat.
type Telegram struct {
	bot     telegramSender
	chatID  int64
	webHost string
	logger  *slog.Logger
}

// NewTelegram creates a Telegram channel from a bot token.
func NewTelegram(botToken string, chatID int64, webHost string, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, webHost: webHost, logger: logger}, nil
}

func escapeMarkdownV2(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}

// SendNewsSummary sends the summary message, then the attachments as
// documents, then the full content as plain text.
func (t *Telegram) SendNewsSummary(ctx context.Context, summary NewsSummary) error {
	item := summary.Item

	var text strings.Builder
	text.WriteString("*" + escapeMarkdownV2(item.Title) + "*\n\n")
	text.WriteString(escapeMarkdownV2(summaryBody(summary)) + "\n")

	if summary.Analysis != nil {
		if len(summary.Analysis.Events) > 0 {
			text.WriteString("\n*Events:*\n")
			for _, event := range summary.Analysis.Events {
				text.WriteString(fmt.Sprintf("• %s \\(%s \\- %s\\)\n",
					escapeMarkdownV2(event.Title), escapeMarkdownV2(event.Start), escapeMarkdownV2(event.End)))
			}
		}
		if len(summary.Analysis.Highlights) > 0 {
			text.WriteString("\n*Highlights:*\n")
			for _, h := range summary.Analysis.Highlights {
				text.WriteString("• " + escapeMarkdownV2(h) + "\n")
			}
		}
	}

	if err := t.sendText(ctx, truncateText(text.String(), telegramTextLimit), tgbotapi.ModeMarkdownV2); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}

	for _, path := range summary.AttachmentPaths {
		if err := t.sendDocument(ctx, path); err != nil {
			t.logger.Warn("Failed to send attachment document", "path", path, "error", err)
		}
	}

	// Full content goes without a parse mode so markup-ish characters in the
	// portal's HTML can't break delivery.
	full := fmt.Sprintf("%s\n%s | %s\n\n%s",
		item.Title, item.PublishedDateString, item.PublishedBy, markdownFromHTML(item.Content))
	if err := t.sendText(ctx, truncateText(full, telegramTextLimit), ""); err != nil {
		return fmt.Errorf("send full content: %w", err)
	}
	return nil
}

// SendScheduleUpdate sends the week's schedule with any change lines on top.
func (t *Telegram) SendScheduleUpdate(ctx context.Context, update ScheduleUpdate) error {
	title := "📅 Schedule for week of " + update.Week
	if !update.NewWeek {
		title = "⚠️ Schedule Update: Week of " + update.Week
	}

	var text strings.Builder
	text.WriteString("*" + escapeMarkdownV2(title) + "*\n\n")

	if len(update.Changes) > 0 {
		text.WriteString("*Changes:*\n")
		for _, change := range update.Changes {
			var marker string
			switch change.Type {
			case portal.ChangeAdded:
				marker = "➕"
			case portal.ChangeRemoved:
				marker = "➖"
			case portal.ChangeModified:
				marker = "✏️"
			}
			text.WriteString(marker + " " + escapeMarkdownV2(changeLine(change)) + "\n")
		}
		text.WriteString("\n")
	}

	for _, day := range groupByDay(update.Entries) {
		text.WriteString("*" + escapeMarkdownV2(day.Label) + "*\n")
		for _, entry := range day.Entries {
			text.WriteString("• " + escapeMarkdownV2(entryTimeRange(entry)) + ": " + escapeMarkdownV2(entry.Title) + "\n")
		}
		text.WriteString("\n")
	}

	if err := t.sendText(ctx, truncateText(text.String(), telegramTextLimit), tgbotapi.ModeMarkdownV2); err != nil {
		return fmt.Errorf("send schedule update: %w", err)
	}
	return nil
}

// SendAppNotification sends one app notification with a deep link back to
// the portal.
func (t *Telegram) SendAppNotification(ctx context.Context, n *portal.Notification) error {
	var text strings.Builder
	text.WriteString("🔔 *" + escapeMarkdownV2(n.Title) + "*\n")
	if n.SubTitle != "" {
		text.WriteString(escapeMarkdownV2(n.SubTitle) + "\n\n")
	}
	if n.URL != "" {
		// Inside a MarkdownV2 URL only backslash and ) need escaping.
		safeURL := strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace("https://" + t.webHost + n.URL)
		text.WriteString("[Open in InfoMentor](" + safeURL + ")")
	}

	if err := t.sendText(ctx, text.String(), tgbotapi.ModeMarkdownV2); err != nil {
		return fmt.Errorf("send app notification: %w", err)
	}
	return nil
}

// SendError sends a failure report.
func (t *Telegram) SendError(ctx context.Context, stage string, cause error) error {
	text := "🚨 *Error: " + escapeMarkdownV2(stage) + "*\n\n" +
		"```" + escapeMarkdownV2(cause.Error()) + "```"
	if err := t.sendText(ctx, text, tgbotapi.ModeMarkdownV2); err != nil {
		return fmt.Errorf("send error report: %w", err)
	}
	return nil
}

func (t *Telegram) sendText(ctx context.Context, text, parseMode string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = parseMode
	msg.DisableWebPagePreview = true
	return t.send(ctx, msg, "sendMessage")
}

func (t *Telegram) sendDocument(ctx context.Context, path string) error {
	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FilePath(path))
	return t.send(ctx, doc, "sendDocument")
}

func (t *Telegram) send(ctx context.Context, msg tgbotapi.Chattable, endpoint string) error {
	return retry.Do(
		func() error {
			t.logger.Info("Telegram request starting", "endpoint", endpoint, "chat_id", t.chatID)

			startTime := time.Now()
			_, err := t.bot.Send(msg)
			duration := time.Since(startTime)

			if err != nil {
				t.logger.Warn("Telegram request failed, will retry", "endpoint", endpoint, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}

			t.logger.Info("Telegram request completed", "endpoint", endpoint, "duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
}
