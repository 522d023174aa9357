package poll

import (
	"context"
	"fmt"

	"github.com/heinrisch/infomentor-rev/fetch"
	"github.com/heinrisch/infomentor-rev/notify"
	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// excerptLength caps the fallback announcement body when no analysis is
// available.
const excerptLength = 300

// processNews ingests new news items: persist, download attachments,
// summarize, announce. Identity is the numeric ID; an item seen before is
// never re-announced.
func (r *Runner) processNews(ctx context.Context, fetcher Fetcher) error {
	existingIDs, err := r.store.NewsIDs(ctx)
	if err != nil {
		return fmt.Errorf("load existing news IDs: %w", err)
	}
	existingAttachments, err := r.store.AttachmentNames(ctx)
	if err != nil {
		return fmt.Errorf("load existing attachments: %w", err)
	}

	items, err := fetcher.News(ctx, r.creds.AccessToken())
	if err != nil {
		return fmt.Errorf("fetch news: %w", err)
	}

	var newCount int
	for i := range items {
		item := &items[i]
		if existingIDs[item.ID] {
			continue
		}
		newCount++

		if err := r.store.SaveNews(ctx, item); err != nil {
			r.logger.Error("Failed to save news item", "id", item.ID, "error", err)
			continue
		}
		r.logger.Info("New news item", "id", item.ID, "title", item.Title, "published", item.PublishedDateString)

		attachmentPaths := r.downloadAttachments(ctx, fetcher, item, existingAttachments)

		analysis := r.analyze(ctx, item)

		summary := notify.NewsSummary{
			Item:            item,
			Analysis:        analysis,
			Excerpt:         notify.PlainExcerpt(item.Content, excerptLength),
			AttachmentPaths: attachmentPaths,
		}
		if err := r.notifier.SendNewsSummary(ctx, summary); err != nil {
			r.logger.Error("Failed to announce news item", "id", item.ID, "error", err)
		}
	}

	if newCount == 0 {
		r.logger.Info("No new news items", "fetched", len(items))
	}
	return nil
}

// downloadAttachments fetches the item's attachments that aren't stored yet.
// Identity is the sanitized filename; a name seen before is reused, not
// re-downloaded. Individual failures are logged and skipped.
func (r *Runner) downloadAttachments(ctx context.Context, fetcher Fetcher, item *portal.NewsItem, existing map[string]bool) []string {
	var paths []string
	for _, attachment := range item.Attachments {
		name := fetch.SanitizeFilename(attachment.Title, attachment.URL)
		if existing[name] {
			if path := r.store.AttachmentPath(name); path != "" {
				paths = append(paths, path)
			}
			continue
		}
		if attachment.URL == "" {
			continue
		}

		data, err := fetcher.Attachment(ctx, attachment.URL)
		if err != nil {
			r.logger.Warn("Failed to download attachment", "title", attachment.Title, "error", err)
			continue
		}
		if err := r.store.SaveAttachment(ctx, name, data); err != nil {
			r.logger.Warn("Failed to save attachment", "name", name, "error", err)
			continue
		}
		existing[name] = true
		if path := r.store.AttachmentPath(name); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// analyze asks the summarizer for a structured analysis. A disabled or
// failing summarizer yields nil; the announcement falls back to an excerpt.
func (r *Runner) analyze(ctx context.Context, item *portal.NewsItem) *portal.Analysis {
	if r.summarizer == nil || !r.summarizer.Enabled() || item.Content == "" {
		return nil
	}
	analysis, err := r.summarizer.Summarize(ctx, item.Content, item.PublishedDateString)
	if err != nil {
		r.logger.Error("Summarizer failed", "id", item.ID, "error", err)
		if sendErr := r.notifier.SendError(ctx, fmt.Sprintf("LLM Analysis for %q", item.Title), err); sendErr != nil {
			r.logger.Error("Failed to report summarizer error", "error", sendErr)
		}
		return nil
	}
	return analysis
}
