package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/heinrisch/infomentor-rev/fetch"
	"github.com/heinrisch/infomentor-rev/notify"
	"github.com/heinrisch/infomentor-rev/pkg/portal"
	"github.com/heinrisch/infomentor-rev/storage"
)

// processSchedule fetches the current week, posts the full schedule once
// every Sunday, and otherwise diffs against the stored snapshot.
func (r *Runner) processSchedule(ctx context.Context, fetcher Fetcher) error {
	today := r.now()
	start, end := fetch.WeekWindow(today)
	week := fetch.WeekKey(start)

	entries, err := fetcher.Schedule(ctx, start, end)
	if err != nil {
		return fmt.Errorf("fetch schedule: %w", err)
	}

	// Sunday gets the full post regardless of diffs, once per day so a
	// restart can't double-post.
	if today.Weekday() == time.Sunday {
		todayStr := today.Format("2006-01-02")
		lastPost, err := r.store.LastSundayPost(ctx)
		if err != nil {
			return fmt.Errorf("load Sunday post marker: %w", err)
		}
		if lastPost != todayStr {
			r.logger.Info("Posting full weekly schedule", "week", week, "entry_count", len(entries))
			if err := r.notifier.SendScheduleUpdate(ctx, notify.ScheduleUpdate{
				Week:    week,
				NewWeek: true,
				Entries: entries,
			}); err != nil {
				r.logger.Error("Failed to send weekly schedule", "error", err)
			}
			if err := r.store.SaveSchedule(ctx, week, entries); err != nil {
				return fmt.Errorf("save schedule snapshot: %w", err)
			}
			if err := r.store.SetLastSundayPost(ctx, todayStr); err != nil {
				return fmt.Errorf("set Sunday post marker: %w", err)
			}
			return nil
		}
	}

	previous, err := r.store.LoadSchedule(ctx, week)
	if err != nil {
		if !storage.IsNotFound(err) {
			return fmt.Errorf("load schedule snapshot: %w", err)
		}
		// First observation of this week: save the baseline silently.
		r.logger.Info("New week detected, saving schedule baseline", "week", week, "entry_count", len(entries))
		if err := r.store.SaveSchedule(ctx, week, entries); err != nil {
			return fmt.Errorf("save schedule baseline: %w", err)
		}
		return nil
	}

	changes := DetectChanges(previous, entries)
	if len(changes) == 0 {
		r.logger.Info("No schedule changes", "week", week)
		return nil
	}

	r.logger.Info("Schedule changes detected", "week", week, "change_count", len(changes))
	if err := r.notifier.SendScheduleUpdate(ctx, notify.ScheduleUpdate{
		Week:    week,
		Entries: entries,
		Changes: changes,
	}); err != nil {
		r.logger.Error("Failed to send schedule update", "error", err)
	}
	if err := r.store.SaveSchedule(ctx, week, entries); err != nil {
		return fmt.Errorf("save schedule snapshot: %w", err)
	}
	return nil
}

// DetectChanges compares two weekly snapshots keyed by entry ID. The raw
// date fields decide whether something changed; the formatted fields make
// the diff lines readable. Order is deterministic: new-snapshot order for
// added and modified, old-snapshot order for removed.
func DetectChanges(old, current []portal.ScheduleEntry) []portal.ScheduleChange {
	oldByID := make(map[int]portal.ScheduleEntry, len(old))
	for _, entry := range old {
		oldByID[entry.ID] = entry
	}
	currentIDs := make(map[int]bool, len(current))

	var changes []portal.ScheduleChange
	for _, entry := range current {
		currentIDs[entry.ID] = true

		oldEntry, ok := oldByID[entry.ID]
		if !ok {
			changes = append(changes, portal.ScheduleChange{Type: portal.ChangeAdded, Entry: entry})
			continue
		}

		var diffs []string
		if oldEntry.Title != entry.Title {
			diffs = append(diffs, fmt.Sprintf("Title: %s -> %s", oldEntry.Title, entry.Title))
		}
		if oldEntry.StartDateFull != entry.StartDateFull {
			diffs = append(diffs, fmt.Sprintf("Start: %s %s -> %s %s",
				oldEntry.FormattedStartDate, oldEntry.StartTime, entry.FormattedStartDate, entry.StartTime))
		}
		if oldEntry.EndDateFull != entry.EndDateFull {
			diffs = append(diffs, fmt.Sprintf("End: %s %s -> %s %s",
				oldEntry.FormattedEndDate, oldEntry.EndTime, entry.FormattedEndDate, entry.EndTime))
		}
		if oldEntry.Description != entry.Description {
			diffs = append(diffs, "Description changed")
		}
		if len(diffs) > 0 {
			changes = append(changes, portal.ScheduleChange{Type: portal.ChangeModified, Entry: entry, Diffs: diffs})
		}
	}

	for _, entry := range old {
		if !currentIDs[entry.ID] {
			changes = append(changes, portal.ScheduleChange{Type: portal.ChangeRemoved, Entry: entry})
		}
	}
	return changes
}
