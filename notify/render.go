package notify

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// mdConverter turns portal HTML into markdown for channels that render it.
var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// htmlPolicy strips all markup; used for schedule descriptions and excerpts.
var htmlPolicy = bluemonday.StrictPolicy()

// markdownFromHTML converts news HTML to markdown. On failure or empty
// output it falls back to a stripped plain-text rendition.
func markdownFromHTML(html string) string {
	if html == "" {
		return ""
	}
	result, err := mdConverter.ConvertString(html)
	if err != nil || strings.TrimSpace(result) == "" {
		return strings.TrimSpace(htmlPolicy.Sanitize(html))
	}
	return strings.TrimSpace(result)
}

// PlainExcerpt reduces HTML content to at most max characters of plain text.
// Used as the announcement body when no summarizer analysis is available.
func PlainExcerpt(html string, max int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	var text string
	if err != nil {
		text = htmlPolicy.Sanitize(html)
	} else {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > max {
		text = text[:max-3] + "..."
	}
	return text
}

// googleCalendarURL builds an add-to-calendar link for an extracted event.
// Empty when the event's dates don't parse.
func googleCalendarURL(event portal.Event) string {
	start, err := time.Parse("2006-01-02T15:04:05", event.Start)
	if err != nil {
		return ""
	}
	end, err := time.Parse("2006-01-02T15:04:05", event.End)
	if err != nil {
		return ""
	}
	const stamp = "20060102T150405"
	return "https://www.google.com/calendar/render?action=TEMPLATE" +
		"&text=" + url.QueryEscape(event.Title) +
		"&dates=" + start.Format(stamp) + "/" + end.Format(stamp) +
		"&details=" + url.QueryEscape(event.Description)
}

// entryTimeRange formats an entry's time span, or "All Day" when it has no
// start time.
func entryTimeRange(entry portal.ScheduleEntry) string {
	if entry.StartTime == "" {
		return "All Day"
	}
	return entry.StartTime + "-" + entry.EndTime
}

// changeLine is the one-line rendition of a schedule change, shared across
// channels; the leading marker differs per change type.
func changeLine(change portal.ScheduleChange) string {
	entry := change.Entry
	return strings.TrimSpace(fmt.Sprintf("%s %s - %s", entry.FormattedStartDate, entry.StartTime, entry.Title))
}

// scheduleDays groups entries by display day, ordered by the raw start date.
type scheduleDay struct {
	Label   string
	Entries []portal.ScheduleEntry
}

func groupByDay(entries []portal.ScheduleEntry) []scheduleDay {
	sorted := make([]portal.ScheduleEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartDateFull < sorted[j].StartDateFull
	})

	var days []scheduleDay
	index := make(map[string]int)
	for _, entry := range sorted {
		label := entry.FormattedStartDate
		if label == "" {
			label = "Unknown"
		}
		i, ok := index[label]
		if !ok {
			i = len(days)
			index[label] = i
			days = append(days, scheduleDay{Label: label})
		}
		days[i].Entries = append(days[i].Entries, entry)
	}
	return days
}

// descriptionExcerpt strips HTML from a schedule description and caps it for
// inline display.
func descriptionExcerpt(description string) string {
	desc := strings.TrimSpace(htmlPolicy.Sanitize(description))
	if len(desc) > 100 {
		desc = desc[:97] + "..."
	}
	return desc
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
