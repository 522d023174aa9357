// Package portal contains the core domain types for the InfoMentor watcher.
package portal

// NewsItem is a single news post as served by the portal's news endpoint.
// Items are immutable once published; identity is the numeric ID.
type NewsItem struct {
	ID                  int          `json:"id"`
	Title               string       `json:"title"`
	Content             string       `json:"content"` // HTML body
	PublishedDateString string       `json:"publishedDateString"`
	PublishedBy         string       `json:"publishedBy"`
	Attachments         []Attachment `json:"attachments,omitempty"`
}

// Attachment is a downloadable file referenced by a news item.
type Attachment struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Notification is an app notification from the portal.
type Notification struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	SubTitle string `json:"subTitle"`
	DateSent string `json:"dateSent"`
	URL      string `json:"url"`
}

// ScheduleEntry is one calendar entry in a weekly schedule. The same ID can
// reappear on a later poll with different field values; the raw date fields
// (StartDateFull, EndDateFull) are the comparison basis, the formatted
// fields are for display only.
type ScheduleEntry struct {
	ID                 int    `json:"id"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	StartDateFull      string `json:"startDateFull"`
	EndDateFull        string `json:"endDateFull"`
	StartTime          string `json:"startTime"`
	EndTime            string `json:"endTime"`
	FormattedStartDate string `json:"formattedStartDate"`
	FormattedEndDate   string `json:"formattedEndDate"`
}

// ChangeType classifies a schedule change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ScheduleChange describes one detected difference between two weekly
// snapshots. Diffs carries one human-readable line per changed field and is
// only populated for modified entries.
type ScheduleChange struct {
	Type  ChangeType    `json:"type"`
	Entry ScheduleEntry `json:"entry"`
	Diffs []string      `json:"diffs,omitempty"`
}

// Event is a dated event extracted from news content by the summarizer.
type Event struct {
	Title       string `json:"title"`
	Start       string `json:"start"` // ISO 8601, YYYY-MM-DDTHH:MM:SS
	End         string `json:"end"`
	Description string `json:"description"`
}

// Analysis is the summarizer's structured reading of a news item.
type Analysis struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Events     []Event  `json:"events"`
}
