package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/heinrisch/infomentor-rev/notify"
	"github.com/heinrisch/infomentor-rev/pkg/portal"
	"github.com/heinrisch/infomentor-rev/session"
	"github.com/heinrisch/infomentor-rev/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCreds struct {
	refreshErr error
}

func (f *fakeCreds) ValidateAndRefresh(context.Context) error { return f.refreshErr }
func (f *fakeCreds) AccessToken() string                      { return "tok" }

type fakeSessions struct {
	err   error
	calls int
}

func (f *fakeSessions) Establish(context.Context, string) (*session.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &session.Session{WebBaseURL: "https://hub.test"}, nil
}

type fakeFetcher struct {
	news    []portal.NewsItem
	newsErr error

	schedule    []portal.ScheduleEntry
	scheduleErr error

	notifications    []portal.Notification
	notificationsErr error

	attachmentCalls int
}

func (f *fakeFetcher) News(context.Context, string) ([]portal.NewsItem, error) {
	return f.news, f.newsErr
}

func (f *fakeFetcher) Schedule(context.Context, time.Time, time.Time) ([]portal.ScheduleEntry, error) {
	return f.schedule, f.scheduleErr
}

func (f *fakeFetcher) Notifications(context.Context) ([]portal.Notification, error) {
	return f.notifications, f.notificationsErr
}

func (f *fakeFetcher) Attachment(context.Context, string) ([]byte, error) {
	f.attachmentCalls++
	return []byte("data"), nil
}

type recordingNotifier struct {
	news      []notify.NewsSummary
	schedules []notify.ScheduleUpdate
	apps      []portal.Notification
	errors    []string
}

func (r *recordingNotifier) SendNewsSummary(_ context.Context, s notify.NewsSummary) error {
	r.news = append(r.news, s)
	return nil
}

func (r *recordingNotifier) SendScheduleUpdate(_ context.Context, u notify.ScheduleUpdate) error {
	r.schedules = append(r.schedules, u)
	return nil
}

func (r *recordingNotifier) SendAppNotification(_ context.Context, n *portal.Notification) error {
	r.apps = append(r.apps, *n)
	return nil
}

func (r *recordingNotifier) SendError(_ context.Context, stage string, _ error) error {
	r.errors = append(r.errors, stage)
	return nil
}

// countingStore wraps a Store and counts schedule writes.
type countingStore struct {
	Store
	scheduleSaves int
}

func (c *countingStore) SaveSchedule(ctx context.Context, week string, entries []portal.ScheduleEntry) error {
	c.scheduleSaves++
	return c.Store.SaveSchedule(ctx, week, entries)
}

type disabledSummarizer struct{}

func (disabledSummarizer) Summarize(context.Context, string, string) (*portal.Analysis, error) {
	return nil, nil
}
func (disabledSummarizer) Enabled() bool { return false }

func newTestRunner(t *testing.T, fetcher *fakeFetcher, notifier *recordingNotifier) (*Runner, *countingStore) {
	t.Helper()
	store := &countingStore{
		Store: storage.New(nil, "", t.TempDir(), testLogger()),
	}
	r := New(
		&fakeCreds{},
		&fakeSessions{},
		func(*session.Session) Fetcher { return fetcher },
		store,
		notifier,
		disabledSummarizer{},
		testLogger(),
	)
	// A Wednesday, so the Sunday full-post branch stays out of the way.
	r.now = func() time.Time { return time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC) }
	return r, store
}

func TestRunCycleAbortsWhenCredentialsFail(t *testing.T) {
	sessions := &fakeSessions{}
	r := New(
		&fakeCreds{refreshErr: errors.New("refresh rejected")},
		sessions,
		func(*session.Session) Fetcher { return &fakeFetcher{} },
		storage.New(nil, "", t.TempDir(), testLogger()),
		&recordingNotifier{},
		disabledSummarizer{},
		testLogger(),
	)

	if err := r.RunCycle(context.Background()); err == nil {
		t.Fatal("RunCycle() = nil, want credential error")
	}
	if sessions.calls != 0 {
		t.Errorf("session established %d times after credential failure, want 0", sessions.calls)
	}
}

func TestRunCycleIsolatesStageFailures(t *testing.T) {
	fetcher := &fakeFetcher{
		newsErr:       errors.New("news endpoint down"),
		schedule:      []portal.ScheduleEntry{{ID: 1, Title: "Math"}},
		notifications: []portal.Notification{{ID: 7, Title: "hello"}},
	}
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(t, fetcher, notifier)

	if err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() = %v, want nil despite stage failure", err)
	}
	if len(notifier.errors) != 1 || notifier.errors[0] != "Processing News" {
		t.Errorf("error reports = %v, want one for the news stage", notifier.errors)
	}
	// Later stages still ran: the notification was ingested and announced.
	if len(notifier.apps) != 1 || notifier.apps[0].ID != 7 {
		t.Errorf("app notifications = %+v, want the new notification announced", notifier.apps)
	}
}

func TestNewsIngestionIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{
		news: []portal.NewsItem{{ID: 12, Title: "Sports day", Content: "<p>Friday</p>"}},
	}
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(t, fetcher, notifier)
	ctx := context.Background()

	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("first RunCycle() = %v", err)
	}
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle() = %v", err)
	}

	if len(notifier.news) != 1 {
		t.Errorf("news announced %d times across two cycles, want 1", len(notifier.news))
	}
	if notifier.news[0].Excerpt != "Friday" {
		t.Errorf("excerpt = %q, want plain text of the content", notifier.news[0].Excerpt)
	}
}

func TestAttachmentsDedupedBySanitizedName(t *testing.T) {
	item := portal.NewsItem{
		ID: 5, Title: "t", Content: "<p>x</p>",
		Attachments: []portal.Attachment{{URL: "/files/1", Title: "week plan.pdf"}},
	}
	fetcher := &fakeFetcher{news: []portal.NewsItem{item}}
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(t, fetcher, notifier)
	ctx := context.Background()

	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() = %v", err)
	}
	if fetcher.attachmentCalls != 1 {
		t.Fatalf("attachment downloaded %d times, want 1", fetcher.attachmentCalls)
	}
	if len(notifier.news) != 1 || len(notifier.news[0].AttachmentPaths) != 1 {
		t.Fatalf("announcement = %+v, want one attachment path", notifier.news)
	}

	// A second item referencing the same attachment must not re-download.
	fetcher.news = append(fetcher.news, portal.NewsItem{
		ID: 6, Title: "t2", Content: "<p>y</p>",
		Attachments: []portal.Attachment{{URL: "/files/1", Title: "week plan.pdf"}},
	})
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle() = %v", err)
	}
	if fetcher.attachmentCalls != 1 {
		t.Errorf("attachment downloaded %d times after second cycle, want still 1", fetcher.attachmentCalls)
	}
}

func TestScheduleBaselineIsSilent(t *testing.T) {
	fetcher := &fakeFetcher{
		schedule: []portal.ScheduleEntry{{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00"}},
	}
	notifier := &recordingNotifier{}
	r, store := newTestRunner(t, fetcher, notifier)

	if err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() = %v", err)
	}
	if len(notifier.schedules) != 0 {
		t.Errorf("schedule posts = %d on first observation, want 0", len(notifier.schedules))
	}
	if store.scheduleSaves != 1 {
		t.Errorf("schedule saves = %d, want baseline written once", store.scheduleSaves)
	}
}

func TestScheduleChangeTriggersUpdateAndNoOpStaysSilent(t *testing.T) {
	fetcher := &fakeFetcher{
		schedule: []portal.ScheduleEntry{{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00"}},
	}
	notifier := &recordingNotifier{}
	r, store := newTestRunner(t, fetcher, notifier)
	ctx := context.Background()

	// Baseline.
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("baseline RunCycle() = %v", err)
	}

	// Unchanged snapshot: no post, no write.
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("no-op RunCycle() = %v", err)
	}
	if len(notifier.schedules) != 0 || store.scheduleSaves != 1 {
		t.Fatalf("no-op cycle posted %d, saved %d times; want 0 and 1", len(notifier.schedules), store.scheduleSaves)
	}

	// Modified entry: post with diff, snapshot replaced.
	fetcher.schedule = []portal.ScheduleEntry{{ID: 1, Title: "Maths exam", StartDateFull: "2025-03-03 09:00"}}
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("change RunCycle() = %v", err)
	}
	if len(notifier.schedules) != 1 {
		t.Fatalf("schedule posts = %d after change, want 1", len(notifier.schedules))
	}
	update := notifier.schedules[0]
	if update.NewWeek {
		t.Error("change post marked NewWeek")
	}
	if len(update.Changes) != 1 || update.Changes[0].Type != portal.ChangeModified {
		t.Fatalf("changes = %+v, want one modification", update.Changes)
	}
	if store.scheduleSaves != 2 {
		t.Errorf("schedule saves = %d, want snapshot replaced after change", store.scheduleSaves)
	}

	// Same modified snapshot again: quiet.
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("post-change RunCycle() = %v", err)
	}
	if len(notifier.schedules) != 1 {
		t.Errorf("schedule posts = %d, want no repeat for settled snapshot", len(notifier.schedules))
	}
}

func TestSundayFullPostOncePerDay(t *testing.T) {
	fetcher := &fakeFetcher{
		schedule: []portal.ScheduleEntry{{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00"}},
	}
	notifier := &recordingNotifier{}
	r, store := newTestRunner(t, fetcher, notifier)
	r.now = func() time.Time { return time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC) } // Sunday
	ctx := context.Background()

	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("first Sunday RunCycle() = %v", err)
	}
	if len(notifier.schedules) != 1 || !notifier.schedules[0].NewWeek {
		t.Fatalf("schedule posts = %+v, want one NewWeek post", notifier.schedules)
	}

	// Restart on the same Sunday: marker suppresses a second full post.
	if err := r.RunCycle(ctx); err != nil {
		t.Fatalf("second Sunday RunCycle() = %v", err)
	}
	if len(notifier.schedules) != 1 {
		t.Errorf("schedule posts = %d after same-day rerun, want still 1", len(notifier.schedules))
	}
	if store.scheduleSaves != 1 {
		t.Errorf("schedule saves = %d, want 1", store.scheduleSaves)
	}
}

func TestDetectChanges(t *testing.T) {
	old := []portal.ScheduleEntry{
		{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00", FormattedStartDate: "Monday", StartTime: "09:00"},
		{ID: 2, Title: "Gym", StartDateFull: "2025-03-04 10:00"},
	}
	current := []portal.ScheduleEntry{
		{ID: 1, Title: "Math exam", StartDateFull: "2025-03-03 10:00", FormattedStartDate: "Monday", StartTime: "10:00"},
		{ID: 3, Title: "Excursion", StartDateFull: "2025-03-06 08:00"},
	}

	changes := DetectChanges(old, current)
	if len(changes) != 3 {
		t.Fatalf("DetectChanges() = %d changes, want modified + added + removed", len(changes))
	}

	modified := changes[0]
	if modified.Type != portal.ChangeModified || modified.Entry.ID != 1 {
		t.Errorf("first change = %+v, want modification of entry 1", modified)
	}
	if len(modified.Diffs) != 2 {
		t.Fatalf("diffs = %v, want title and start lines", modified.Diffs)
	}
	if modified.Diffs[0] != "Title: Math -> Math exam" {
		t.Errorf("title diff = %q", modified.Diffs[0])
	}
	if modified.Diffs[1] != "Start: Monday 09:00 -> Monday 10:00" {
		t.Errorf("start diff = %q", modified.Diffs[1])
	}

	if changes[1].Type != portal.ChangeAdded || changes[1].Entry.ID != 3 {
		t.Errorf("second change = %+v, want addition of entry 3", changes[1])
	}
	if changes[2].Type != portal.ChangeRemoved || changes[2].Entry.ID != 2 {
		t.Errorf("third change = %+v, want removal of entry 2", changes[2])
	}
}

func TestDetectChangesIgnoresFormattingOnlyDifferences(t *testing.T) {
	old := []portal.ScheduleEntry{
		{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00", FormattedStartDate: "mån 3 mars"},
	}
	current := []portal.ScheduleEntry{
		{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00", FormattedStartDate: "Monday 3 March"},
	}
	if changes := DetectChanges(old, current); len(changes) != 0 {
		t.Errorf("DetectChanges() = %+v, want none for display-field changes", changes)
	}
}

func TestJitteredIntervalStaysWithinBounds(t *testing.T) {
	base := 30 * time.Minute
	low := base - base/15
	high := base + base/15
	for range 100 {
		got := jitteredInterval(base)
		if got < low || got > high {
			t.Fatalf("jitteredInterval() = %v, want within [%v, %v]", got, low, high)
		}
	}
}
