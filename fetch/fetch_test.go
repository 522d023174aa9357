package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/heinrisch/infomentor-rev/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testClient(srv *httptest.Server) *Client {
	return New(&session.Session{
		Client:     srv.Client(),
		WebBaseURL: srv.URL,
	}, testLogger())
}

func TestFetchersFailFastWithoutSession(t *testing.T) {
	c := New(nil, testLogger())
	ctx := context.Background()

	if _, err := c.News(ctx, ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("News() = %v, want ErrNoSession", err)
	}
	if _, err := c.Schedule(ctx, time.Now(), time.Now()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Schedule() = %v, want ErrNoSession", err)
	}
	if _, err := c.Notifications(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Notifications() = %v, want ErrNoSession", err)
	}
	if _, err := c.Attachment(ctx, "/doc.pdf"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Attachment() = %v, want ErrNoSession", err)
	}
}

func TestNewsDecodesItemsAndForwardsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Communication/News/GetNewsList" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		if got := r.Header.Get("X-Requested-With"); got != "XMLHttpRequest" {
			t.Errorf("X-Requested-With = %q", got)
		}
		if _, err := w.Write([]byte(`{"items":[{"id":7,"title":"Sports day"},{"id":8,"title":"Library visit"}]}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	items, err := testClient(srv).News(context.Background(), "tok")
	if err != nil {
		t.Fatalf("News() = %v", err)
	}
	if len(items) != 2 || items[0].ID != 7 || items[1].Title != "Library visit" {
		t.Errorf("News() = %+v, want two decoded items", items)
	}
}

func TestScheduleSendsWindowAndDecodesArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendarv2/calendarv2/getentries" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["startDate"] != "2025/03/02" || body["endDate"] != "2025/03/08" {
			t.Errorf("window = %v, want 2025/03/02 .. 2025/03/08", body)
		}
		if _, err := w.Write([]byte(`[{"id":41,"title":"Math test","startDateFull":"2025-03-04 09:00"}]`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	start := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	entries, err := testClient(srv).Schedule(context.Background(), start, start.AddDate(0, 0, 6))
	if err != nil {
		t.Fatalf("Schedule() = %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Math test" {
		t.Errorf("Schedule() = %+v, want one entry", entries)
	}
}

func TestNotificationsPostsEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if len(body) != 0 {
			t.Errorf("request body = %v, want empty object", body)
		}
		if _, err := w.Write([]byte(`{"notifications":[{"id":501,"title":"New message"}]}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	got, err := testClient(srv).Notifications(context.Background())
	if err != nil {
		t.Fatalf("Notifications() = %v", err)
	}
	if len(got) != 1 || got[0].ID != 501 {
		t.Errorf("Notifications() = %+v, want one notification", got)
	}
}

func TestAttachmentResolvesRelativeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/doc.pdf" {
			t.Errorf("path = %q, want /files/doc.pdf", r.URL.Path)
		}
		if _, err := w.Write([]byte("pdf-bytes")); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	data, err := testClient(srv).Attachment(context.Background(), "files/doc.pdf")
	if err != nil {
		t.Fatalf("Attachment() = %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Errorf("Attachment() = %q", data)
	}
}

func TestWeekWindow(t *testing.T) {
	tests := []struct {
		name  string
		today time.Time
		start string
		end   string
	}{
		{
			name:  "sunday is its own week start",
			today: time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC), // Sunday
			start: "2025-03-02",
			end:   "2025-03-08",
		},
		{
			name:  "wednesday rolls back to previous sunday",
			today: time.Date(2025, 3, 5, 8, 30, 0, 0, time.UTC), // Wednesday
			start: "2025-03-02",
			end:   "2025-03-08",
		},
		{
			name:  "saturday is the last day of its week",
			today: time.Date(2025, 3, 8, 23, 0, 0, 0, time.UTC), // Saturday
			start: "2025-03-02",
			end:   "2025-03-08",
		},
		{
			name:  "window crosses a month boundary",
			today: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), // Monday
			start: "2025-03-30",
			end:   "2025-04-05",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start, end := WeekWindow(tc.today)
			if got := start.Format("2006-01-02"); got != tc.start {
				t.Errorf("start = %s, want %s", got, tc.start)
			}
			if got := end.Format("2006-01-02"); got != tc.end {
				t.Errorf("end = %s, want %s", got, tc.end)
			}
			if got := WeekKey(start); got != tc.start {
				t.Errorf("WeekKey = %s, want %s", got, tc.start)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		title string
		url   string
		want  string
	}{
		{"keeps safe characters", "Week plan v1.2_final-draft", "", "Week plan v1.2_final-draft"},
		{"drops unsafe characters", "rapport: vecka 10 (ny!)", "", "rapport vecka 10 ny"},
		{"falls back to url segment", "///", "https://hub.example.com/files/doc.pdf?x=1", "doc.pdf"},
		{"falls back to constant when nothing usable", "", "https://hub.example.com/", "attachment"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeFilename(tc.title, tc.url); got != tc.want {
				t.Errorf("SanitizeFilename(%q, %q) = %q, want %q", tc.title, tc.url, got, tc.want)
			}
		})
	}
}
