package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

func TestDiscordSendsNewsEmbeds(t *testing.T) {
	var payloads []discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p discordPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		payloads = append(payloads, p)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, "hub.infomentor.se", testLogger())
	summary := NewsSummary{
		Item: &portal.NewsItem{ID: 5, Title: "Sports day", Content: "<p>Bring shoes</p>", PublishedDateString: "2025-03-01", PublishedBy: "The school"},
		Analysis: &portal.Analysis{
			Summary:    "Sports day on Friday.",
			Highlights: []string{"Ta med skor"},
		},
	}
	if err := d.SendNewsSummary(context.Background(), summary); err != nil {
		t.Fatalf("SendNewsSummary() = %v", err)
	}

	if len(payloads) != 3 {
		t.Fatalf("got %d webhook posts, want summary + full content + highlights", len(payloads))
	}
	if payloads[0].Embeds[0].Title != "News: Sports day" || payloads[0].Embeds[0].Color != discordColorBlue {
		t.Errorf("summary embed = %+v", payloads[0].Embeds[0])
	}
	if payloads[1].Embeds[0].Title != "Full Content" {
		t.Errorf("second embed title = %q", payloads[1].Embeds[0].Title)
	}
	if payloads[2].Embeds[0].Color != discordColorRed || !strings.Contains(payloads[2].Embeds[0].Description, "Ta med skor") {
		t.Errorf("highlights embed = %+v", payloads[2].Embeds[0])
	}
}

func TestDiscordAttachmentsGoAsMultipart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.pdf")
	if err := os.WriteFile(path, []byte("pdf"), 0o600); err != nil {
		t.Fatal(err)
	}

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			// First post carries the files.
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				t.Errorf("Content-Type = %q, want multipart", r.Header.Get("Content-Type"))
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parse multipart: %v", err)
			}
			if r.MultipartForm.Value["payload_json"] == nil {
				t.Error("multipart post missing payload_json")
			}
			if len(r.MultipartForm.File) != 1 {
				t.Errorf("multipart post has %d files, want 1", len(r.MultipartForm.File))
			}
		} else if _, err := io.Copy(io.Discard, r.Body); err != nil {
			t.Errorf("drain body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, "hub.infomentor.se", testLogger())
	summary := NewsSummary{
		Item:            &portal.NewsItem{ID: 5, Title: "t", Content: "<p>x</p>"},
		AttachmentPaths: []string{path},
	}
	if err := d.SendNewsSummary(context.Background(), summary); err != nil {
		t.Fatalf("SendNewsSummary() = %v", err)
	}
}

func TestDiscordScheduleChangesField(t *testing.T) {
	var payload discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, "hub.infomentor.se", testLogger())
	update := ScheduleUpdate{
		Week: "2025-03-02",
		Entries: []portal.ScheduleEntry{
			{ID: 1, Title: "Math", StartDateFull: "2025-03-03 09:00", FormattedStartDate: "Monday", StartTime: "09:00", EndTime: "10:00"},
		},
		Changes: []portal.ScheduleChange{
			{Type: portal.ChangeModified, Entry: portal.ScheduleEntry{ID: 1, Title: "Math", FormattedStartDate: "Monday", StartTime: "09:00"}, Diffs: []string{"Title: Maths -> Math"}},
		},
	}
	if err := d.SendScheduleUpdate(context.Background(), update); err != nil {
		t.Fatalf("SendScheduleUpdate() = %v", err)
	}

	embed := payload.Embeds[0]
	if !strings.HasPrefix(embed.Title, "⚠️ Schedule Update") || embed.Color != discordColorRed {
		t.Errorf("change post embed = %+v, want update styling", embed)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Name != "Changes" {
		t.Fatalf("fields = %+v, want one Changes field", embed.Fields)
	}
	if !strings.Contains(embed.Fields[0].Value, "Title: Maths -> Math") {
		t.Errorf("changes field = %q, want diff line included", embed.Fields[0].Value)
	}
}
