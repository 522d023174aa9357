// Package storage persists seen news items, notifications, weekly schedule
// snapshots, and downloaded attachments as flat JSON and blob files. Backends
// are a local directory or a Cloud Storage bucket; a non-empty local path
// wins.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

// attachmentPrefix namespaces attachment blobs away from the JSON records.
const attachmentPrefix = "files/"

// ErrNotFound indicates the requested object does not exist in either
// backend.
var ErrNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gcs.ErrObjectNotExist)
}

// scheduleState tracks when the weekly full schedule was last posted.
type scheduleState struct {
	LastSundayPost string `json:"last_sunday_post"`
}

// Store handles persistence of everything the watcher has already seen.
type Store struct {
	client    *gcs.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a storage handler. client and bucket may be zero-valued when
// localPath is set.
func New(client *gcs.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func newsKey(id int) string         { return fmt.Sprintf("news_%d.json", id) }
func notificationKey(id int) string { return fmt.Sprintf("notification_%d.json", id) }
func scheduleKey(week string) string {
	return "schedule_" + week + ".json"
}

// NewsIDs returns the set of news item IDs already persisted.
func (s *Store) NewsIDs(ctx context.Context) (map[int]bool, error) {
	return s.idSet(ctx, "news_")
}

// NotificationIDs returns the set of notification IDs already persisted.
func (s *Store) NotificationIDs(ctx context.Context) (map[int]bool, error) {
	return s.idSet(ctx, "notification_")
}

// idSet scans object names matching <prefix><id>.json and collects the IDs.
// Malformed names are skipped, never fatal.
func (s *Store) idSet(ctx context.Context, prefix string) (map[int]bool, error) {
	ids := make(map[int]bool)

	names, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		stem := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		id, err := strconv.Atoi(stem)
		if err != nil {
			continue
		}
		ids[id] = true
	}
	return ids, nil
}

// SaveNews persists one news item under its ID.
func (s *Store) SaveNews(ctx context.Context, item *portal.NewsItem) error {
	if item.ID == 0 {
		return errors.New("news item has no ID")
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal news item: %w", err)
	}
	if err := s.write(ctx, newsKey(item.ID), data); err != nil {
		return err
	}
	s.logger.Info("News item saved", "id", item.ID, "title", item.Title)
	return nil
}

// SaveNotification persists one app notification under its ID.
func (s *Store) SaveNotification(ctx context.Context, n *portal.Notification) error {
	if n.ID == 0 {
		return errors.New("notification has no ID")
	}
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.write(ctx, notificationKey(n.ID), data); err != nil {
		return err
	}
	s.logger.Info("Notification saved", "id", n.ID, "title", n.Title)
	return nil
}

// LoadSchedule loads the stored snapshot for a week key. ErrNotFound when the
// week has never been stored (first observation of the week).
func (s *Store) LoadSchedule(ctx context.Context, week string) ([]portal.ScheduleEntry, error) {
	data, err := s.read(ctx, scheduleKey(week))
	if err != nil {
		return nil, err
	}
	var entries []portal.ScheduleEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal schedule %s: %w", week, err)
	}
	return entries, nil
}

// SaveSchedule replaces the stored snapshot for a week key.
func (s *Store) SaveSchedule(ctx context.Context, week string, entries []portal.ScheduleEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := s.write(ctx, scheduleKey(week), data); err != nil {
		return err
	}
	s.logger.Info("Schedule snapshot saved", "week", week, "entry_count", len(entries))
	return nil
}

// LastSundayPost returns the date string of the last weekly full post, or ""
// when none was recorded.
func (s *Store) LastSundayPost(ctx context.Context) (string, error) {
	data, err := s.read(ctx, "schedule_state.json")
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var state scheduleState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("unmarshal schedule state: %w", err)
	}
	return state.LastSundayPost, nil
}

// SetLastSundayPost records the date of a weekly full post.
func (s *Store) SetLastSundayPost(ctx context.Context, date string) error {
	data, err := json.Marshal(scheduleState{LastSundayPost: date})
	if err != nil {
		return fmt.Errorf("marshal schedule state: %w", err)
	}
	return s.write(ctx, "schedule_state.json", data)
}

// AttachmentNames returns the filenames of attachments already downloaded.
func (s *Store) AttachmentNames(ctx context.Context) (map[string]bool, error) {
	names := make(map[string]bool)
	listed, err := s.list(ctx, attachmentPrefix)
	if err != nil {
		return nil, err
	}
	for _, name := range listed {
		names[strings.TrimPrefix(name, attachmentPrefix)] = true
	}
	return names, nil
}

// SaveAttachment persists a downloaded attachment blob.
func (s *Store) SaveAttachment(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return errors.New("attachment has no name")
	}
	if err := s.write(ctx, attachmentPrefix+name, data); err != nil {
		return err
	}
	s.logger.Info("Attachment saved", "name", name, "bytes", len(data))
	return nil
}

// AttachmentPath returns the local path of a saved attachment, for channels
// that upload files from disk. Only meaningful on the local backend.
func (s *Store) AttachmentPath(name string) string {
	if s.localPath == "" {
		return ""
	}
	return filepath.Join(s.localPath, attachmentPrefix, name)
}

// write stores a blob in the active backend.
func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// read loads a blob from the active backend.
func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, gcs.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// list enumerates object names under a prefix.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	// Local filesystem storage
	if s.localPath != "" {
		dir := s.localPath
		namePrefix := prefix
		if strings.HasSuffix(prefix, "/") {
			dir = filepath.Join(s.localPath, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
			namePrefix = ""
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		var names []string
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if namePrefix != "" && !strings.HasPrefix(entry.Name(), namePrefix) {
				continue
			}
			names = append(names, prefix+strings.TrimPrefix(entry.Name(), namePrefix))
		}
		return names, nil
	}

	// Cloud Storage
	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}
