// Package poll runs the fetch cycle: refresh credentials, establish a web
// session, pull news, schedule, and notifications, detect what is new or
// changed, and fan notifications out. One failing stage never blocks the
// stages after it; only credential or session failure aborts a cycle.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/heinrisch/infomentor-rev/notify"
	"github.com/heinrisch/infomentor-rev/pkg/portal"
	"github.com/heinrisch/infomentor-rev/session"
)

// CredentialSource keeps the bearer token usable.
type CredentialSource interface {
	ValidateAndRefresh(ctx context.Context) error
	AccessToken() string
}

// SessionEstablisher exchanges the bearer token for a verified web session.
type SessionEstablisher interface {
	Establish(ctx context.Context, accessToken string) (*session.Session, error)
}

// Fetcher pulls portal resources over one cycle's session.
type Fetcher interface {
	News(ctx context.Context, accessToken string) ([]portal.NewsItem, error)
	Schedule(ctx context.Context, start, end time.Time) ([]portal.ScheduleEntry, error)
	Notifications(ctx context.Context) ([]portal.Notification, error)
	Attachment(ctx context.Context, url string) ([]byte, error)
}

// Store is the durable record of everything already seen.
type Store interface {
	NewsIDs(ctx context.Context) (map[int]bool, error)
	SaveNews(ctx context.Context, item *portal.NewsItem) error
	NotificationIDs(ctx context.Context) (map[int]bool, error)
	SaveNotification(ctx context.Context, n *portal.Notification) error
	LoadSchedule(ctx context.Context, week string) ([]portal.ScheduleEntry, error)
	SaveSchedule(ctx context.Context, week string, entries []portal.ScheduleEntry) error
	LastSundayPost(ctx context.Context) (string, error)
	SetLastSundayPost(ctx context.Context, date string) error
	AttachmentNames(ctx context.Context) (map[string]bool, error)
	SaveAttachment(ctx context.Context, name string, data []byte) error
	AttachmentPath(name string) string
}

// Notifier fans detected changes out to the configured channels.
// notify.Composite satisfies it.
type Notifier interface {
	SendNewsSummary(ctx context.Context, summary notify.NewsSummary) error
	SendScheduleUpdate(ctx context.Context, update notify.ScheduleUpdate) error
	SendAppNotification(ctx context.Context, n *portal.Notification) error
	SendError(ctx context.Context, stage string, cause error) error
}

// Summarizer produces a structured analysis of news content, when enabled.
type Summarizer interface {
	Summarize(ctx context.Context, content, publishedDate string) (*portal.Analysis, error)
	Enabled() bool
}

// Runner owns one polling loop.
type Runner struct {
	creds      CredentialSource
	sessions   SessionEstablisher
	newFetcher func(*session.Session) Fetcher
	store      Store
	notifier   Notifier
	summarizer Summarizer
	logger     *slog.Logger

	now func() time.Time
}

// New creates a Runner. newFetcher builds a cycle-scoped fetch client from
// the established session.
func New(
	creds CredentialSource,
	sessions SessionEstablisher,
	newFetcher func(*session.Session) Fetcher,
	store Store,
	notifier Notifier,
	summarizer Summarizer,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		creds:      creds,
		sessions:   sessions,
		newFetcher: newFetcher,
		store:      store,
		notifier:   notifier,
		summarizer: summarizer,
		logger:     logger,
		now:        time.Now,
	}
}

// RunCycle executes one fetch cycle. Credential or session failure aborts
// the cycle; later stages are isolated and report through SendError.
func (r *Runner) RunCycle(ctx context.Context) error {
	r.logger.Info("Fetch cycle starting")
	cycleStart := r.now()

	if err := r.creds.ValidateAndRefresh(ctx); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}

	sess, err := r.sessions.Establish(ctx, r.creds.AccessToken())
	if err != nil {
		return fmt.Errorf("establish web session: %w", err)
	}

	fetcher := r.newFetcher(sess)

	if err := r.processNews(ctx, fetcher); err != nil {
		r.logger.Error("News stage failed", "error", err)
		if sendErr := r.notifier.SendError(ctx, "Processing News", err); sendErr != nil {
			r.logger.Error("Failed to report news stage error", "error", sendErr)
		}
	}

	if err := r.processSchedule(ctx, fetcher); err != nil {
		r.logger.Error("Schedule stage failed", "error", err)
		if sendErr := r.notifier.SendError(ctx, "Processing Schedule", err); sendErr != nil {
			r.logger.Error("Failed to report schedule stage error", "error", sendErr)
		}
	}

	if err := r.processNotifications(ctx, fetcher); err != nil {
		r.logger.Error("Notifications stage failed", "error", err)
		if sendErr := r.notifier.SendError(ctx, "Processing Notifications", err); sendErr != nil {
			r.logger.Error("Failed to report notifications stage error", "error", sendErr)
		}
	}

	r.logger.Info("Fetch cycle completed", "duration_ms", time.Since(cycleStart).Milliseconds())
	return nil
}

// Run polls forever: strictly sequential cycles separated by a jittered
// sleep. Cycle errors are reported and the loop keeps going; only context
// cancellation stops it.
func (r *Runner) Run(ctx context.Context, baseInterval time.Duration) error {
	r.logger.Info("Starting polling loop", "base_interval", baseInterval.String())

	for {
		if err := r.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("Fetch cycle failed", "error", err)
			if sendErr := r.notifier.SendError(ctx, "Fetch Cycle", err); sendErr != nil {
				r.logger.Error("Failed to report cycle error", "error", sendErr)
			}
		}

		sleep := jitteredInterval(baseInterval)
		r.logger.Info("Sleeping until next cycle",
			"sleep", sleep.String(),
			"next_run", r.now().Add(sleep).Format("15:04:05"))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// jitteredInterval spreads cycles to base ± base/15 so the poller doesn't
// hit the portal on an exact clock grid.
func jitteredInterval(base time.Duration) time.Duration {
	vari := int64(base / 15)
	if vari <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(2*vari+1)-vari)
}
