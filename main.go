// Package main implements a polling watcher for the InfoMentor school
// portal: it keeps an OAuth2 token fresh, establishes a web session through
// a real browser each cycle, fetches news, the weekly schedule, and app
// notifications, and announces anything new on the configured channels.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/alecthomas/kong"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/heinrisch/infomentor-rev/auth"
	"github.com/heinrisch/infomentor-rev/fetch"
	"github.com/heinrisch/infomentor-rev/llm"
	"github.com/heinrisch/infomentor-rev/notify"
	"github.com/heinrisch/infomentor-rev/poll"
	"github.com/heinrisch/infomentor-rev/session"
	"github.com/heinrisch/infomentor-rev/storage"
)

var cli struct {
	TokenFile string `help:"Credential file path." env:"TOKEN_FILE" default:"infomentor_token.json"`
	Debug     bool   `help:"Enable debug logging." env:"DEBUG"`

	Fetch struct {
		Once     bool          `help:"Run a single fetch cycle and exit."`
		Interval time.Duration `help:"Base polling interval." env:"FETCH_INTERVAL" default:"30m"`

		LocalStorage  string `help:"Local storage directory." env:"LOCAL_STORAGE"`
		StorageBucket string `help:"Cloud Storage bucket for persistence." env:"STORAGE_BUCKET"`

		DiscordWebhookURL string `help:"Discord webhook URL." env:"DISCORD_WEBHOOK_URL"`
		TelegramBotToken  string `help:"Telegram bot token." env:"TELEGRAM_BOT_TOKEN"`
		TelegramChatID    int64  `help:"Telegram chat ID." env:"TELEGRAM_CHAT_ID"`
		EmailTo           string `help:"Email recipient for notifications." env:"EMAIL_TO"`
		MockEmail         bool   `help:"Log emails instead of sending them." env:"MOCK_EMAIL"`

		PerplexityAPIKey string `help:"Perplexity API key for news analysis." env:"PERPLEXITY_API_KEY"`
	} `cmd:"" help:"Poll the portal and send notifications."`

	Auth struct{} `cmd:"" help:"Run the one-time interactive pairing flow."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("infomentor-rev"),
		kong.Description("InfoMentor portal watcher."))

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch kctx.Command() {
	case "auth":
		err = runAuth(ctx, logger)
	case "fetch":
		err = runFetch(ctx, logger)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("Command failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}

func runAuth(ctx context.Context, logger *slog.Logger) error {
	manager := auth.New(cli.TokenFile, logger)
	if err := manager.Load(); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	return manager.RunInteractiveLogin(ctx, os.Stdin, os.Stdout)
}

func runFetch(ctx context.Context, logger *slog.Logger) error {
	manager := auth.New(cli.TokenFile, logger)
	if err := manager.Load(); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	store, err := buildStore(ctx, logger)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(ctx, logger)
	if err != nil {
		return err
	}

	summarizer := llm.New(cli.Fetch.PerplexityAPIKey, logger)
	if !summarizer.Enabled() {
		logger.Info("No PERPLEXITY_API_KEY set, news analysis disabled")
	}

	establisher := session.New(manager.APIBaseURL(), session.NewRodNavigator(logger), logger)

	runner := poll.New(
		manager,
		establisher,
		func(s *session.Session) poll.Fetcher { return fetch.New(s, logger) },
		store,
		notifier,
		summarizer,
		logger,
	)

	if cli.Fetch.Once {
		return runner.RunCycle(ctx)
	}
	return runner.Run(ctx, cli.Fetch.Interval)
}

func buildStore(ctx context.Context, logger *slog.Logger) (*storage.Store, error) {
	bucket := cli.Fetch.StorageBucket
	localPath := cli.Fetch.LocalStorage

	if bucket == "" && localPath == "" {
		localPath = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local storage", "storage_path", localPath)
	}

	if localPath != "" {
		if err := os.MkdirAll(localPath, 0o700); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", localPath, logger), nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize Cloud Storage client: %w", err)
	}
	logger.Info("Using Cloud Storage bucket", "bucket", bucket)
	return storage.New(client, bucket, "", logger), nil
}

func buildNotifier(ctx context.Context, logger *slog.Logger) (*notify.Composite, error) {
	var channels []notify.Notifier

	if cli.Fetch.DiscordWebhookURL != "" {
		channels = append(channels, notify.NewDiscord(cli.Fetch.DiscordWebhookURL, session.DefaultWebHost, logger))
		logger.Info("Discord channel configured")
	}

	if cli.Fetch.TelegramBotToken != "" && cli.Fetch.TelegramChatID != 0 {
		telegram, err := notify.NewTelegram(cli.Fetch.TelegramBotToken, cli.Fetch.TelegramChatID, session.DefaultWebHost, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize Telegram channel: %w", err)
		}
		channels = append(channels, telegram)
		logger.Info("Telegram channel configured")
	}

	if cli.Fetch.EmailTo != "" {
		provider, err := buildEmailProvider(ctx, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.NewEmail(provider, cli.Fetch.EmailTo, logger))
		logger.Info("Email channel configured", "to", cli.Fetch.EmailTo)
	}

	if len(channels) == 0 {
		logger.Info("No notification channels configured, logging notifications instead")
		channels = append(channels, notify.NewMock(logger))
	}

	logger.Info("Notification channels initialized", "count", len(channels))
	return notify.NewComposite(logger, channels...), nil
}

func buildEmailProvider(ctx context.Context, logger *slog.Logger) (notify.EmailProvider, error) {
	if cli.Fetch.MockEmail {
		return notify.NewMockEmailProvider(logger), nil
	}

	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		service, err := gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		return notify.NewGmailProvider(service, logger), nil
	}

	service, err := gmail.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize Gmail service: %w", err)
	}
	return notify.NewGmailProvider(service, logger), nil
}
