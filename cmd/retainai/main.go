package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Retain-ap/retainai-app/internal/api"
	"github.com/Retain-ap/retainai-app/internal/email"
	"github.com/Retain-ap/retainai-app/internal/engine"
	"github.com/Retain-ap/retainai-app/internal/genai"
	"github.com/Retain-ap/retainai-app/internal/lockfile"
	"github.com/Retain-ap/retainai-app/internal/messaging"
	"github.com/Retain-ap/retainai-app/internal/policy"
	"github.com/Retain-ap/retainai-app/internal/scheduler"
	"github.com/Retain-ap/retainai-app/internal/store"
	"github.com/Retain-ap/retainai-app/internal/twiliowhatsapp"
	"github.com/Retain-ap/retainai-app/internal/util"
	"github.com/Retain-ap/retainai-app/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RetainAI state data
	DefaultStateDir = "/var/lib/retainai"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "retainai.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	msgSvc := buildMessagingService()
	emailSender := buildEmailSender()
	drafter := buildDrafter(flags)

	resolver := policy.NewResolver(st, msgSvc)
	engineOpts := []engine.Option{engine.WithMessaging(msgSvc), engine.WithEmail(emailSender)}
	if drafter != nil {
		engineOpts = append(engineOpts, engine.WithDrafter(drafter))
	}
	eng := engine.NewEngine(st, resolver, engineOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.tickSchedule, func() {
		if err := eng.Tick(ctx); err != nil {
			slog.Error("Engine tick failed", "error", err)
		}
	}); err != nil {
		slog.Error("Failed to schedule engine tick", "error", err, "schedule", *flags.tickSchedule)
		os.Exit(1)
	}
	slog.Info("Engine tick scheduled", "schedule", *flags.tickSchedule)

	srv := api.NewServer(st, eng, api.WithAddr(*flags.apiAddr))
	slog.Info("Bootstrapping RetainAI", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := srv.Run(ctx); err != nil {
		slog.Error("RetainAI failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RetainAI exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	OpenAIKey    string
	APIAddr      string
	TickSchedule string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	apiAddr      *string
	tickSchedule *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("RETAINAI_STATE_DIR"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		APIAddr:      os.Getenv("API_ADDR"),
		TickSchedule: os.Getenv("TICK_SCHEDULE"),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RETAINAI_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.TickSchedule == "" {
		config.TickSchedule = scheduler.DefaultTickSchedule
	}
	return config
}

// parseCommandLineFlags parses command line flags, using environment values as defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "Directory for state data (database, locks)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "Database DSN (Postgres URL or SQLite path)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for AI-drafted messages"),
		apiAddr:      flag.String("addr", config.APIAddr, "API listen address"),
		tickSchedule: flag.String("tick-schedule", config.TickSchedule, "Cron expression for the engine tick"),
	}
	flag.Parse()
	return flags
}

// openStore selects the storage backend from the DSN: a Postgres URL gets
// the Postgres store, anything else a SQLite database under the state dir.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No DSN configured, using SQLite in state directory", "path", dsn)
	}
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Info("Opening Postgres store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	default:
		slog.Info("Opening SQLite store", "path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	}
}

// buildMessagingService wires the WhatsApp transport. USE_TWILIO selects
// the Twilio adapter; the default is the WhatsApp Cloud API. Returns nil
// when neither transport is configured, in which case sends are skipped
// and surfaced as owner notifications.
func buildMessagingService() messaging.Service {
	if util.ParseBoolEnv("USE_TWILIO", false) {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			slog.Warn("Twilio transport not configured, messaging disabled", "error", err)
			return nil
		}
		slog.Info("Using Twilio WhatsApp transport")
		return messaging.NewTwilioService(client)
	}
	client, err := whatsapp.NewClient()
	if err != nil {
		slog.Warn("WhatsApp Cloud API not configured, messaging disabled", "error", err)
		return nil
	}
	slog.Info("Using WhatsApp Cloud API transport")
	return messaging.NewWhatsAppService(client)
}

func buildEmailSender() email.Sender {
	sender, err := email.NewSendGridSender()
	if err != nil {
		slog.Warn("SendGrid not configured, email steps disabled", "error", err)
		return nil
	}
	slog.Info("Using SendGrid email sender")
	return sender
}

func buildDrafter(flags Flags) engine.Drafter {
	if *flags.openaiKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Debug("No OpenAI key configured, ai_draft steps use the deterministic fallback")
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("GenAI client unavailable, ai_draft steps use the deterministic fallback", "error", err)
		return nil
	}
	slog.Info("GenAI drafting enabled")
	return client
}
