package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/SurveyPipe/internal/api"
	"github.com/BTreeMap/SurveyPipe/internal/calendar"
	"github.com/BTreeMap/SurveyPipe/internal/engine"
	"github.com/BTreeMap/SurveyPipe/internal/genai"
	"github.com/BTreeMap/SurveyPipe/internal/lockfile"
	"github.com/BTreeMap/SurveyPipe/internal/messaging"
	"github.com/BTreeMap/SurveyPipe/internal/scheduler"
	"github.com/BTreeMap/SurveyPipe/internal/session"
	"github.com/BTreeMap/SurveyPipe/internal/sink"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/survey"
	"github.com/BTreeMap/SurveyPipe/internal/twiliosms"
	"github.com/BTreeMap/SurveyPipe/internal/util"
	"github.com/BTreeMap/SurveyPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SurveyPipe state data
	DefaultStateDir = "/var/lib/surveypipe"
	// DefaultWhatsAppDBFileName is the default SQLite database for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default SQLite database for records and bookings
	DefaultAppDBFileName = "surveypipe.db"
	// DefaultSurveyDirName is the default survey definition directory under the state dir
	DefaultSurveyDirName = "surveys"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping SurveyPipe")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"app_dsn_set", *flags.appDBDSN != "",
		"survey_dir", *flags.surveyDir,
		"api_addr", *flags.apiAddr,
		"use_twilio", *flags.useTwilio)

	if err := run(flags); err != nil {
		slog.Error("SurveyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SurveyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	SurveyDir        string
	OpenAIKey        string
	APIAddr          string
	UseTwilio        bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	surveyDir     *string
	openaiKey     *string
	apiAddr       *string
	useTwilio     *bool
}

// initializeLogger sets up structured logging. SURVEYPIPE_DEBUG enables
// debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("SURVEYPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		StateDir:         os.Getenv("SURVEYPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		SurveyDir:        os.Getenv("SURVEYPIPE_SURVEY_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		UseTwilio:        util.ParseBoolEnv("SURVEYPIPE_USE_TWILIO", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SURVEYPIPE_STATE_DIR set, using default", "state_dir", config.StateDir)
	}

	// Legacy DATABASE_URL is honored when DATABASE_DSN is not set
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}

	if config.SurveyDir == "" {
		config.SurveyDir = filepath.Join(config.StateDir, DefaultSurveyDirName)
		slog.Debug("No SURVEYPIPE_SURVEY_DIR set, using default", "survey_dir", config.SurveyDir)
	}

	slog.Debug("environment variables loaded",
		"SURVEYPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"SURVEYPIPE_SURVEY_DIR", config.SurveyDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"SURVEYPIPE_USE_TWILIO", config.UseTwilio)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for SurveyPipe data (overrides $SURVEYPIPE_STATE_DIR)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      flag.String("db-dsn", config.ApplicationDBDSN, "database DSN for records and bookings (overrides $DATABASE_DSN)"),
		surveyDir:     flag.String("survey-dir", config.SurveyDir, "directory of survey definition JSON files (overrides $SURVEYPIPE_SURVEY_DIR)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		useTwilio:     flag.Bool("use-twilio", config.UseTwilio, "use the Twilio SMS transport instead of WhatsApp (overrides $SURVEYPIPE_USE_TWILIO)"),
	}

	flag.Parse()

	// Re-derive default DSNs when the state directory was overridden on the
	// command line but the DSNs were not.
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == config.WhatsAppDBDSN {
			*flags.whatsappDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		if *flags.appDBDSN == config.ApplicationDBDSN {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.surveyDir == config.SurveyDir {
			*flags.surveyDir = filepath.Join(*flags.stateDir, DefaultSurveyDirName)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"surveyDir", *flags.surveyDir,
		"apiAddr", *flags.apiAddr,
		"useTwilio", *flags.useTwilio)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.appDBDSN) == "sqlite" {
		dbDir := filepath.Dir(*flags.appDBDSN)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", *flags.stateDir, err)
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// openApplicationStore opens the record/booking/dedup store for the DSN.
func openApplicationStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, opening PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, opening SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildMessagingService constructs the configured transport.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.useTwilio {
		client, err := twiliosms.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	}
	client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
	}
	return messaging.NewWhatsAppService(client), nil
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openApplicationStore(*flags.appDBDSN)
	if err != nil {
		return fmt.Errorf("failed to open application store: %w", err)
	}
	defer st.Close()

	defs, err := survey.LoadDir(*flags.surveyDir)
	if err != nil {
		return fmt.Errorf("failed to load survey definitions: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("no survey definitions found in %s", *flags.surveyDir)
	}
	registry := survey.NewRegistry(defs)
	slog.Info("Loaded survey definitions", "count", len(defs), "survey_dir", *flags.surveyDir)

	sessions := session.NewStore()
	snk := sink.New(st)
	cal := calendar.NewScheduler(st)

	engOpts := []engine.Option{
		engine.WithScheduler(cal),
		engine.WithDedup(st),
		engine.WithMaxRetries(util.ParseIntEnv("SURVEYPIPE_MAX_RETRIES", engine.DefaultMaxRetries)),
		engine.WithReminderAfter(util.ParseDurationEnv("SURVEYPIPE_REMINDER_AFTER", engine.DefaultReminderAfter)),
		engine.WithTimeoutAfter(util.ParseDurationEnv("SURVEYPIPE_TIMEOUT_AFTER", engine.DefaultTimeoutAfter)),
	}
	if *flags.openaiKey != "" {
		ai, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return fmt.Errorf("failed to create AI client: %w", err)
		}
		engOpts = append(engOpts, engine.WithAI(ai))
	} else {
		slog.Warn("No OpenAI API key configured; reflections, summaries, and voice transcription are disabled")
	}
	eng := engine.New(registry, sessions, snk, engOpts...)

	svc, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer svc.Stop()

	dispatcher := messaging.NewDispatcher(svc)
	pump := messaging.NewPump(svc, eng, dispatcher)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(pump, svc, sessions, apiOpts...)
	if twilioSvc, ok := svc.(*messaging.TwilioService); ok {
		server.Mount("/webhook/twilio", twilioSvc.WebhookHandler)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweepInterval := util.ParseDurationEnv("SURVEYPIPE_SWEEP_INTERVAL", scheduler.DefaultSweepInterval)
	if err := sched.ScheduleSweep(ctx, eng, pump, sweepInterval); err != nil {
		return err
	}

	server.Start()

	pump.Run(ctx)

	// Pump has drained; shut the HTTP server down before the deferred
	// transport and store teardown.
	if err := server.Stop(context.Background()); err != nil {
		slog.Warn("API server shutdown failed", "error", err)
	}
	return nil
}
