package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mdp/qrterminal/v3"

	"github.com/stepline/StepLine/internal/api"
	"github.com/stepline/StepLine/internal/dispatch"
	"github.com/stepline/StepLine/internal/engine"
	"github.com/stepline/StepLine/internal/lockfile"
	"github.com/stepline/StepLine/internal/messaging"
	"github.com/stepline/StepLine/internal/scheduler"
	"github.com/stepline/StepLine/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StepLine state data
	DefaultStateDir = "/var/lib/stepline"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "stepline.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(&config)

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// SQLite assumes a single writer; a second instance polling the same
	// ledger would double-deliver steps.
	if store.DetectDSNType(config.DatabaseURL) == "sqlite" {
		lock, err := lockfile.Acquire(filepath.Dir(config.DatabaseURL))
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	st, err := buildStore(config)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// QR mode renders an invite code for scanning and exits without starting
	// the service.
	if *flags.inviteQR != "" {
		if err := renderInviteQR(st, config, *flags.inviteQR); err != nil {
			slog.Error("Failed to render invite QR", "error", err, "code", *flags.inviteQR)
			os.Exit(1)
		}
		return
	}

	messenger, err := buildMessenger(config)
	if err != nil {
		slog.Error("Failed to configure messaging channel", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := messenger.Stop(); err != nil {
			slog.Warn("Messaging channel shutdown failed", "error", err)
		}
	}()

	eng := engine.NewEngine(st)

	dispatcherCfg := dispatch.Config{
		PollInterval: config.PollInterval,
		BatchSize:    config.BatchSize,
		LeaseTimeout: config.LeaseTimeout,
		MaxErrors:    config.MaxErrors,
	}
	dispatcher := dispatch.NewDispatcher(st, eng, messenger, dispatcherCfg)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	leaseTimeout := dispatcherCfg.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = dispatch.DefaultLeaseTimeout
	}
	if err := sched.RegisterMaintenance(st, leaseTimeout, config.LogRetention); err != nil {
		slog.Error("Failed to register maintenance jobs", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Dispatcher stopped with error", "error", err)
			cancel()
		}
	}()

	server := api.NewServer(st, eng, api.WithAddr(config.APIAddr))
	slog.Info("Bootstrapping StepLine", "api_addr", config.APIAddr, "dsn_type", store.DetectDSNType(config.DatabaseURL), "channel", config.Channel)
	if err := server.Run(ctx); err != nil {
		slog.Error("StepLine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StepLine exited successfully")
}

// Config holds environment configuration. Values are read from the process
// environment (with a .env file loaded first when present) and may be
// overridden by command line flags.
type Config struct {
	DatabaseURL  string        `envconfig:"DATABASE_URL"`
	StateDir     string        `envconfig:"STATE_DIR"`
	APIAddr      string        `envconfig:"API_ADDR" default:":8080"`
	Channel      string        `envconfig:"CHANNEL" default:"line"`
	LineToken    string        `envconfig:"LINE_CHANNEL_TOKEN"`
	InviteBase   string        `envconfig:"INVITE_BASE_URL"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
	BatchSize    int           `envconfig:"BATCH_SIZE"`
	LeaseTimeout time.Duration `envconfig:"LEASE_TIMEOUT"`
	MaxErrors    int           `envconfig:"MAX_ERRORS"`
	LogRetention time.Duration `envconfig:"LOG_RETENTION"`
}

// Flags holds command line flag values
type Flags struct {
	inviteQR *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and a
// .env file. Variables are looked up as STEPLINE_<NAME> first, then <NAME>.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := envconfig.Process("stepline", &config); err != nil {
		slog.Error("Failed to process environment configuration", "error", err)
		os.Exit(1)
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No state directory set, using default", "default_state_dir", config.StateDir)
	}
	if config.LogRetention <= 0 {
		config.LogRetention = scheduler.DefaultLogRetention
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"CHANNEL", config.Channel,
		"LINE_CHANNEL_TOKEN_SET", config.LineToken != "",
		"INVITE_BASE_URL_SET", config.InviteBase != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment
// defaults, writing overrides back into config.
func parseCommandLineFlags(config *Config) Flags {
	flags := Flags{
		inviteQR: flag.String("invite-qr", "", "render a terminal QR code for the given invite code and exit"),
	}
	dbDSN := flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite file path or PostgreSQL URL (overrides $STEPLINE_DATABASE_URL)")
	stateDir := flag.String("state-dir", config.StateDir, "state directory for StepLine data (overrides $STEPLINE_STATE_DIR)")
	apiAddr := flag.String("api-addr", config.APIAddr, "API server address (overrides $STEPLINE_API_ADDR)")
	channel := flag.String("channel", config.Channel, "messaging channel, line or sms (overrides $STEPLINE_CHANNEL)")

	flag.Parse()

	config.DatabaseURL = *dbDSN
	config.StateDir = *stateDir
	config.APIAddr = *apiAddr
	config.Channel = *channel

	// With no DSN configured, fall back to a SQLite database in the state
	// directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("flags parsed",
		"inviteQR", *flags.inviteQR,
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseURL != "",
		"apiAddr", config.APIAddr,
		"channel", config.Channel)

	return flags
}

// ensureDirectoriesExist creates the state directory for file-based storage.
func ensureDirectoriesExist(config Config) error {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(config.DatabaseURL)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	return os.MkdirAll(stateDir, 0755)
}

// buildStore opens the storage backend matching the configured DSN.
func buildStore(config Config) (store.Store, error) {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgres")
		return store.NewPostgresStore(store.WithPostgresDSN(config.DatabaseURL))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.DatabaseURL)
	return store.NewSQLiteStore(store.WithSQLiteDSN(config.DatabaseURL))
}

// buildMessenger constructs the configured messaging channel.
func buildMessenger(config Config) (messaging.Service, error) {
	switch config.Channel {
	case "line", "":
		if config.LineToken == "" {
			return nil, fmt.Errorf("LINE channel requires $STEPLINE_LINE_CHANNEL_TOKEN")
		}
		return messaging.NewLineService(config.LineToken), nil
	case "sms":
		return messaging.NewTwilioService()
	default:
		return nil, fmt.Errorf("unknown messaging channel: %s", config.Channel)
	}
}

// renderInviteQR validates an invite code against the store and prints a
// scannable QR of its registration URL to stdout.
func renderInviteQR(st store.Store, config Config, code string) error {
	invite, err := st.GetInviteByCode(code)
	if err != nil {
		return err
	}
	if invite == nil {
		return fmt.Errorf("invite code not found: %s", code)
	}
	if !invite.IsActive {
		slog.Warn("Invite code is inactive", "code", code)
	}

	target := code
	if config.InviteBase != "" {
		target = config.InviteBase + "?code=" + code
	}
	fmt.Fprintf(os.Stdout, "Invite %s (scenario %s):\n", code, invite.ScenarioID)
	qrterminal.GenerateHalfBlock(target, qrterminal.L, os.Stdout)
	fmt.Fprintln(os.Stdout, target)
	return nil
}
