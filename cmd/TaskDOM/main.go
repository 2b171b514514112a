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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/TaskDOM/TaskDOM/internal/api"
	"github.com/TaskDOM/TaskDOM/internal/genai"
	"github.com/TaskDOM/TaskDOM/internal/lockfile"
	"github.com/TaskDOM/TaskDOM/internal/relay"
	"github.com/TaskDOM/TaskDOM/internal/store"
	"github.com/TaskDOM/TaskDOM/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TaskDOM state data
	DefaultStateDir = "/var/lib/taskdom"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "taskdom.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often queued relay messages are checked
	DefaultOutboxPollInterval = store.DefaultOutboxPollInterval
)

// logLevel is adjusted after flag parsing.
var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)
	setLogLevel(*flags.logLevel)

	if err := run(flags); err != nil {
		slog.Error("TaskDOM failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TaskDOM exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	AppDBDSN       string
	WhatsAppDBDSN  string
	APIAddr        string
	OpenAIKey      string
	CatalogPath    string
	SeedDefault    bool
	Relay          string
	OutboxInterval time.Duration
	GenAIDebug     bool
	WatchCatalog   bool
	LogLevel       string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	apiAddr        *string
	openaiKey      *string
	catalog        *string
	seedDefault    *bool
	relay          *string
	qrOutput       *string
	numeric        *bool
	outboxInterval *time.Duration
	genaiDebug     *bool
	watchCatalog   *bool
	logLevel       *string
}

// initializeLogger installs a text handler on stdout. The level starts at debug.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// setLogLevel applies a level name; unknown names keep the current level.
func setLogLevel(name string) {
	if name == "" {
		return
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		slog.Warn("Invalid log level, keeping current", "value", name, "error", err)
		return
	}
	logLevel.Set(lvl)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetEnvDefault("TASKDOM_STATE_DIR", DefaultStateDir),
		AppDBDSN:       os.Getenv("TASKDOM_DB_DSN"),
		WhatsAppDBDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:        util.GetEnvDefault("API_ADDR", api.DefaultAPIAddr),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		CatalogPath:    os.Getenv("TASKDOM_CATALOG"),
		SeedDefault:    util.ParseBoolEnv("TASKDOM_SEED_DEFAULT_CATALOG", true),
		Relay:          util.GetEnvDefault("TASKDOM_RELAY", relay.ChannelNone),
		OutboxInterval: util.ParseDurationEnv("TASKDOM_OUTBOX_POLL_INTERVAL", DefaultOutboxPollInterval),
		GenAIDebug:     util.ParseBoolEnv("TASKDOM_GENAI_DEBUG", false),
		WatchCatalog:   util.ParseBoolEnv("TASKDOM_WATCH_CATALOG", true),
		LogLevel:       os.Getenv("TASKDOM_LOG_LEVEL"),
	}

	// DATABASE_URL is honored when no application-specific DSN is set
	if config.AppDBDSN == "" {
		config.AppDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.AppDBDSN == "" {
		config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.AppDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"TASKDOM_STATE_DIR", config.StateDir,
		"TASKDOM_DB_DSN_SET", config.AppDBDSN != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TASKDOM_CATALOG", config.CatalogPath,
		"TASKDOM_SEED_DEFAULT_CATALOG", config.SeedDefault,
		"TASKDOM_RELAY", config.Relay)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for TaskDOM data (overrides $TASKDOM_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.AppDBDSN, "application database DSN, SQLite path or Postgres URL (overrides $TASKDOM_DB_DSN or $DATABASE_URL); \"memory\" keeps everything in memory"),
		waDSN:          flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		catalog:        flag.String("catalog", config.CatalogPath, "YAML script catalog to seed (overrides $TASKDOM_CATALOG)"),
		seedDefault:    flag.Bool("seed-default-catalog", config.SeedDefault, "seed the built-in script catalog (overrides $TASKDOM_SEED_DEFAULT_CATALOG)"),
		relay:          flag.String("relay", config.Relay, "relay channel: none, twilio or whatsapp (overrides $TASKDOM_RELAY)"),
		qrOutput:       flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
		outboxInterval: flag.Duration("outbox-poll-interval", config.OutboxInterval, "relay outbox poll interval (overrides $TASKDOM_OUTBOX_POLL_INTERVAL)"),
		genaiDebug:     flag.Bool("genai-debug", config.GenAIDebug, "write GenAI requests and responses under <state-dir>/debug (overrides $TASKDOM_GENAI_DEBUG)"),
		watchCatalog:   flag.Bool("watch-catalog", config.WatchCatalog, "reseed the catalog file when it changes (overrides $TASKDOM_WATCH_CATALOG)"),
		logLevel:       flag.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $TASKDOM_LOG_LEVEL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"catalog", *flags.catalog,
		"relay", *flags.relay)

	followStateDir(config, flags)
	return flags
}

// followStateDir moves DSNs derived from the environment's state directory under a
// state directory given on the command line.
func followStateDir(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	dsn := *flags.dbDSN
	if dsn == "" || strings.EqualFold(dsn, "memory") {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(*flags.stateDir))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs WhatsApp relay options
func buildWhatsAppOptions(flags Flags) []relay.WhatsAppOption {
	waOpts := []relay.WhatsAppOption{relay.WithWhatsAppDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, relay.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, relay.WithNumericCode())
	}
	return waOpts
}

// buildSender returns the relay sender and a cleanup func for the configured channel.
func buildSender(ctx context.Context, flags Flags) (relay.Sender, func(), error) {
	switch strings.ToLower(*flags.relay) {
	case "", relay.ChannelNone:
		return relay.DisabledSender{}, func() {}, nil
	case relay.ChannelTwilio:
		s, err := relay.NewTwilioSender()
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case relay.ChannelWhatsApp:
		s, err := relay.NewWhatsAppSender(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown relay channel %q", *flags.relay)
	}
}

// relayEnabled reports whether praise is relayed off-process at all. Under the
// "none" channel nothing is enqueued and no outbox sender runs.
func relayEnabled(flags Flags) bool {
	switch strings.ToLower(*flags.relay) {
	case "", relay.ChannelNone:
		return false
	}
	return true
}

// seedCatalog loads the built-in catalog and an optional YAML file into the store.
func seedCatalog(ctx context.Context, repo store.ScriptRepo, flags Flags) error {
	if *flags.seedDefault {
		scripts, err := store.DefaultCatalog()
		if err != nil {
			return fmt.Errorf("failed to parse default catalog: %w", err)
		}
		n, err := store.SeedCatalog(ctx, repo, scripts)
		if err != nil {
			return fmt.Errorf("failed to seed default catalog: %w", err)
		}
		slog.Info("Default catalog seeded", "added", n, "total", len(scripts))
	}
	if *flags.catalog == "" {
		return nil
	}
	n, err := store.NewCatalogWatcher(*flags.catalog, repo, 0).Reload(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	slog.Info("Catalog seeded", "path", *flags.catalog, "added", n)
	return nil
}

// run wires the store, relay and API server and blocks until a signal arrives.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := seedCatalog(ctx, st, flags); err != nil {
		return err
	}

	sender, closeSender, err := buildSender(ctx, flags)
	if err != nil {
		return fmt.Errorf("failed to start %s relay: %w", *flags.relay, err)
	}
	defer closeSender()

	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr)}
	var outbox *store.OutboxSender
	if relayEnabled(flags) {
		rl := relay.NewRelay(st, st)
		apiOpts = append(apiOpts, api.WithDisplay(rl.Display))
		outbox = store.NewOutboxSender(st, relay.SendFunc(sender), *flags.outboxInterval)
		if err := outbox.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("Failed to recover stale outbox messages", "error", err)
		}
	} else {
		slog.Info("Relay channel disabled, praise stays in-app")
	}

	gen, err := genai.NewClient(buildGenAIOptions(flags)...)
	switch {
	case err == nil:
		apiOpts = append(apiOpts, api.WithDrafter(gen))
	case errors.Is(err, genai.ErrAPIKeyNotSet):
		slog.Info("OpenAI API key not set, script generation disabled")
	default:
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	server := api.NewServer(st, apiOpts...)

	slog.Info("Bootstrapping TaskDOM", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr, "relay", *flags.relay)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if outbox != nil {
		g.Go(func() error { return outbox.Run(gctx) })
	}
	if *flags.catalog != "" && *flags.watchCatalog {
		watcher := store.NewCatalogWatcher(*flags.catalog, st, 0)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	return g.Wait()
}
