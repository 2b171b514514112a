// Package store provides storage backends for TaskDOM praise delivery.
//
// It defines the script repository, preference store, delivery history ledger and
// relay outbox contracts, with in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/models"
)

// Error variables returned by every backend
var (
	ErrScriptNotFound     = errors.New("script not found")
	ErrHistoryNotFound    = errors.New("history entry not found")
	ErrReactionAlreadySet = errors.New("reaction already recorded for history entry")
	ErrDSNNotSet          = errors.New("database DSN not set")
)

// ScriptFilter constrains a script repository query. Inactive scripts are never returned.
type ScriptFilter struct {
	Category      *models.Category
	TriggerType   *models.TriggerType
	AllowExplicit bool
	Limit         int // 0 means no cap
}

// ScriptRepo is the queryable collection of praise scripts.
type ScriptRepo interface {
	// QueryScripts returns active scripts matching the filter.
	QueryScripts(ctx context.Context, filter ScriptFilter) ([]models.PraiseScript, error)
	// GetScript returns the script with the given id, or nil if absent.
	GetScript(ctx context.Context, id string) (*models.PraiseScript, error)
	// SaveScript inserts or replaces a script.
	SaveScript(ctx context.Context, script models.PraiseScript) error
	// ListScripts returns every script, optionally including inactive ones.
	ListScripts(ctx context.Context, includeInactive bool) ([]models.PraiseScript, error)
	// SetScriptActive toggles the soft-delete flag.
	SetScriptActive(ctx context.Context, id string, active bool) error
}

// PreferenceStore holds one preference record per user.
type PreferenceStore interface {
	// GetPreferences returns nil, nil when the user has no record yet.
	GetPreferences(ctx context.Context, userID string) (*models.UserPraisePreferences, error)
	// UpsertPreferences merges a partial update, creating the record from defaults if absent.
	UpsertPreferences(ctx context.Context, userID string, update models.PreferencesUpdate) (*models.UserPraisePreferences, error)
	// InitializeDefaults installs the default preference set if no record exists and
	// returns the stored record.
	InitializeDefaults(ctx context.Context, userID string) (*models.UserPraisePreferences, error)
}

// HistoryLedger is the append-only record of delivered praise.
type HistoryLedger interface {
	// AppendHistory assigns id and delivery time and stores the entry.
	AppendHistory(ctx context.Context, entry models.NewHistoryEntry) (models.PraiseHistoryEntry, error)
	// RecentHistory returns up to limit entries for the user, newest first.
	RecentHistory(ctx context.Context, userID string, limit int) ([]models.PraiseHistoryEntry, error)
	// UpdateReaction records the first reaction for an entry. Later calls return
	// ErrReactionAlreadySet; unknown ids return ErrHistoryNotFound.
	UpdateReaction(ctx context.Context, entryID string, reaction models.Reaction) error
}

// Store bundles every repository a backend provides.
type Store interface {
	ScriptRepo
	PreferenceStore
	HistoryLedger
	OutboxRepo
	Close() error
}

// Opts holds configuration options for the stores.
type Opts struct {
	DSN string
	Now func() time.Time
}

// Option defines a configuration option for the stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithClock overrides the time source used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend matching the configured DSN: PostgreSQL, SQLite, or the
// in-memory store when no DSN is set.
func Open(opts ...Option) (Store, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(opts...), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("store.Open: using PostgreSQL store")
		return NewPostgresStore(opts...)
	}
	slog.Debug("store.Open: using SQLite store", "path", cfg.DSN)
	return NewSQLiteStore(opts...)
}
