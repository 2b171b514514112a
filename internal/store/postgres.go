// Package store provides storage backends for TaskDOM.
//
// This file implements a PostgreSQL-backed store for scripts, preferences and history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: cfg.Now}, nil
}

func (s *PostgresStore) QueryScripts(ctx context.Context, filter ScriptFilter) ([]models.PraiseScript, error) {
	query := `SELECT ` + scriptColumns + ` FROM praise_scripts WHERE is_active = TRUE`
	var args []interface{}
	if filter.Category != nil {
		args = append(args, string(*filter.Category))
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if filter.TriggerType != nil {
		args = append(args, string(*filter.TriggerType))
		query += fmt.Sprintf(` AND trigger_type = $%d`, len(args))
	}
	if !filter.AllowExplicit {
		query += ` AND is_explicit = FALSE`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore QueryScripts failed", "error", err)
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	defer rows.Close()
	return scanScripts(rows)
}

func (s *PostgresStore) GetScript(ctx context.Context, id string) (*models.PraiseScript, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM praise_scripts WHERE id = $1`, id)
	sc, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetScript failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get script %s: %w", id, err)
	}
	return &sc, nil
}

func (s *PostgresStore) SaveScript(ctx context.Context, script models.PraiseScript) error {
	now := s.now()
	created := script.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO praise_scripts (`+scriptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			sub_category = EXCLUDED.sub_category,
			vibe_tone = EXCLUDED.vibe_tone,
			text = EXCLUDED.text,
			audio_ref = EXCLUDED.audio_ref,
			trigger_type = EXCLUDED.trigger_type,
			is_explicit = EXCLUDED.is_explicit,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		script.ID, string(script.Category), script.SubCategory, script.VibeTone, script.Text, script.AudioRef,
		string(script.TriggerType), script.IsExplicit, script.IsActive, created, now)
	if err != nil {
		slog.Error("PostgresStore SaveScript failed", "error", err, "id", script.ID)
		return fmt.Errorf("failed to save script %s: %w", script.ID, err)
	}
	slog.Debug("PostgresStore SaveScript succeeded", "id", script.ID, "category", script.Category)
	return nil
}

func (s *PostgresStore) ListScripts(ctx context.Context, includeInactive bool) ([]models.PraiseScript, error) {
	query := `SELECT ` + scriptColumns + ` FROM praise_scripts`
	if !includeInactive {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("PostgresStore ListScripts failed", "error", err)
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	defer rows.Close()
	return scanScripts(rows)
}

func (s *PostgresStore) SetScriptActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE praise_scripts SET is_active = $1, updated_at = $2 WHERE id = $3`, active, s.now(), id)
	if err != nil {
		slog.Error("PostgresStore SetScriptActive failed", "error", err, "id", id)
		return fmt.Errorf("failed to update script %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM praise_preferences WHERE user_id = $1`, userID)
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetPreferences not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPreferences failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get preferences for %s: %w", userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPreferences(ctx context.Context, userID string, update models.PreferencesUpdate) (*models.UserPraisePreferences, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin preferences transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	p, err := scanPreferences(tx.QueryRowContext(ctx,
		`SELECT `+preferenceColumns+` FROM praise_preferences WHERE user_id = $1 FOR UPDATE`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		p = models.DefaultPreferences(userID, now)
	} else if err != nil {
		slog.Error("PostgresStore UpsertPreferences lookup failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	update.Apply(&p, now)

	categories, err := encodeCategories(p.PreferredCategories)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO praise_preferences (`+preferenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			preferred_categories = EXCLUDED.preferred_categories,
			delivery_method = EXCLUDED.delivery_method,
			frequency_setting = EXCLUDED.frequency_setting,
			explicit_enabled = EXCLUDED.explicit_enabled,
			voice_enabled = EXCLUDED.voice_enabled,
			voice_type = EXCLUDED.voice_type,
			relay_to = EXCLUDED.relay_to,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, categories, string(p.DeliveryMethod), string(p.FrequencySetting), p.ExplicitEnabled,
		p.VoiceEnabled, p.VoiceType, p.RelayTo, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertPreferences failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to save preferences for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit preferences for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore UpsertPreferences succeeded", "userID", userID)
	return &p, nil
}

func (s *PostgresStore) InitializeDefaults(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	p := models.DefaultPreferences(userID, s.now())
	categories, err := encodeCategories(p.PreferredCategories)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO praise_preferences (`+preferenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, categories, string(p.DeliveryMethod), string(p.FrequencySetting), p.ExplicitEnabled,
		p.VoiceEnabled, p.VoiceType, p.RelayTo, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore InitializeDefaults failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to initialize preferences for %s: %w", userID, err)
	}
	return s.GetPreferences(ctx, userID)
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry models.NewHistoryEntry) (models.PraiseHistoryEntry, error) {
	e := models.PraiseHistoryEntry{
		ID:             util.GenerateHistoryID(),
		UserID:         entry.UserID,
		ScriptID:       entry.ScriptID,
		TriggerEvent:   entry.TriggerEvent,
		TriggerContext: entry.TriggerContext,
		DeliveredAt:    s.now(),
	}
	contextJSON, err := encodeContext(entry.TriggerContext)
	if err != nil {
		return e, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO praise_history (id, user_id, script_id, trigger_event, trigger_context, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, e.ScriptID, string(e.TriggerEvent), contextJSON, e.DeliveredAt)
	if err != nil {
		slog.Error("PostgresStore AppendHistory failed", "error", err, "userID", e.UserID, "scriptID", e.ScriptID)
		return e, fmt.Errorf("failed to append history for %s: %w", e.UserID, err)
	}
	slog.Debug("PostgresStore AppendHistory succeeded", "id", e.ID, "userID", e.UserID, "trigger", e.TriggerEvent)
	return e, nil
}

func (s *PostgresStore) RecentHistory(ctx context.Context, userID string, limit int) ([]models.PraiseHistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM praise_history WHERE user_id = $1 ORDER BY delivered_at DESC, seq DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore RecentHistory failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query history for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

func (s *PostgresStore) UpdateReaction(ctx context.Context, entryID string, reaction models.Reaction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_history SET user_reaction = $1, reacted_at = $2 WHERE id = $3 AND user_reaction IS NULL`,
		string(reaction), s.now(), entryID)
	if err != nil {
		slog.Error("PostgresStore UpdateReaction failed", "error", err, "id", entryID)
		return fmt.Errorf("failed to update reaction for %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var id string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM praise_history WHERE id = $1`, entryID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrHistoryNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up history entry %s: %w", entryID, err)
	}
	return ErrReactionAlreadySet
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
