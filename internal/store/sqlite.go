// Package store provides storage backends for TaskDOM.
//
// This file implements an SQLite-backed store for scripts, preferences and history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: cfg.Now}, nil
}

// stamp returns the current time in UTC so stored timestamps compare lexically.
func (s *SQLiteStore) stamp() time.Time {
	return s.now().UTC()
}

func (s *SQLiteStore) QueryScripts(ctx context.Context, filter ScriptFilter) ([]models.PraiseScript, error) {
	query := `SELECT ` + scriptColumns + ` FROM praise_scripts WHERE is_active = 1`
	var args []interface{}
	if filter.Category != nil {
		query += ` AND category = ?`
		args = append(args, string(*filter.Category))
	}
	if filter.TriggerType != nil {
		query += ` AND trigger_type = ?`
		args = append(args, string(*filter.TriggerType))
	}
	if !filter.AllowExplicit {
		query += ` AND is_explicit = 0`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore QueryScripts failed", "error", err)
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	defer rows.Close()
	return scanScripts(rows)
}

func (s *SQLiteStore) GetScript(ctx context.Context, id string) (*models.PraiseScript, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM praise_scripts WHERE id = ?`, id)
	sc, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetScript failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get script %s: %w", id, err)
	}
	return &sc, nil
}

func (s *SQLiteStore) SaveScript(ctx context.Context, script models.PraiseScript) error {
	now := s.stamp()
	created := script.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO praise_scripts (`+scriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			sub_category = excluded.sub_category,
			vibe_tone = excluded.vibe_tone,
			text = excluded.text,
			audio_ref = excluded.audio_ref,
			trigger_type = excluded.trigger_type,
			is_explicit = excluded.is_explicit,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		script.ID, string(script.Category), script.SubCategory, script.VibeTone, script.Text, script.AudioRef,
		string(script.TriggerType), script.IsExplicit, script.IsActive, created.UTC(), now)
	if err != nil {
		slog.Error("SQLiteStore SaveScript failed", "error", err, "id", script.ID)
		return fmt.Errorf("failed to save script %s: %w", script.ID, err)
	}
	slog.Debug("SQLiteStore SaveScript succeeded", "id", script.ID, "category", script.Category)
	return nil
}

func (s *SQLiteStore) ListScripts(ctx context.Context, includeInactive bool) ([]models.PraiseScript, error) {
	query := `SELECT ` + scriptColumns + ` FROM praise_scripts`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("SQLiteStore ListScripts failed", "error", err)
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	defer rows.Close()
	return scanScripts(rows)
}

func (s *SQLiteStore) SetScriptActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE praise_scripts SET is_active = ?, updated_at = ? WHERE id = ?`, active, s.stamp(), id)
	if err != nil {
		slog.Error("SQLiteStore SetScriptActive failed", "error", err, "id", id)
		return fmt.Errorf("failed to update script %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM praise_preferences WHERE user_id = ?`, userID)
	p, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetPreferences not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPreferences failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get preferences for %s: %w", userID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertPreferences(ctx context.Context, userID string, update models.PreferencesUpdate) (*models.UserPraisePreferences, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin preferences transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	p, err := scanPreferences(tx.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM praise_preferences WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		p = models.DefaultPreferences(userID, now)
	} else if err != nil {
		slog.Error("SQLiteStore UpsertPreferences lookup failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	update.Apply(&p, now)

	if err := s.writePreferences(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit preferences for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore UpsertPreferences succeeded", "userID", userID)
	return &p, nil
}

func (s *SQLiteStore) InitializeDefaults(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	p := models.DefaultPreferences(userID, s.stamp())
	categories, err := encodeCategories(p.PreferredCategories)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO praise_preferences (`+preferenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, categories, string(p.DeliveryMethod), string(p.FrequencySetting), p.ExplicitEnabled,
		p.VoiceEnabled, p.VoiceType, p.RelayTo, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore InitializeDefaults failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to initialize preferences for %s: %w", userID, err)
	}
	return s.GetPreferences(ctx, userID)
}

func (s *SQLiteStore) writePreferences(ctx context.Context, tx *sql.Tx, p models.UserPraisePreferences) error {
	categories, err := encodeCategories(p.PreferredCategories)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO praise_preferences (`+preferenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, categories, string(p.DeliveryMethod), string(p.FrequencySetting), p.ExplicitEnabled,
		p.VoiceEnabled, p.VoiceType, p.RelayTo, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore writePreferences failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save preferences for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, entry models.NewHistoryEntry) (models.PraiseHistoryEntry, error) {
	e := models.PraiseHistoryEntry{
		ID:             util.GenerateHistoryID(),
		UserID:         entry.UserID,
		ScriptID:       entry.ScriptID,
		TriggerEvent:   entry.TriggerEvent,
		TriggerContext: entry.TriggerContext,
		DeliveredAt:    s.stamp(),
	}
	contextJSON, err := encodeContext(entry.TriggerContext)
	if err != nil {
		return e, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO praise_history (id, user_id, script_id, trigger_event, trigger_context, delivered_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM praise_history))`,
		e.ID, e.UserID, e.ScriptID, string(e.TriggerEvent), contextJSON, e.DeliveredAt)
	if err != nil {
		slog.Error("SQLiteStore AppendHistory failed", "error", err, "userID", e.UserID, "scriptID", e.ScriptID)
		return e, fmt.Errorf("failed to append history for %s: %w", e.UserID, err)
	}
	slog.Debug("SQLiteStore AppendHistory succeeded", "id", e.ID, "userID", e.UserID, "trigger", e.TriggerEvent)
	return e, nil
}

func (s *SQLiteStore) RecentHistory(ctx context.Context, userID string, limit int) ([]models.PraiseHistoryEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM praise_history WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentHistory failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query history for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

func (s *SQLiteStore) UpdateReaction(ctx context.Context, entryID string, reaction models.Reaction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_history SET user_reaction = ?, reacted_at = ? WHERE id = ? AND user_reaction IS NULL`,
		string(reaction), s.stamp(), entryID)
	if err != nil {
		slog.Error("SQLiteStore UpdateReaction failed", "error", err, "id", entryID)
		return fmt.Errorf("failed to update reaction for %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var id string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM praise_history WHERE id = ?`, entryID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrHistoryNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up history entry %s: %w", entryID, err)
	}
	return ErrReactionAlreadySet
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
