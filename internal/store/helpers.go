package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const scriptColumns = `id, category, sub_category, vibe_tone, text, audio_ref, trigger_type, is_explicit, is_active, created_at, updated_at`

const preferenceColumns = `user_id, preferred_categories, delivery_method, frequency_setting, explicit_enabled, voice_enabled, voice_type, relay_to, created_at, updated_at`

const historyColumns = `id, user_id, script_id, trigger_event, trigger_context, delivered_at, user_reaction, reacted_at`

const relayColumns = `id, user_id, notification_id, recipient, body, status, attempts, next_attempt_at, locked_at, last_error, sent_at, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanScript(row rowScanner) (models.PraiseScript, error) {
	var sc models.PraiseScript
	var category, trigger string
	err := row.Scan(&sc.ID, &category, &sc.SubCategory, &sc.VibeTone, &sc.Text, &sc.AudioRef,
		&trigger, &sc.IsExplicit, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return sc, err
	}
	sc.Category = models.Category(category)
	sc.TriggerType = models.TriggerType(trigger)
	return sc, nil
}

func scanScripts(rows *sql.Rows) ([]models.PraiseScript, error) {
	var out []models.PraiseScript
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan script failed: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate script rows failed: %w", err)
	}
	return out, nil
}

func scanPreferences(row rowScanner) (models.UserPraisePreferences, error) {
	var p models.UserPraisePreferences
	var categoriesJSON, delivery, frequency string
	err := row.Scan(&p.UserID, &categoriesJSON, &delivery, &frequency, &p.ExplicitEnabled,
		&p.VoiceEnabled, &p.VoiceType, &p.RelayTo, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.DeliveryMethod = models.DeliveryMethod(delivery)
	p.FrequencySetting = models.FrequencySetting(frequency)
	p.PreferredCategories = []models.Category{}
	if categoriesJSON != "" {
		if err := json.Unmarshal([]byte(categoriesJSON), &p.PreferredCategories); err != nil {
			slog.Error("scanPreferences: preferred categories unmarshal failed", "error", err, "userID", p.UserID)
			// Continue with no category narrowing rather than failing
			p.PreferredCategories = []models.Category{}
		}
	}
	return p, nil
}

func encodeCategories(categories []models.Category) (string, error) {
	if categories == nil {
		categories = []models.Category{}
	}
	b, err := json.Marshal(categories)
	if err != nil {
		return "", fmt.Errorf("marshal preferred categories failed: %w", err)
	}
	return string(b), nil
}

func scanHistory(row rowScanner) (models.PraiseHistoryEntry, error) {
	var e models.PraiseHistoryEntry
	var trigger string
	var contextJSON, reaction sql.NullString
	var reactedAt sql.NullTime
	err := row.Scan(&e.ID, &e.UserID, &e.ScriptID, &trigger, &contextJSON, &e.DeliveredAt, &reaction, &reactedAt)
	if err != nil {
		return e, err
	}
	e.TriggerEvent = models.TriggerType(trigger)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.TriggerContext); err != nil {
			slog.Error("scanHistory: trigger context unmarshal failed", "error", err, "id", e.ID)
			e.TriggerContext = nil
		}
	}
	if reaction.Valid {
		r := models.Reaction(reaction.String)
		e.UserReaction = &r
	}
	if reactedAt.Valid {
		e.ReactedAt = &reactedAt.Time
	}
	return e, nil
}

func scanHistoryRows(rows *sql.Rows) ([]models.PraiseHistoryEntry, error) {
	var out []models.PraiseHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows failed: %w", err)
	}
	return out, nil
}

// encodeContext returns nil for an empty context so the column stays NULL.
func encodeContext(ctx map[string]string) (interface{}, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger context failed: %w", err)
	}
	return string(b), nil
}

// scanRelay reads one relayColumns row.
func scanRelay(row rowScanner) (RelayMessage, error) {
	var m RelayMessage
	var status string
	var notificationID, lastError sql.NullString
	var nextAttemptAt, lockedAt, sentAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &notificationID, &m.Recipient, &m.Body, &status, &m.Attempts,
		&nextAttemptAt, &lockedAt, &lastError, &sentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan relay failed: %w", err)
	}
	m.Status = RelayStatus(status)
	m.NotificationID = notificationID.String
	m.LastError = lastError.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.LockedAt = timePtr(lockedAt)
	m.SentAt = timePtr(sentAt)
	return m, nil
}

// scanRelays drains rows into a slice.
func scanRelays(rows *sql.Rows) ([]RelayMessage, error) {
	defer rows.Close()
	var out []RelayMessage
	for rows.Next() {
		m, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay rows: %w", err)
	}
	return out, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// relayAffected maps an update that touched no row to ErrRelayNotFound.
func relayAffected(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRelayNotFound
	}
	return nil
}
