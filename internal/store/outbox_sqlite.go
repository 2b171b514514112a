package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/util"
)

var _ OutboxRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueRelay(ctx context.Context, msg RelayMessage) (string, error) {
	if msg.NotificationID != "" {
		var live string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM praise_relays WHERE notification_id = ? AND status NOT IN ('sent', 'canceled')`,
			msg.NotificationID,
		).Scan(&live)
		switch {
		case err == nil:
			slog.Debug("SQLiteStore.EnqueueRelay: notification already queued", "notification_id", msg.NotificationID, "relay_id", live)
			return live, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("failed to look up relay for notification %s: %w", msg.NotificationID, err)
		}
	}

	id := util.GenerateRelayID()
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO praise_relays (id, user_id, notification_id, recipient, body, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?)`,
		id, msg.UserID, nilIfEmpty(msg.NotificationID), msg.Recipient, msg.Body, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.EnqueueRelay: insert failed", "userID", msg.UserID, "error", err)
		return "", fmt.Errorf("failed to enqueue relay: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueRelay", "relay_id", id, "userID", msg.UserID)
	return id, nil
}

// ClaimDueRelays selects and marks inside one transaction; SQLite serialises writers,
// so no row-level locking is needed.
func (s *SQLiteStore) ClaimDueRelays(ctx context.Context, now time.Time, limit int) ([]RelayMessage, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin relay claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+relayColumns+` FROM praise_relays
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due relays: %w", err)
	}
	due, err := scanRelays(rows)
	if err != nil {
		return nil, err
	}

	for i := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE praise_relays SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, due[i].ID,
		); err != nil {
			return nil, fmt.Errorf("failed to claim relay %s: %w", due[i].ID, err)
		}
		locked := now
		due[i].Status = RelayStatusSending
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit relay claim: %w", err)
	}
	return due, nil
}

func (s *SQLiteStore) MarkRelaySent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET status = 'sent', sent_at = ?, locked_at = NULL, last_error = NULL, updated_at = ? WHERE id = ?`,
		sentAt.UTC(), s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark relay %s sent: %w", id, err)
	}
	return relayAffected(res)
}

func (s *SQLiteStore) FailRelay(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
			attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		DefaultRelayMaxAttempts, errMsg, nextAttemptAt.UTC(), s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record relay %s failure: %w", id, err)
	}
	return relayAffected(res)
}

func (s *SQLiteStore) CancelRelay(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET status = 'canceled', last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		reason, s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel relay %s: %w", id, err)
	}
	return relayAffected(res)
}

func (s *SQLiteStore) RequeueStaleRelays(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		s.stamp(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale relays: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRelays", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListRelays(ctx context.Context, userID string, limit int) ([]RelayMessage, error) {
	query := `SELECT ` + relayColumns + ` FROM praise_relays WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relays for %s: %w", userID, err)
	}
	return scanRelays(rows)
}
