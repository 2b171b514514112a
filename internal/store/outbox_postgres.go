package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/util"
)

var _ OutboxRepo = (*PostgresStore)(nil)

// EnqueueRelay relies on the partial unique index over live notification ids:
// a conflicting insert does nothing and the live row's id is read back.
func (s *PostgresStore) EnqueueRelay(ctx context.Context, msg RelayMessage) (string, error) {
	id := util.GenerateRelayID()
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO praise_relays (id, user_id, notification_id, recipient, body, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $6)
		 ON CONFLICT (notification_id) WHERE status NOT IN ('sent', 'canceled') DO NOTHING`,
		id, msg.UserID, nilIfEmpty(msg.NotificationID), msg.Recipient, msg.Body, now,
	)
	if err != nil {
		slog.Error("PostgresStore.EnqueueRelay: insert failed", "userID", msg.UserID, "error", err)
		return "", fmt.Errorf("failed to enqueue relay: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var live string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM praise_relays WHERE notification_id = $1 AND status NOT IN ('sent', 'canceled')`,
			msg.NotificationID,
		).Scan(&live)
		if err != nil {
			return "", fmt.Errorf("failed to look up relay for notification %s: %w", msg.NotificationID, err)
		}
		slog.Debug("PostgresStore.EnqueueRelay: notification already queued", "notification_id", msg.NotificationID, "relay_id", live)
		return live, nil
	}
	slog.Debug("PostgresStore.EnqueueRelay", "relay_id", id, "userID", msg.UserID)
	return id, nil
}

// ClaimDueRelays uses SKIP LOCKED so concurrent senders never claim the same row.
func (s *PostgresStore) ClaimDueRelays(ctx context.Context, now time.Time, limit int) ([]RelayMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE praise_relays SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM praise_relays
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+relayColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due relays: %w", err)
	}
	return scanRelays(rows)
}

func (s *PostgresStore) MarkRelaySent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET status = 'sent', sent_at = $1, locked_at = NULL, last_error = NULL, updated_at = $2 WHERE id = $3`,
		sentAt, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark relay %s sent: %w", id, err)
	}
	return relayAffected(res)
}

func (s *PostgresStore) FailRelay(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET
			status = CASE WHEN attempts + 1 >= $1 THEN 'failed' ELSE 'queued' END,
			attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4
		 WHERE id = $5`,
		DefaultRelayMaxAttempts, errMsg, nextAttemptAt, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record relay %s failure: %w", id, err)
	}
	return relayAffected(res)
}

func (s *PostgresStore) CancelRelay(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET status = 'canceled', last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		reason, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel relay %s: %w", id, err)
	}
	return relayAffected(res)
}

func (s *PostgresStore) RequeueStaleRelays(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE praise_relays SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		s.now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale relays: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRelays", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ListRelays(ctx context.Context, userID string, limit int) ([]RelayMessage, error) {
	query := `SELECT ` + relayColumns + ` FROM praise_relays WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relays for %s: %w", userID, err)
	}
	return scanRelays(rows)
}
