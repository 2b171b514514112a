package store

import (
	"context"
	"errors"
	"time"
)

// RelayStatus is the lifecycle state of a relayed praise message.
type RelayStatus string

const (
	RelayStatusQueued   RelayStatus = "queued"
	RelayStatusSending  RelayStatus = "sending"
	RelayStatusSent     RelayStatus = "sent"
	RelayStatusFailed   RelayStatus = "failed"
	RelayStatusCanceled RelayStatus = "canceled"
)

// Terminal reports whether no further send will be attempted.
func (s RelayStatus) Terminal() bool {
	return s == RelayStatusSent || s == RelayStatusFailed || s == RelayStatusCanceled
}

// DefaultRelayMaxAttempts is the number of send attempts before a relay is marked failed.
const DefaultRelayMaxAttempts = 5

// ErrUndeliverable marks a send error that retrying cannot fix. The sender cancels
// such relays instead of scheduling a retry.
var ErrUndeliverable = errors.New("relay undeliverable")

// ErrRelayNotFound is returned when a relay id matches no row.
var ErrRelayNotFound = errors.New("relay not found")

// RelayMessage is one praise notification queued for delivery to a phone.
// NotificationID is unique among live (non-sent, non-canceled) relays so a
// notification shown twice is still relayed once.
type RelayMessage struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	NotificationID string      `json:"notification_id"`
	Recipient      string      `json:"recipient"`
	Body           string      `json:"body"`
	Status         RelayStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
	LockedAt       *time.Time  `json:"-"`
	LastError      string      `json:"last_error,omitempty"`
	SentAt         *time.Time  `json:"sent_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// OutboxRepo persists relay messages between the orchestrator and the OutboxSender.
type OutboxRepo interface {
	// EnqueueRelay stores msg as queued and returns its id. When a live relay for the
	// same NotificationID exists, its id is returned and nothing is written.
	EnqueueRelay(ctx context.Context, msg RelayMessage) (string, error)

	// ClaimDueRelays moves up to limit queued relays that are due at now to sending,
	// oldest first, and returns them.
	ClaimDueRelays(ctx context.Context, now time.Time, limit int) ([]RelayMessage, error)

	// MarkRelaySent records a successful send.
	MarkRelaySent(ctx context.Context, id string, sentAt time.Time) error

	// FailRelay records a send error and requeues the relay for nextAttemptAt, or
	// marks it failed on the DefaultRelayMaxAttempts-th error.
	FailRelay(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// CancelRelay stops a relay that can never be delivered.
	CancelRelay(ctx context.Context, id string, reason string) error

	// RequeueStaleRelays returns relays claimed before staleBefore to queued,
	// recovering sends interrupted by a crash.
	RequeueStaleRelays(ctx context.Context, staleBefore time.Time) (int, error)

	// ListRelays returns a user's relays, newest first. limit <= 0 means no limit.
	ListRelays(ctx context.Context, userID string, limit int) ([]RelayMessage, error)
}
