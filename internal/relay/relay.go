// Package relay forwards displayed praise to an external messaging channel.
//
// Notifications are written to the store's outbox when they become current; an
// OutboxSender drains the outbox through a Sender (Twilio, WhatsApp or a mock).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/store"
)

// Relay channel names accepted by TASKDOM_RELAY.
const (
	ChannelNone     = "none"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// DefaultEnqueueTimeout bounds the preference lookup and outbox write per notification.
const DefaultEnqueueTimeout = 2 * time.Second

// MinRecipientDigits is the shortest accepted phone number.
const MinRecipientDigits = 6

var (
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// phoneNumberRegex matches every non-digit character.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Sender delivers a text message to a canonical phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ValidateAndCanonicalizeRecipient strips every non-digit character from a phone number
// and requires at least MinRecipientDigits digits.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug("relay canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// FormatBody renders a notification as a relay message. The audio reference is
// appended when the delivery method includes audio.
func FormatBody(n models.PraiseNotification) string {
	body := n.Script.Text
	if n.DeliveryMethod.IncludesAudio() && n.Script.AudioRef != "" {
		body += "\n" + n.Script.AudioRef
	}
	return body
}

// Relay enqueues displayed notifications for users with a relay number.
type Relay struct {
	outbox  store.OutboxRepo
	prefs   store.PreferenceStore
	timeout time.Duration
}

// NewRelay creates a Relay writing to outbox.
func NewRelay(outbox store.OutboxRepo, prefs store.PreferenceStore) *Relay {
	return &Relay{outbox: outbox, prefs: prefs, timeout: DefaultEnqueueTimeout}
}

// Display is a praise.DisplayFunc. Users without a relay number are skipped; failures
// are logged because display never fails delivery.
func (r *Relay) Display(n models.PraiseNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.Enqueue(ctx, n); err != nil {
		slog.Warn("Relay.Display: relay enqueue failed", "userID", n.UserID, "notificationID", n.ID, "error", err)
	}
}

// Enqueue writes the notification to the outbox, keyed by notification id so a
// repeated display is sent once. It returns the outbox id, or "" when the user has no
// relay number.
func (r *Relay) Enqueue(ctx context.Context, n models.PraiseNotification) (string, error) {
	prefs, err := r.prefs.GetPreferences(ctx, n.UserID)
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}
	if prefs == nil || prefs.RelayTo == "" {
		slog.Debug("Relay.Enqueue: no relay number", "userID", n.UserID)
		return "", nil
	}
	to, err := ValidateAndCanonicalizeRecipient(prefs.RelayTo)
	if err != nil {
		return "", err
	}
	id, err := r.outbox.EnqueueRelay(ctx, store.RelayMessage{
		UserID:         n.UserID,
		NotificationID: n.ID,
		Recipient:      to,
		Body:           FormatBody(n),
	})
	if err != nil {
		return "", err
	}
	slog.Debug("Relay.Enqueue: praise queued for relay", "userID", n.UserID, "relay_id", id)
	return id, nil
}

// SendFunc adapts a Sender to the outbox sender callback. An empty body or a
// recipient that fails validation wraps store.ErrUndeliverable.
func SendFunc(sender Sender) store.RelaySendFunc {
	return func(ctx context.Context, msg store.RelayMessage) error {
		if msg.Body == "" {
			return fmt.Errorf("%w: %w", store.ErrUndeliverable, ErrEmptyBody)
		}
		to, err := ValidateAndCanonicalizeRecipient(msg.Recipient)
		if err != nil {
			return fmt.Errorf("%w: %w", store.ErrUndeliverable, err)
		}
		return sender.SendMessage(ctx, to, msg.Body)
	}
}
