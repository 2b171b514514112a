package store

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultRelayBaseBackoff     = 10 * time.Second
	DefaultRelayMaxBackoff      = 10 * time.Minute
)

// RelaySendFunc delivers one relay message to its recipient.
type RelaySendFunc func(ctx context.Context, msg RelayMessage) error

// OutboxSenderOpts holds tunables for an OutboxSender.
type OutboxSenderOpts struct {
	StaleThreshold time.Duration
	ClaimLimit     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Clock          func() time.Time
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSenderOpts)

// WithStaleThreshold sets how long a claimed relay may stay in sending before
// RecoverStaleMessages requeues it.
func WithStaleThreshold(d time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.StaleThreshold = d }
}

// WithClaimLimit caps the relays claimed per poll.
func WithClaimLimit(n int) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.ClaimLimit = n }
}

// WithBackoff sets the first retry delay and the ceiling it doubles up to.
func WithBackoff(base, ceiling time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) {
		o.BaseBackoff = base
		o.MaxBackoff = ceiling
	}
}

// WithSenderClock overrides time.Now.
func WithSenderClock(now func() time.Time) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.Clock = now }
}

// PollResult counts what one poll did.
type PollResult struct {
	Sent     int
	Failed   int
	Canceled int
}

// OutboxSender drains due relays from an OutboxRepo through a RelaySendFunc.
type OutboxSender struct {
	repo         OutboxRepo
	send         RelaySendFunc
	pollInterval time.Duration
	opts         OutboxSenderOpts
}

// NewOutboxSender creates an OutboxSender polling every pollInterval
// (DefaultOutboxPollInterval when non-positive).
func NewOutboxSender(repo OutboxRepo, send RelaySendFunc, pollInterval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	cfg := OutboxSenderOpts{
		StaleThreshold: DefaultOutboxStaleThreshold,
		ClaimLimit:     DefaultOutboxClaimLimit,
		BaseBackoff:    DefaultRelayBaseBackoff,
		MaxBackoff:     DefaultRelayMaxBackoff,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OutboxSender{repo: repo, send: send, pollInterval: pollInterval, opts: cfg}
}

// Backoff returns the retry delay after a relay's attempts-th failure (zero based):
// the base delay doubled per prior attempt, capped at the maximum.
func (s *OutboxSender) Backoff(attempts int) time.Duration {
	d := s.opts.BaseBackoff
	for i := 0; i < attempts && d < s.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.opts.MaxBackoff)
}

// RecoverStaleMessages requeues relays left in sending by a previous run.
// Call it once before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleRelays(ctx, s.opts.Clock().Add(-s.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued interrupted relays", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled, then returns nil.
func (s *OutboxSender) Run(ctx context.Context) error {
	slog.Info("OutboxSender.Run: relaying praise", "poll_interval", s.pollInterval, "claim_limit", s.opts.ClaimLimit)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims one batch of due relays and sends each. Errors wrapping
// ErrUndeliverable cancel the relay; other errors schedule a retry.
func (s *OutboxSender) Poll(ctx context.Context) PollResult {
	var res PollResult
	now := s.opts.Clock()
	msgs, err := s.repo.ClaimDueRelays(ctx, now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return res
	}

	for _, msg := range msgs {
		err := s.send(ctx, msg)
		switch {
		case err == nil:
			if err := s.repo.MarkRelaySent(ctx, msg.ID, s.opts.Clock()); err != nil {
				slog.Error("OutboxSender.Poll: mark sent failed", "relay_id", msg.ID, "error", err)
				continue
			}
			res.Sent++
			slog.Debug("OutboxSender.Poll: praise relayed", "relay_id", msg.ID, "notification_id", msg.NotificationID, "userID", msg.UserID)
		case errors.Is(err, ErrUndeliverable):
			slog.Warn("OutboxSender.Poll: relay undeliverable", "relay_id", msg.ID, "userID", msg.UserID, "error", err)
			if err := s.repo.CancelRelay(ctx, msg.ID, err.Error()); err != nil {
				slog.Error("OutboxSender.Poll: cancel failed", "relay_id", msg.ID, "error", err)
				continue
			}
			res.Canceled++
		default:
			retryAt := now.Add(s.Backoff(msg.Attempts))
			slog.Error("OutboxSender.Poll: send failed", "relay_id", msg.ID, "attempts", msg.Attempts+1, "retry_at", retryAt, "error", err)
			if err := s.repo.FailRelay(ctx, msg.ID, err.Error(), retryAt); err != nil {
				slog.Error("OutboxSender.Poll: recording failure failed", "relay_id", msg.ID, "error", err)
				continue
			}
			res.Failed++
		}
	}
	return res
}
