package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func relayFor(userID, notificationID string) RelayMessage {
	return RelayMessage{UserID: userID, NotificationID: notificationID, Recipient: "15551234567", Body: "Nice work"}
}

func TestStore_RelayEnqueueAndClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1"))
		if err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		if id == "" {
			t.Fatal("EnqueueRelay returned empty ID")
		}

		// a live relay for the same notification is reused
		dupID, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1"))
		if err != nil {
			t.Fatalf("EnqueueRelay(dup) failed: %v", err)
		}
		if dupID != id {
			t.Errorf("expected %s for the same notification, got %s", id, dupID)
		}

		msgs, err := s.ClaimDueRelays(ctx, time.Now().Add(time.Second), 10)
		if err != nil {
			t.Fatalf("ClaimDueRelays failed: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 claimed relay, got %d", len(msgs))
		}
		m := msgs[0]
		if m.ID != id || m.NotificationID != "notif-1" || m.Recipient != "15551234567" || m.Status != RelayStatusSending || m.LockedAt == nil {
			t.Errorf("unexpected claimed relay: %+v", m)
		}

		if again, _ := s.ClaimDueRelays(ctx, time.Now().Add(time.Second), 10); len(again) != 0 {
			t.Errorf("expected a claimed relay not to be claimed twice, got %d", len(again))
		}

		sentAt := time.Now().UTC().Truncate(time.Second)
		if err := s.MarkRelaySent(ctx, id, sentAt); err != nil {
			t.Fatalf("MarkRelaySent failed: %v", err)
		}
		list, err := s.ListRelays(ctx, "u1", 0)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListRelays = %d, %v; want 1 relay", len(list), err)
		}
		if list[0].Status != RelayStatusSent || list[0].SentAt == nil || !list[0].SentAt.Equal(sentAt) {
			t.Errorf("expected relay sent at %s, got %+v", sentAt, list[0])
		}

		// once sent, the notification may be relayed again
		newID, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1"))
		if err != nil {
			t.Fatalf("EnqueueRelay(after sent) failed: %v", err)
		}
		if newID == id {
			t.Error("expected a new relay after the previous one was sent")
		}
	})
}

func TestStore_RelayWithoutNotificationIsNeverMerged(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.EnqueueRelay(ctx, relayFor("u1", ""))
		if err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		b, err := s.EnqueueRelay(ctx, relayFor("u1", ""))
		if err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		if a == b {
			t.Error("expected distinct relays without a notification id")
		}
	})
}

func TestStore_RelayFailAndRetry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1"))
		if err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		now := time.Now()

		if msgs, _ := s.ClaimDueRelays(ctx, now.Add(time.Second), 10); len(msgs) != 1 {
			t.Fatalf("expected 1 claimed relay, got %d", len(msgs))
		}
		if err := s.FailRelay(ctx, id, "relay down", now.Add(time.Hour)); err != nil {
			t.Fatalf("FailRelay failed: %v", err)
		}

		if msgs, _ := s.ClaimDueRelays(ctx, now.Add(time.Minute), 10); len(msgs) != 0 {
			t.Errorf("expected backoff to delay the retry, got %d", len(msgs))
		}
		msgs, _ := s.ClaimDueRelays(ctx, now.Add(2*time.Hour), 10)
		if len(msgs) != 1 {
			t.Fatalf("expected retry after backoff, got %d", len(msgs))
		}
		if msgs[0].Attempts != 1 || msgs[0].LastError != "relay down" {
			t.Errorf("unexpected retry state: %+v", msgs[0])
		}
	})
}

func TestStore_RelayFailsAfterMaxAttempts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1"))
		if err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		at := time.Now()
		for i := 0; i < DefaultRelayMaxAttempts; i++ {
			msgs, err := s.ClaimDueRelays(ctx, at.Add(time.Second), 10)
			if err != nil || len(msgs) != 1 {
				t.Fatalf("attempt %d: expected one claim, got %d (%v)", i, len(msgs), err)
			}
			if err := s.FailRelay(ctx, id, "relay down", at); err != nil {
				t.Fatalf("FailRelay failed: %v", err)
			}
		}
		if msgs, _ := s.ClaimDueRelays(ctx, at.Add(time.Hour), 10); len(msgs) != 0 {
			t.Errorf("expected relay failed for good, got %d claims", len(msgs))
		}
		list, _ := s.ListRelays(ctx, "u1", 0)
		if len(list) != 1 || list[0].Status != RelayStatusFailed || list[0].Attempts != DefaultRelayMaxAttempts {
			t.Errorf("expected one failed relay, got %+v", list)
		}
	})
}

func TestStore_RelayCancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1"))
		if err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		if err := s.CancelRelay(ctx, id, "bad number"); err != nil {
			t.Fatalf("CancelRelay failed: %v", err)
		}
		if msgs, _ := s.ClaimDueRelays(ctx, time.Now().Add(time.Hour), 10); len(msgs) != 0 {
			t.Errorf("expected canceled relay not to be claimed, got %d", len(msgs))
		}
		list, _ := s.ListRelays(ctx, "u1", 0)
		if len(list) != 1 || list[0].Status != RelayStatusCanceled || list[0].LastError != "bad number" {
			t.Errorf("unexpected canceled relay: %+v", list)
		}
		if !list[0].Status.Terminal() {
			t.Error("expected canceled to be terminal")
		}

		for name, err := range map[string]error{
			"sent":   s.MarkRelaySent(ctx, "pr_missing", time.Now()),
			"fail":   s.FailRelay(ctx, "pr_missing", "x", time.Now()),
			"cancel": s.CancelRelay(ctx, "pr_missing", "x"),
		} {
			if !errors.Is(err, ErrRelayNotFound) {
				t.Errorf("%s on unknown relay: expected ErrRelayNotFound, got %v", name, err)
			}
		}
	})
}

func TestStore_RelayRequeueStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.EnqueueRelay(ctx, relayFor("u1", "notif-1")); err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
		claimedAt := time.Now()
		if msgs, _ := s.ClaimDueRelays(ctx, claimedAt, 10); len(msgs) != 1 {
			t.Fatalf("expected 1 claimed relay, got %d", len(msgs))
		}

		n, err := s.RequeueStaleRelays(ctx, claimedAt.Add(-time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleRelays failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected fresh claim to stay locked, requeued %d", n)
		}

		n, err = s.RequeueStaleRelays(ctx, claimedAt.Add(time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleRelays failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 stale relay requeued, got %d", n)
		}
		if msgs, _ := s.ClaimDueRelays(ctx, claimedAt.Add(time.Minute), 10); len(msgs) != 1 {
			t.Errorf("expected requeued relay to be claimable, got %d", len(msgs))
		}
	})
}

func TestStore_ListRelays(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := s.EnqueueRelay(ctx, relayFor("u1", fmt.Sprintf("n-%d", i))); err != nil {
				t.Fatalf("EnqueueRelay failed: %v", err)
			}
		}
		if _, err := s.EnqueueRelay(ctx, relayFor("u2", "other")); err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}

		all, err := s.ListRelays(ctx, "u1", 0)
		if err != nil {
			t.Fatalf("ListRelays failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 relays for u1, got %d", len(all))
		}
		for _, m := range all {
			if m.UserID != "u1" {
				t.Errorf("unexpected relay for %s", m.UserID)
			}
		}
		if limited, _ := s.ListRelays(ctx, "u1", 2); len(limited) != 2 {
			t.Errorf("expected limit 2, got %d", len(limited))
		}
		if none, _ := s.ListRelays(ctx, "nobody", 0); len(none) != 0 {
			t.Errorf("expected no relays, got %d", len(none))
		}
	})
}

func TestOutboxSender_Backoff(t *testing.T) {
	s := NewOutboxSender(NewInMemoryStore(), nil, 0, WithBackoff(10*time.Second, time.Minute))
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		if got := s.Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestOutboxSender_Poll(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	okID, _ := st.EnqueueRelay(ctx, relayFor("u1", "ok"))
	badID, _ := st.EnqueueRelay(ctx, relayFor("u1", "bad"))
	goneID, _ := st.EnqueueRelay(ctx, relayFor("u1", "gone"))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	sender := NewOutboxSender(st, func(ctx context.Context, msg RelayMessage) error {
		calls.Add(1)
		switch msg.ID {
		case badID:
			return errors.New("relay rejected")
		case goneID:
			return fmt.Errorf("%w: number disconnected", ErrUndeliverable)
		}
		return nil
	}, time.Second, WithSenderClock(func() time.Time { return now }), WithClaimLimit(5))

	res := sender.Poll(ctx)
	if res != (PollResult{Sent: 1, Failed: 1, Canceled: 1}) {
		t.Errorf("unexpected poll result: %+v", res)
	}

	list, _ := st.ListRelays(ctx, "u1", 0)
	for _, m := range list {
		switch m.ID {
		case okID:
			if m.Status != RelayStatusSent || m.SentAt == nil || !m.SentAt.Equal(now) {
				t.Errorf("expected %s sent at %s, got %+v", m.ID, now, m)
			}
		case badID:
			want := now.Add(DefaultRelayBaseBackoff)
			if m.Status != RelayStatusQueued || m.Attempts != 1 || m.NextAttemptAt == nil || !m.NextAttemptAt.Equal(want) || m.LastError != "relay rejected" {
				t.Errorf("expected %s queued for %s, got %+v", m.ID, want, m)
			}
		case goneID:
			if m.Status != RelayStatusCanceled {
				t.Errorf("expected %s canceled, got %s", m.ID, m.Status)
			}
		}
	}

	// nothing is due until the backoff elapses
	if res := sender.Poll(ctx); res != (PollResult{}) || calls.Load() != 3 {
		t.Errorf("expected no resend before backoff, got %+v after %d calls", res, calls.Load())
	}
	now = now.Add(DefaultRelayBaseBackoff)
	if res := sender.Poll(ctx); res.Failed != 1 || calls.Load() != 4 {
		t.Errorf("expected one retry after backoff, got %+v after %d calls", res, calls.Load())
	}
}

func TestOutboxSender_ClaimLimit(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := st.EnqueueRelay(ctx, relayFor("u1", fmt.Sprintf("n-%d", i))); err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
	}
	sender := NewOutboxSender(st, func(context.Context, RelayMessage) error { return nil }, time.Second, WithClaimLimit(2))
	if res := sender.Poll(ctx); res.Sent != 2 {
		t.Errorf("expected 2 sent in the first batch, got %+v", res)
	}
	if res := sender.Poll(ctx); res.Sent != 1 {
		t.Errorf("expected the remaining relay in the second batch, got %+v", res)
	}
}

func TestOutboxSender_RunStopsOnCancel(t *testing.T) {
	st := NewInMemoryStore()
	sent := make(chan string, 1)
	sender := NewOutboxSender(st, func(ctx context.Context, msg RelayMessage) error {
		sent <- msg.Body
		return nil
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sender.Run(ctx) }()

	if _, err := st.EnqueueRelay(ctx, relayFor("u1", "n-1")); err != nil {
		t.Fatalf("EnqueueRelay failed: %v", err)
	}
	select {
	case body := <-sent:
		if body != "Nice work" {
			t.Errorf("expected Nice work, got %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOutboxSender_RecoverStaleMessages(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	if _, err := st.EnqueueRelay(ctx, relayFor("u1", "n-1")); err != nil {
		t.Fatalf("EnqueueRelay failed: %v", err)
	}
	if msgs, _ := st.ClaimDueRelays(ctx, time.Now().Add(-time.Hour), 10); len(msgs) != 1 {
		t.Fatalf("expected 1 claimed relay, got %d", len(msgs))
	}

	sender := NewOutboxSender(st, func(context.Context, RelayMessage) error { return nil }, time.Second, WithStaleThreshold(time.Minute))
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	if list, _ := st.ListRelays(ctx, "u1", 0); list[0].Status != RelayStatusQueued {
		t.Errorf("expected stale relay requeued, got %s", list[0].Status)
	}
}
