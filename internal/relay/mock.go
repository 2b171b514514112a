package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TaskDOM/TaskDOM/internal/store"
)

// ErrRelayDisabled is returned by DisabledSender. It wraps store.ErrUndeliverable
// so the outbox cancels the relay instead of retrying it.
var ErrRelayDisabled = fmt.Errorf("%w: relay channel disabled", store.ErrUndeliverable)

// DisabledSender backs the "none" relay channel. It never delivers anything.
type DisabledSender struct{}

// SendMessage always fails with ErrRelayDisabled.
func (DisabledSender) SendMessage(ctx context.Context, to string, body string) error {
	return ErrRelayDisabled
}

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages instead of sending them.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error // returned by SendMessage when set
}

// NewMockSender creates a MockSender that accepts every message.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// SendMessage records the message, or returns Err when it is set.
func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	slog.Debug("MockSender.SendMessage", "to", to, "body_length", len(body))
	return nil
}

// Sent returns a copy of every recorded message.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
