package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/TaskDOM/TaskDOM/internal/store"
)

// WhatsApp client defaults
const (
	// DefaultWhatsAppDBPath is the whatsmeow device store used when no DSN is given.
	DefaultWhatsAppDBPath = "/var/lib/taskdom/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppOpts configures the whatsmeow device store and login output.
type WhatsAppOpts struct {
	DBDSN       string
	QRPath      string // write the login QR code here instead of stdout
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// WhatsAppOption configures a WhatsAppSender.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow database connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppSender sends praise directly through a linked WhatsApp device.
type WhatsAppSender struct {
	waClient *whatsmeow.Client
}

// NewWhatsAppSender opens the device store, logs in via QR code on first use and
// connects.
func NewWhatsAppSender(ctx context.Context, opts ...WhatsAppOption) (*WhatsAppSender, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultWhatsAppDBPath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dsn)
	}
	driver := store.DetectDSNType(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsApp SQLite store should enable foreign keys",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp relay connected")
	return &WhatsAppSender{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg WhatsAppOpts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends body to the canonical number to.
func (s *WhatsAppSender) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	msg := &waE2E.Message{Conversation: &body}
	if _, err := s.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		slog.Error("WhatsAppSender.SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsAppSender.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// Close disconnects from WhatsApp.
func (s *WhatsAppSender) Close() {
	s.waClient.Disconnect()
}
