// Package api provides the HTTP server for TaskDOM praise delivery.
//
// It exposes endpoints for triggering and reacting to praise, managing preferences
// and curating the script catalog. Each user gets one orchestrator, created on first
// request and kept for the life of the process.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/genai"
	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/praise"
	"github.com/TaskDOM/TaskDOM/internal/store"
)

// Server defaults
const (
	DefaultAPIAddr         = ":8080"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
)

// ScriptDrafter generates new praise scripts. Implemented by *genai.Client.
type ScriptDrafter interface {
	DraftScript(ctx context.Context, req genai.DraftRequest) (models.PraiseScript, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Drafter  ScriptDrafter
	Display  praise.DisplayFunc
	Chooser  praise.Chooser
	Clock    func() time.Time
	Location *time.Location
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDrafter enables POST /scripts/generate.
func WithDrafter(d ScriptDrafter) Option {
	return func(o *Opts) { o.Drafter = d }
}

// WithDisplay sets the callback invoked whenever a notification becomes current.
func WithDisplay(fn praise.DisplayFunc) Option {
	return func(o *Opts) { o.Display = fn }
}

// WithChooser injects the selection random source.
func WithChooser(c praise.Chooser) Option {
	return func(o *Opts) { o.Chooser = c }
}

// WithClock injects the time source used for selection and notifications.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithLocation sets the time zone that defines a calendar day for frequency limits.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Server serves the praise HTTP API.
type Server struct {
	store    store.Store
	sessions *praise.Sessions
	drafter  ScriptDrafter
	addr     string
	mux      *http.ServeMux
}

// NewServer wires a selector and per-user orchestrators over st.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAPIAddr, Clock: time.Now, Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}

	selOpts := []praise.SelectorOption{praise.WithClock(cfg.Clock), praise.WithLocation(cfg.Location)}
	if cfg.Chooser != nil {
		selOpts = append(selOpts, praise.WithChooser(cfg.Chooser))
	}
	selector := praise.NewSelector(st, st, st, selOpts...)

	orchOpts := []praise.OrchestratorOption{praise.WithOrchestratorClock(cfg.Clock)}
	if cfg.Display != nil {
		orchOpts = append(orchOpts, praise.WithDisplay(cfg.Display))
	}

	s := &Server{
		store: st,
		sessions: praise.NewSessions(func(userID string) *praise.Orchestrator {
			return praise.NewOrchestrator(userID, selector, st, st, orchOpts...)
		}),
		drafter: cfg.Drafter,
		addr:    cfg.Addr,
		mux:     http.NewServeMux(),
	}
	s.routes()
	slog.Debug("NewServer: API server configured", "addr", s.addr, "genai", s.drafter != nil)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/praise/trigger", s.triggerHandler)
	s.mux.HandleFunc("/praise/current", s.currentHandler)
	s.mux.HandleFunc("/praise/dismiss", s.dismissHandler)
	s.mux.HandleFunc("/praise/react", s.reactHandler)
	s.mux.HandleFunc("/praise/history", s.historyHandler)
	s.mux.HandleFunc("/praise/relays", s.relaysHandler)
	s.mux.HandleFunc("/preferences", s.preferencesHandler)
	s.mux.HandleFunc("/scripts", s.scriptsHandler)
	s.mux.HandleFunc("/scripts/generate", s.generateScriptHandler)
	s.mux.HandleFunc("/scripts/{id}/active", s.scriptActiveHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: TaskDOM API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
			return err
		}
		<-errCh
		return nil
	}
}
