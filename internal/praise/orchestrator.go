package praise

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/store"
)

// DefaultCallTimeout bounds each collaborator call made on behalf of a trigger.
const DefaultCallTimeout = 5 * time.Second

// DisplayFunc surfaces a notification to the user. It runs outside the queue lock,
// one call at a time and in promotion order, so it may block on I/O.
type DisplayFunc func(n models.PraiseNotification)

// TriggerRequest describes a praise-worthy event for the orchestrator's user.
type TriggerRequest struct {
	TriggerType   models.TriggerType
	Category      models.Category
	VibeHint      string
	ForceDelivery bool
	Context       map[string]string
}

// Orchestrator owns one user's notification flow: selection, history recording and
// a FIFO queue that shows at most one notification at a time.
type Orchestrator struct {
	userID   string
	selector ScriptSelector
	ledger   store.HistoryLedger
	prefs    store.PreferenceStore
	display  DisplayFunc
	now      func() time.Time
	timeout  time.Duration

	mu      sync.Mutex
	current *models.PraiseNotification
	queue   []models.PraiseNotification

	// promoted notifications waiting for display; showing is set while one
	// caller drains them
	shows   []models.PraiseNotification
	showing bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDisplay sets the callback invoked whenever a notification becomes current.
func WithDisplay(fn DisplayFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.display = fn }
}

// WithOrchestratorClock overrides the notification timestamp source.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// NewOrchestrator creates an idle orchestrator for userID. An empty userID is allowed
// and never delivers.
func NewOrchestrator(userID string, selector ScriptSelector, ledger store.HistoryLedger, prefs store.PreferenceStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		userID:   userID,
		selector: selector,
		ledger:   ledger,
		prefs:    prefs,
		display:  func(models.PraiseNotification) {},
		now:      time.Now,
		timeout:  DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UserID returns the user this orchestrator serves.
func (o *Orchestrator) UserID() string { return o.userID }

// callContext detaches from the caller's cancellation so a dropped request does not
// abandon a half-finished delivery, while still bounding the call.
func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
}

// Trigger asks for a praise and, if one is selected, records and surfaces it.
// The returned bool reports whether a notification was produced.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*models.PraiseNotification, bool) {
	if o.userID == "" {
		slog.Debug("Orchestrator.Trigger: no user, skipping")
		return nil, false
	}

	callCtx, cancel := o.callContext(ctx)
	defer cancel()

	script := o.selector.Select(callCtx, SelectRequest{
		UserID:        o.userID,
		TriggerType:   req.TriggerType,
		Category:      req.Category,
		VibeHint:      req.VibeHint,
		ForceDelivery: req.ForceDelivery,
	})
	if script == nil {
		return nil, false
	}

	n := models.PraiseNotification{
		ID:             uuid.NewString(),
		UserID:         o.userID,
		Script:         *script,
		DeliveryMethod: o.deliveryMethod(callCtx),
		Timestamp:      o.now(),
		Context:        maps.Clone(req.Context),
	}

	entry, err := o.ledger.AppendHistory(callCtx, models.NewHistoryEntry{
		UserID:         o.userID,
		ScriptID:       script.ID,
		TriggerEvent:   req.TriggerType,
		TriggerContext: req.Context,
	})
	if err != nil {
		// the praise is still shown; it just cannot take a reaction
		slog.Warn("Orchestrator.Trigger: history append failed", "userID", o.userID, "scriptID", script.ID, "error", err)
	} else {
		n.HistoryID = entry.ID
	}

	o.enqueue(n)
	slog.Info("Orchestrator.Trigger: praise delivered", "userID", o.userID, "notificationID", n.ID, "scriptID", script.ID, "trigger", req.TriggerType)
	return &n, true
}

// deliveryMethod resolves the user's delivery method at delivery time.
func (o *Orchestrator) deliveryMethod(ctx context.Context) models.DeliveryMethod {
	prefs, err := o.prefs.GetPreferences(ctx, o.userID)
	if err != nil {
		slog.Warn("Orchestrator.deliveryMethod: preferences unavailable", "userID", o.userID, "error", err)
		return models.DefaultDeliveryMethod
	}
	if prefs == nil || !models.IsValidDeliveryMethod(prefs.DeliveryMethod) {
		return models.DefaultDeliveryMethod
	}
	return prefs.DeliveryMethod
}

func (o *Orchestrator) enqueue(n models.PraiseNotification) {
	o.mu.Lock()
	if o.current != nil {
		o.queue = append(o.queue, n)
		slog.Debug("Orchestrator.enqueue: notification queued", "userID", o.userID, "notificationID", n.ID, "pending", len(o.queue))
		o.mu.Unlock()
		return
	}
	o.current = &n
	drain := o.showLocked(n)
	o.mu.Unlock()
	if drain {
		o.drainShows()
	}
}

// showLocked schedules n for display. It reports whether the caller must drain
// the display backlog once it has released o.mu.
func (o *Orchestrator) showLocked(n models.PraiseNotification) bool {
	o.shows = append(o.shows, n)
	if o.showing {
		return false
	}
	o.showing = true
	return true
}

func (o *Orchestrator) drainShows() {
	for {
		o.mu.Lock()
		if len(o.shows) == 0 {
			o.showing = false
			o.mu.Unlock()
			return
		}
		n := o.shows[0]
		o.shows = o.shows[1:]
		o.mu.Unlock()
		o.display(n)
	}
}

// DismissCurrent removes the displayed notification and promotes the next queued one.
// It returns the newly displayed notification, or nil when the queue is now idle.
// Dismissing while idle is a no-op.
func (o *Orchestrator) DismissCurrent() *models.PraiseNotification {
	o.mu.Lock()
	next, drain := o.dismissLocked()
	o.mu.Unlock()
	if drain {
		o.drainShows()
	}
	return next
}

func (o *Orchestrator) dismissLocked() (*models.PraiseNotification, bool) {
	if o.current == nil {
		return nil, false
	}
	if len(o.queue) == 0 {
		o.current = nil
		return nil, false
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	o.current = &next
	out := next
	return &out, o.showLocked(next)
}

// React records the user's reaction to the displayed notification. A dismissed
// reaction also dismisses it. Reacting while idle is a no-op; ledger failures are
// logged and never surface.
func (o *Orchestrator) React(ctx context.Context, reaction models.Reaction) error {
	if !models.IsValidReaction(reaction) {
		return models.ErrInvalidReaction
	}

	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		slog.Debug("Orchestrator.React: nothing displayed", "userID", o.userID)
		return nil
	}
	shown := *o.current
	o.mu.Unlock()

	if shown.HistoryID != "" {
		callCtx, cancel := o.callContext(ctx)
		err := o.ledger.UpdateReaction(callCtx, shown.HistoryID, reaction)
		cancel()
		if err != nil {
			slog.Warn("Orchestrator.React: reaction not recorded", "userID", o.userID, "historyID", shown.HistoryID, "reaction", reaction, "error", err)
		}
	} else {
		slog.Debug("Orchestrator.React: notification has no history entry", "userID", o.userID, "notificationID", shown.ID)
	}

	if reaction == models.ReactionDismissed {
		o.mu.Lock()
		drain := false
		// another caller may already have moved the queue on
		if o.current != nil && o.current.ID == shown.ID {
			_, drain = o.dismissLocked()
		}
		o.mu.Unlock()
		if drain {
			o.drainShows()
		}
	}
	return nil
}

// Current returns a copy of the displayed notification, or nil when idle.
func (o *Orchestrator) Current() *models.PraiseNotification {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	out := *o.current
	return &out
}

// Pending returns the number of queued notifications behind the displayed one.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Idle reports whether nothing is displayed, queued or waiting for display.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current == nil && len(o.queue) == 0 && !o.showing
}

// Sessions holds one Orchestrator per user while it is in use or has
// notifications in flight. Idle orchestrators are dropped on Release.
type Sessions struct {
	mu      sync.Mutex
	byUser  map[string]*session
	factory func(userID string) *Orchestrator
}

type session struct {
	orch *Orchestrator
	refs int
}

// NewSessions creates a registry that builds orchestrators with factory.
func NewSessions(factory func(userID string) *Orchestrator) *Sessions {
	return &Sessions{
		byUser:  make(map[string]*session),
		factory: factory,
	}
}

// Acquire returns the user's orchestrator, creating it on first use. Every
// Acquire must be paired with a Release.
func (s *Sessions) Acquire(userID string) *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[userID]
	if !ok {
		sess = &session{orch: s.factory(userID)}
		s.byUser[userID] = sess
		slog.Debug("Sessions.Acquire: created orchestrator", "userID", userID, "sessions", len(s.byUser))
	}
	sess.refs++
	return sess.orch
}

// Release drops a reference taken by Acquire. The session is evicted once no
// caller holds it and its orchestrator is idle.
func (s *Sessions) Release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[userID]
	if !ok {
		return
	}
	if sess.refs > 0 {
		sess.refs--
	}
	if sess.refs == 0 && sess.orch.Idle() {
		delete(s.byUser, userID)
		slog.Debug("Sessions.Release: evicted idle orchestrator", "userID", userID, "sessions", len(s.byUser))
	}
}

// Lookup returns the user's orchestrator without creating one, or nil.
func (s *Sessions) Lookup(userID string) *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byUser[userID]; ok {
		return sess.orch
	}
	return nil
}

// Len returns the number of active sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}
