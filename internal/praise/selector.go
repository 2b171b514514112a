// Package praise implements praise selection and notification orchestration.
//
// The Selector decides whether a trigger earns a praise and which script to use;
// the Orchestrator turns a selected script into a notification, records it in the
// delivery history and surfaces notifications one at a time.
package praise

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/store"
)

// Selection constants
const (
	// RecentHistoryWindow is the number of recent deliveries excluded from re-selection
	// and inspected by the frequency gate.
	RecentHistoryWindow = 10
	// NormalDailyLimit is the per-trigger daily cap for the normal frequency tier.
	NormalDailyLimit = 3
	// LowDailyLimit is the per-trigger daily cap for the low frequency tier.
	LowDailyLimit = 1
)

// Chooser picks a uniformly random index in [0, n).
type Chooser interface {
	IntN(n int) int
}

// ChooserFunc adapts a function to the Chooser interface.
type ChooserFunc func(n int) int

func (f ChooserFunc) IntN(n int) int { return f(n) }

// lockedChooser makes a seeded *rand.Rand safe for concurrent selections.
type lockedChooser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (c *lockedChooser) IntN(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.IntN(n)
}

// NewSeededChooser returns a deterministic Chooser for reproducible selections.
func NewSeededChooser(seed uint64) Chooser {
	return &lockedChooser{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// SelectRequest describes one praise request.
type SelectRequest struct {
	UserID        string
	TriggerType   models.TriggerType
	Category      models.Category // optional; overrides preferred categories
	VibeHint      string          // optional; substring of the script's vibe tone
	ForceDelivery bool            // skips anti-repetition only
}

// ScriptSelector is the selection contract the Orchestrator depends on.
type ScriptSelector interface {
	Select(ctx context.Context, req SelectRequest) *models.PraiseScript
}

// Selector filters the script repository down to eligible candidates for a user and
// trigger, applies the frequency gate and picks one candidate at random.
type Selector struct {
	scripts  store.ScriptRepo
	prefs    store.PreferenceStore
	history  store.HistoryLedger
	chooser  Chooser
	now      func() time.Time
	location *time.Location
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithChooser injects the random source.
func WithChooser(c Chooser) SelectorOption {
	return func(s *Selector) { s.chooser = c }
}

// WithClock injects the time source used for "today".
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// WithLocation sets the time zone that defines the calendar day. Defaults to time.Local.
func WithLocation(loc *time.Location) SelectorOption {
	return func(s *Selector) { s.location = loc }
}

// NewSelector creates a Selector over the given collaborators.
func NewSelector(scripts store.ScriptRepo, prefs store.PreferenceStore, history store.HistoryLedger, opts ...SelectorOption) *Selector {
	s := &Selector{
		scripts:  scripts,
		prefs:    prefs,
		history:  history,
		chooser:  ChooserFunc(rand.IntN),
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the script to deliver, or nil when no praise should be delivered.
// Collaborator failures are logged and yield nil; Select never fails the caller.
func (s *Selector) Select(ctx context.Context, req SelectRequest) *models.PraiseScript {
	script, reason := s.decide(ctx, req)
	if script == nil {
		slog.Debug("Selector.Select: no praise", "userID", req.UserID, "trigger", req.TriggerType, "reason", reason)
		return nil
	}
	slog.Debug("Selector.Select: selected script", "userID", req.UserID, "trigger", req.TriggerType, "scriptID", script.ID)
	return script
}

func (s *Selector) decide(ctx context.Context, req SelectRequest) (*models.PraiseScript, string) {
	if req.UserID == "" {
		return nil, "no user"
	}

	prefs, err := s.loadPreferences(ctx, req.UserID)
	if err != nil {
		slog.Warn("Selector.Select: preferences unavailable", "userID", req.UserID, "error", err)
		return nil, "preferences unavailable"
	}

	recent, err := s.history.RecentHistory(ctx, req.UserID, RecentHistoryWindow)
	if err != nil {
		slog.Warn("Selector.Select: history unavailable", "userID", req.UserID, "error", err)
		return nil, "history unavailable"
	}
	recentlySeen := make(map[string]bool, len(recent))
	for _, e := range recent {
		recentlySeen[e.ScriptID] = true
	}

	trigger := req.TriggerType
	filter := store.ScriptFilter{TriggerType: &trigger, AllowExplicit: prefs.ExplicitEnabled}
	if req.Category != "" {
		category := req.Category
		filter.Category = &category
	}
	candidates, err := s.scripts.QueryScripts(ctx, filter)
	if err != nil {
		slog.Warn("Selector.Select: script repository unavailable", "userID", req.UserID, "error", err)
		return nil, "scripts unavailable"
	}

	if req.Category == "" && len(prefs.PreferredCategories) > 0 {
		candidates = keep(candidates, func(sc models.PraiseScript) bool {
			return prefs.PrefersCategory(sc.Category)
		})
	}

	// An exhausted candidate set stays empty; repeats are never used as a fallback.
	if !req.ForceDelivery {
		candidates = keep(candidates, func(sc models.PraiseScript) bool {
			return !recentlySeen[sc.ID]
		})
	}

	if req.VibeHint != "" {
		candidates = keep(candidates, func(sc models.PraiseScript) bool {
			return strings.Contains(sc.VibeTone, req.VibeHint)
		})
	}

	todayCount := s.countToday(recent, trigger)
	if !AllowFrequency(prefs.FrequencySetting, trigger, todayCount) {
		return nil, "frequency gate"
	}

	if len(candidates) == 0 {
		return nil, "no eligible script"
	}

	picked := candidates[s.chooser.IntN(len(candidates))]
	return &picked, ""
}

// loadPreferences returns stored preferences, installing defaults on first use.
func (s *Selector) loadPreferences(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	prefs, err := s.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prefs != nil {
		return prefs, nil
	}
	slog.Debug("Selector.Select: initializing default preferences", "userID", userID)
	return s.prefs.InitializeDefaults(ctx, userID)
}

// countToday counts entries for trigger delivered on the current local calendar day.
func (s *Selector) countToday(entries []models.PraiseHistoryEntry, trigger models.TriggerType) int {
	now := s.now().In(s.location)
	y, m, d := now.Date()
	count := 0
	for _, e := range entries {
		if e.TriggerEvent != trigger {
			continue
		}
		ey, em, ed := e.DeliveredAt.In(s.location).Date()
		if ey == y && em == m && ed == d {
			count++
		}
	}
	return count
}

// AllowFrequency applies the frequency tier to today's delivery count for a trigger.
// Unknown tiers are treated as normal.
func AllowFrequency(setting models.FrequencySetting, trigger models.TriggerType, todayCount int) bool {
	switch setting {
	case models.FrequencyHigh:
		return true
	case models.FrequencyLow:
		return todayCount < LowDailyLimit
	case models.FrequencyMilestoneOnly:
		return trigger.IsMilestone()
	default:
		return todayCount < NormalDailyLimit
	}
}

func keep(in []models.PraiseScript, pred func(models.PraiseScript) bool) []models.PraiseScript {
	out := in[:0:0]
	for _, sc := range in {
		if pred(sc) {
			out = append(out, sc)
		}
	}
	return out
}
