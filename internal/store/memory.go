package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps every repository in process memory. It is used when no DSN is
// configured and as the reference backend in tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	scripts     map[string]models.PraiseScript
	preferences map[string]models.UserPraisePreferences
	history     []models.PraiseHistoryEntry
	relays      []RelayMessage
	now         func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		scripts:     make(map[string]models.PraiseScript),
		preferences: make(map[string]models.UserPraisePreferences),
		now:         cfg.Now,
	}
}

func (s *InMemoryStore) QueryScripts(ctx context.Context, filter ScriptFilter) ([]models.PraiseScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PraiseScript
	for _, sc := range s.scripts {
		if !sc.IsActive {
			continue
		}
		if filter.Category != nil && sc.Category != *filter.Category {
			continue
		}
		if filter.TriggerType != nil && sc.TriggerType != *filter.TriggerType {
			continue
		}
		if sc.IsExplicit && !filter.AllowExplicit {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetScript(ctx context.Context, id string) (*models.PraiseScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *InMemoryStore) SaveScript(ctx context.Context, script models.PraiseScript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.scripts[script.ID]; ok {
		script.CreatedAt = existing.CreatedAt
	} else if script.CreatedAt.IsZero() {
		script.CreatedAt = now
	}
	script.UpdatedAt = now
	s.scripts[script.ID] = script
	return nil
}

func (s *InMemoryStore) ListScripts(ctx context.Context, includeInactive bool) ([]models.PraiseScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PraiseScript
	for _, sc := range s.scripts {
		if !sc.IsActive && !includeInactive {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SetScriptActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[id]
	if !ok {
		return ErrScriptNotFound
	}
	sc.IsActive = active
	sc.UpdatedAt = s.now()
	s.scripts[id] = sc
	return nil
}

func (s *InMemoryStore) GetPreferences(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preferences[userID]
	if !ok {
		return nil, nil
	}
	p.PreferredCategories = append([]models.Category(nil), p.PreferredCategories...)
	return &p, nil
}

func (s *InMemoryStore) UpsertPreferences(ctx context.Context, userID string, update models.PreferencesUpdate) (*models.UserPraisePreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p, ok := s.preferences[userID]
	if !ok {
		p = models.DefaultPreferences(userID, now)
	}
	update.Apply(&p, now)
	s.preferences[userID] = p
	slog.Debug("InMemoryStore.UpsertPreferences", "userID", userID, "created", !ok)
	out := p
	out.PreferredCategories = append([]models.Category(nil), p.PreferredCategories...)
	return &out, nil
}

func (s *InMemoryStore) InitializeDefaults(ctx context.Context, userID string) (*models.UserPraisePreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preferences[userID]
	if !ok {
		p = models.DefaultPreferences(userID, s.now())
		s.preferences[userID] = p
		slog.Debug("InMemoryStore.InitializeDefaults: installed defaults", "userID", userID)
	}
	out := p
	out.PreferredCategories = append([]models.Category(nil), p.PreferredCategories...)
	return &out, nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, entry models.NewHistoryEntry) (models.PraiseHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := models.PraiseHistoryEntry{
		ID:             util.GenerateHistoryID(),
		UserID:         entry.UserID,
		ScriptID:       entry.ScriptID,
		TriggerEvent:   entry.TriggerEvent,
		TriggerContext: copyContext(entry.TriggerContext),
		DeliveredAt:    s.now(),
	}
	s.history = append(s.history, e)
	return e, nil
}

func (s *InMemoryStore) RecentHistory(ctx context.Context, userID string, limit int) ([]models.PraiseHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PraiseHistoryEntry
	// history is append-ordered, so walking backwards yields newest first
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID != userID {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateReaction(ctx context.Context, entryID string, reaction models.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].ID != entryID {
			continue
		}
		if s.history[i].UserReaction != nil {
			return ErrReactionAlreadySet
		}
		r := reaction
		at := s.now()
		s.history[i].UserReaction = &r
		s.history[i].ReactedAt = &at
		return nil
	}
	return ErrHistoryNotFound
}

func (s *InMemoryStore) EnqueueRelay(ctx context.Context, msg RelayMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.NotificationID != "" {
		for _, r := range s.relays {
			if r.NotificationID == msg.NotificationID && r.Status != RelayStatusSent && r.Status != RelayStatusCanceled {
				return r.ID, nil
			}
		}
	}
	now := s.now()
	r := RelayMessage{
		ID:             util.GenerateRelayID(),
		UserID:         msg.UserID,
		NotificationID: msg.NotificationID,
		Recipient:      msg.Recipient,
		Body:           msg.Body,
		Status:         RelayStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.relays = append(s.relays, r)
	return r.ID, nil
}

func (s *InMemoryStore) ClaimDueRelays(ctx context.Context, now time.Time, limit int) ([]RelayMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RelayMessage
	for i := range s.relays {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := &s.relays[i]
		if r.Status != RelayStatusQueued || (r.NextAttemptAt != nil && r.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		r.Status = RelayStatusSending
		r.LockedAt = &locked
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

// relay returns the stored relay with id. Callers hold s.mu.
func (s *InMemoryStore) relay(id string) (*RelayMessage, error) {
	for i := range s.relays {
		if s.relays[i].ID == id {
			return &s.relays[i], nil
		}
	}
	return nil, ErrRelayNotFound
}

func (s *InMemoryStore) MarkRelaySent(ctx context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.relay(id)
	if err != nil {
		return err
	}
	at := sentAt
	r.Status = RelayStatusSent
	r.SentAt = &at
	r.LockedAt = nil
	r.LastError = ""
	r.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) FailRelay(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.relay(id)
	if err != nil {
		return err
	}
	next := nextAttemptAt
	r.Attempts++
	r.LastError = errMsg
	r.NextAttemptAt = &next
	r.LockedAt = nil
	r.UpdatedAt = s.now()
	r.Status = RelayStatusQueued
	if r.Attempts >= DefaultRelayMaxAttempts {
		r.Status = RelayStatusFailed
	}
	return nil
}

func (s *InMemoryStore) CancelRelay(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.relay(id)
	if err != nil {
		return err
	}
	r.Status = RelayStatusCanceled
	r.LastError = reason
	r.LockedAt = nil
	r.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) RequeueStaleRelays(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.relays {
		r := &s.relays[i]
		if r.Status == RelayStatusSending && r.LockedAt != nil && r.LockedAt.Before(staleBefore) {
			r.Status = RelayStatusQueued
			r.LockedAt = nil
			r.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListRelays(ctx context.Context, userID string, limit int) ([]RelayMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RelayMessage
	// relays is append-only, so walking backwards is newest first
	for i := len(s.relays) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.relays[i].UserID == userID {
			out = append(out, s.relays[i])
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyContext(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
