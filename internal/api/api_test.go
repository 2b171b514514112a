package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/TaskDOM/TaskDOM/internal/genai"
	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/praise"
	"github.com/TaskDOM/TaskDOM/internal/store"
)

type stubDrafter struct {
	script models.PraiseScript
	err    error
	got    genai.DraftRequest
}

func (d *stubDrafter) DraftScript(ctx context.Context, req genai.DraftRequest) (models.PraiseScript, error) {
	d.got = req
	if d.err != nil {
		return models.PraiseScript{}, d.err
	}
	return d.script, nil
}

type displayLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *displayLog) display(n models.PraiseNotification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, n.ID)
}

func (l *displayLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func seedScripts(t *testing.T, st store.Store) {
	t.Helper()
	scripts := []models.PraiseScript{
		{ID: "gen-1", Category: models.CategoryGeneral, VibeTone: "warm", Text: "Nice work.", TriggerType: models.TriggerTaskCompletion, IsActive: true},
		{ID: "gen-2", Category: models.CategoryGeneral, VibeTone: "proud", Text: "Another one done.", TriggerType: models.TriggerTaskCompletion, IsActive: true},
		{ID: "play-1", Category: models.CategoryPlayful, VibeTone: "cheeky", Text: "Look at you go.", TriggerType: models.TriggerTaskCompletion, IsActive: true},
		{ID: "book-1", Category: models.CategoryGeneral, VibeTone: "warm", Text: "Book finished!", TriggerType: models.TriggerBookCompletion, IsActive: true},
	}
	for _, sc := range scripts {
		if err := st.SaveScript(context.Background(), sc); err != nil {
			t.Fatalf("SaveScript(%s) failed: %v", sc.ID, err)
		}
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	seedScripts(t, st)
	opts = append([]Option{WithChooser(praise.NewSeededChooser(7))}, opts...)
	return NewServer(st, opts...), st
}

func doRequest(t *testing.T, s *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

// decodeResult unmarshals the APIResponse envelope's result into dst.
func decodeResult(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) models.APIResponse {
	t.Helper()
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	if dst != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, dst); err != nil {
			t.Fatalf("invalid result %s: %v", env.Result, err)
		}
	}
	return models.APIResponse{Status: env.Status, Message: env.Message}
}

func TestTriggerHandler_DeliversAndRecords(t *testing.T) {
	log := &displayLog{}
	s, st := newTestServer(t, WithDisplay(log.display))

	rr := doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"task_completion","context":{"task":"dishes"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res TriggerResult
	decodeResult(t, rr, &res)
	if !res.Delivered || res.Notification == nil {
		t.Fatalf("expected delivery, got %+v", res)
	}
	if res.Notification.Script.Category != models.CategoryGeneral {
		t.Errorf("expected default preferred category general, got %s", res.Notification.Script.Category)
	}
	if res.Notification.Context["task"] != "dishes" {
		t.Errorf("expected context carried through, got %v", res.Notification.Context)
	}
	if log.count() != 1 {
		t.Errorf("expected one display, got %d", log.count())
	}

	hist, err := st.RecentHistory(context.Background(), "u1", 10)
	if err != nil || len(hist) != 1 || hist[0].ScriptID != res.Notification.Script.ID {
		t.Errorf("expected one history entry for %s, got %+v (%v)", res.Notification.Script.ID, hist, err)
	}
}

func TestTriggerHandler_AnonymousDeliversNothing(t *testing.T) {
	s, st := newTestServer(t)
	rr := doRequest(t, s, http.MethodPost, "/praise/trigger", "", `{"trigger_type":"task_completion"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res TriggerResult
	decodeResult(t, rr, &res)
	if res.Delivered {
		t.Error("expected nothing delivered without a user")
	}
	if msgs, _ := st.ListRelays(context.Background(), "", 0); len(msgs) != 0 {
		t.Error("expected no side effects")
	}
}

func TestTriggerHandler_Validation(t *testing.T) {
	s, _ := newTestServer(t)
	bigContext := make(map[string]string, models.MaxTriggerContextLength+1)
	for i := 0; i <= models.MaxTriggerContextLength; i++ {
		bigContext[string(rune('a'+i%26))+string(rune('A'+i/26))] = "x"
	}
	big, _ := json.Marshal(map[string]interface{}{"trigger_type": "task_completion", "context": bigContext})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"trigger_type":`},
		{"unknown trigger", `{"trigger_type":"sneezed"}`},
		{"unknown category", `{"trigger_type":"task_completion","category":"cosmic"}`},
		{"unknown field", `{"trigger_type":"task_completion","bogus":1}`},
		{"context too big", string(big)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestTriggerHandler_NoEligibleScript(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"daily_login"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res TriggerResult
	decodeResult(t, rr, &res)
	if res.Delivered || res.Notification != nil {
		t.Errorf("expected no delivery, got %+v", res)
	}
}

func TestTriggerHandler_CategoryOverride(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"task_completion","category":"playful"}`)
	var res TriggerResult
	decodeResult(t, rr, &res)
	if !res.Delivered || res.Notification.Script.ID != "play-1" {
		t.Errorf("expected play-1, got %+v", res)
	}
}

func TestQueueHandlers(t *testing.T) {
	s, st := newTestServer(t)
	for i := 0; i < 2; i++ {
		rr := doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"task_completion"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("trigger %d: expected 200, got %d", i, rr.Code)
		}
	}

	var state QueueState
	decodeResult(t, doRequest(t, s, http.MethodGet, "/praise/current", "u1", ""), &state)
	if state.Notification == nil || state.Pending != 1 {
		t.Fatalf("expected one current and one pending, got %+v", state)
	}
	first := state.Notification.ID

	rr := doRequest(t, s, http.MethodPost, "/praise/react", "u1", `{"reaction":"loved"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("react: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	hist, _ := st.RecentHistory(context.Background(), "u1", 10)
	var reacted int
	for _, h := range hist {
		if h.UserReaction != nil && *h.UserReaction == models.ReactionLoved {
			reacted++
		}
	}
	if reacted != 1 {
		t.Errorf("expected one loved reaction recorded, got %d", reacted)
	}

	decodeResult(t, doRequest(t, s, http.MethodPost, "/praise/dismiss", "u1", ""), &state)
	if state.Notification == nil || state.Notification.ID == first || state.Pending != 0 {
		t.Fatalf("expected queue to advance, got %+v", state)
	}

	decodeResult(t, doRequest(t, s, http.MethodPost, "/praise/react", "u1", `{"reaction":"dismissed"}`), &state)
	if state.Notification != nil {
		t.Errorf("expected empty queue after dismissed reaction, got %+v", state.Notification)
	}
}

func TestQueueHandlers_SessionsDoNotAccumulate(t *testing.T) {
	s, _ := newTestServer(t)
	for _, user := range []string{"a", "b", "c"} {
		if rr := doRequest(t, s, http.MethodGet, "/praise/current", user, ""); rr.Code != http.StatusOK {
			t.Fatalf("current for %s: expected 200, got %d", user, rr.Code)
		}
		doRequest(t, s, http.MethodPost, "/praise/dismiss", user, "")
		doRequest(t, s, http.MethodPost, "/praise/trigger", user, `{"trigger_type":"daily_login"}`)
	}
	if n := s.sessions.Len(); n != 0 {
		t.Fatalf("expected no sessions for idle users, got %d", n)
	}

	doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"task_completion"}`)
	if n := s.sessions.Len(); n != 1 {
		t.Fatalf("expected the displaying user's session kept, got %d", n)
	}
	var state QueueState
	decodeResult(t, doRequest(t, s, http.MethodGet, "/praise/current", "u1", ""), &state)
	if state.Notification == nil {
		t.Fatal("expected the displayed notification to survive between requests")
	}
	doRequest(t, s, http.MethodPost, "/praise/dismiss", "u1", "")
	if n := s.sessions.Len(); n != 0 {
		t.Errorf("expected session evicted after the queue drained, got %d", n)
	}
}

func TestReactHandler_Invalid(t *testing.T) {
	s, _ := newTestServer(t)
	if rr := doRequest(t, s, http.MethodPost, "/praise/react", "u1", `{"reaction":"meh"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if rr := doRequest(t, s, http.MethodPost, "/praise/react", "", `{"reaction":"liked"}`); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestHistoryHandler(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"task_completion"}`)
	doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"book_completion"}`)

	var entries []models.PraiseHistoryEntry
	decodeResult(t, doRequest(t, s, http.MethodGet, "/praise/history", "u1", ""), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TriggerEvent != models.TriggerBookCompletion {
		t.Errorf("expected most recent first, got %s", entries[0].TriggerEvent)
	}

	decodeResult(t, doRequest(t, s, http.MethodGet, "/praise/history?limit=1", "u1", ""), &entries)
	if len(entries) != 1 {
		t.Errorf("expected 1 entry with limit=1, got %d", len(entries))
	}

	for _, bad := range []string{"0", "-3", "ten"} {
		if rr := doRequest(t, s, http.MethodGet, "/praise/history?limit="+bad, "u1", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", bad, rr.Code)
		}
	}

	var empty []models.PraiseHistoryEntry
	rr := doRequest(t, s, http.MethodGet, "/praise/history", "u2", "")
	decodeResult(t, rr, &empty)
	if rr.Code != http.StatusOK || len(empty) != 0 {
		t.Errorf("expected empty history for new user, got %d %v", rr.Code, empty)
	}
}

func TestRelaysHandler(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	for _, n := range []string{"n-1", "n-2"} {
		msg := store.RelayMessage{UserID: "u1", NotificationID: n, Recipient: "15551234567", Body: "Nice"}
		if _, err := st.EnqueueRelay(ctx, msg); err != nil {
			t.Fatalf("EnqueueRelay failed: %v", err)
		}
	}

	var relays []store.RelayMessage
	rr := doRequest(t, s, http.MethodGet, "/praise/relays", "u1", "")
	decodeResult(t, rr, &relays)
	if rr.Code != http.StatusOK || len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %d %d", rr.Code, len(relays))
	}
	if relays[0].NotificationID != "n-2" || relays[0].Status != store.RelayStatusQueued {
		t.Errorf("expected newest queued relay first, got %+v", relays[0])
	}

	decodeResult(t, doRequest(t, s, http.MethodGet, "/praise/relays?limit=1", "u1", ""), &relays)
	if len(relays) != 1 {
		t.Errorf("expected 1 relay with limit=1, got %d", len(relays))
	}
	if rr := doRequest(t, s, http.MethodGet, "/praise/relays?limit=x", "u1", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rr.Code)
	}
	if rr := doRequest(t, s, http.MethodGet, "/praise/relays", "", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a user, got %d", rr.Code)
	}

	var empty []store.RelayMessage
	rr = doRequest(t, s, http.MethodGet, "/praise/relays", "u2", "")
	decodeResult(t, rr, &empty)
	if rr.Code != http.StatusOK || len(empty) != 0 {
		t.Errorf("expected no relays for u2, got %d %v", rr.Code, empty)
	}
}

func TestPreferencesHandler(t *testing.T) {
	s, _ := newTestServer(t)

	var prefs models.UserPraisePreferences
	rr := doRequest(t, s, http.MethodGet, "/preferences", "u1", "")
	decodeResult(t, rr, &prefs)
	if rr.Code != http.StatusOK || prefs.FrequencySetting != models.DefaultFrequency || prefs.DeliveryMethod != models.DefaultDeliveryMethod {
		t.Fatalf("expected defaults, got %d %+v", rr.Code, prefs)
	}

	rr = doRequest(t, s, http.MethodPut, "/preferences", "u1", `{"preferred_categories":["playful"],"frequency_setting":"high","relay_to":"+1 (555) 123-4567"}`)
	decodeResult(t, rr, &prefs)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if prefs.FrequencySetting != models.FrequencyHigh || len(prefs.PreferredCategories) != 1 || prefs.RelayTo != "15551234567" {
		t.Errorf("unexpected preferences after update: %+v", prefs)
	}

	// preferred categories now steer selection
	var res TriggerResult
	decodeResult(t, doRequest(t, s, http.MethodPost, "/praise/trigger", "u1", `{"trigger_type":"task_completion"}`), &res)
	if !res.Delivered || res.Notification.Script.Category != models.CategoryPlayful {
		t.Errorf("expected playful script, got %+v", res)
	}

	tests := []struct {
		name string
		body string
	}{
		{"bad category", `{"preferred_categories":["cosmic"]}`},
		{"bad delivery", `{"delivery_method":"pigeon"}`},
		{"bad frequency", `{"frequency_setting":"hourly"}`},
		{"bad relay number", `{"relay_to":"12"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := doRequest(t, s, http.MethodPut, "/preferences", "u1", tt.body); rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
		})
	}

	if rr := doRequest(t, s, http.MethodGet, "/preferences", "", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without user, got %d", rr.Code)
	}
}

func TestScriptsHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodPost, "/scripts", "", `{"category":"community","text":"The club is proud of you.","trigger_type":"book_club_participation"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created models.PraiseScript
	decodeResult(t, rr, &created)
	if created.ID == "" || !created.IsActive {
		t.Errorf("expected generated id and active script, got %+v", created)
	}

	rr = doRequest(t, s, http.MethodPost, "/scripts", "", `{"id":"quiet-1","category":"general","text":"Shh.","trigger_type":"task_completion","is_active":false}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	var scripts []models.PraiseScript
	decodeResult(t, doRequest(t, s, http.MethodGet, "/scripts", "", ""), &scripts)
	if len(scripts) != 5 {
		t.Errorf("expected 5 active scripts, got %d", len(scripts))
	}
	decodeResult(t, doRequest(t, s, http.MethodGet, "/scripts?include_inactive=true", "", ""), &scripts)
	if len(scripts) != 6 {
		t.Errorf("expected 6 scripts including inactive, got %d", len(scripts))
	}

	if rr := doRequest(t, s, http.MethodPost, "/scripts", "", `{"category":"general","text":"","trigger_type":"task_completion"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", rr.Code)
	}
	if rr := doRequest(t, s, http.MethodGet, "/scripts?include_inactive=maybe", "", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad include_inactive, got %d", rr.Code)
	}
	if rr := doRequest(t, s, http.MethodDelete, "/scripts", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestScriptActiveHandler(t *testing.T) {
	s, st := newTestServer(t)

	rr := doRequest(t, s, http.MethodPut, "/scripts/gen-1/active", "", `{"active":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	sc, err := st.GetScript(context.Background(), "gen-1")
	if err != nil || sc.IsActive {
		t.Errorf("expected gen-1 inactive, got %+v (%v)", sc, err)
	}

	if rr := doRequest(t, s, http.MethodPut, "/scripts/missing/active", "", `{"active":true}`); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := doRequest(t, s, http.MethodPut, "/scripts/gen-1/active", "", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without active, got %d", rr.Code)
	}
	if rr := doRequest(t, s, http.MethodGet, "/scripts/gen-1/active", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestGenerateScriptHandler(t *testing.T) {
	s, _ := newTestServer(t)
	if rr := doRequest(t, s, http.MethodPost, "/scripts/generate", "", `{"category":"general","trigger_type":"task_completion"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without drafter, got %d", rr.Code)
	}

	drafter := &stubDrafter{script: models.PraiseScript{
		ID: "ps_drafted", Category: models.CategoryAchievement, Text: "Unlocked!", TriggerType: models.TriggerAchievementUnlock, IsActive: true,
	}}
	s, st := newTestServer(t, WithDrafter(drafter))

	rr := doRequest(t, s, http.MethodPost, "/scripts/generate", "", `{"category":"achievement","trigger_type":"achievement_unlock","vibe_tone":"hype"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if drafter.got.VibeTone != "hype" {
		t.Errorf("expected request forwarded to drafter, got %+v", drafter.got)
	}
	saved, err := st.GetScript(context.Background(), "ps_drafted")
	if err != nil || saved.IsActive {
		t.Errorf("expected drafted script saved inactive, got %+v (%v)", saved, err)
	}

	if rr := doRequest(t, s, http.MethodPost, "/scripts/generate", "", `{"category":"nope","trigger_type":"achievement_unlock"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid category, got %d", rr.Code)
	}

	drafter.err = errors.New("upstream down")
	if rr := doRequest(t, s, http.MethodPost, "/scripts/generate", "", `{"category":"achievement","trigger_type":"achievement_unlock"}`); rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on drafter failure, got %d", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(t, s, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	env := decodeResult(t, rr, nil)
	if env.Status != "ok" {
		t.Errorf("expected status ok, got %q", env.Status)
	}
	if rr := doRequest(t, s, http.MethodPost, "/health", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestRequireUser(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/praise/current", "/praise/history"} {
		rr := doRequest(t, s, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
	if rr := doRequest(t, s, http.MethodPost, "/praise/dismiss", "  ", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected whitespace user id rejected, got %d", rr.Code)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
