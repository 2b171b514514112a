// Package api provides HTTP handlers for TaskDOM endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/TaskDOM/TaskDOM/internal/genai"
	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/praise"
	"github.com/TaskDOM/TaskDOM/internal/relay"
	"github.com/TaskDOM/TaskDOM/internal/store"
	"github.com/TaskDOM/TaskDOM/internal/util"
)

// History paging limits
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// TriggerRequest is the body of POST /praise/trigger.
type TriggerRequest struct {
	TriggerType models.TriggerType `json:"trigger_type"`
	Context     map[string]string  `json:"context,omitempty"`
	Category    models.Category    `json:"category,omitempty"`
	VibeHint    string             `json:"vibe_hint,omitempty"`
	Force       bool               `json:"force,omitempty"`
}

// TriggerResult is returned by POST /praise/trigger.
type TriggerResult struct {
	Delivered    bool                       `json:"delivered"`
	Notification *models.PraiseNotification `json:"notification,omitempty"`
	Pending      int                        `json:"pending"`
}

// QueueState describes the displayed notification and the queue behind it.
type QueueState struct {
	Notification *models.PraiseNotification `json:"notification"`
	Pending      int                        `json:"pending"`
}

// ReactRequest is the body of POST /praise/react.
type ReactRequest struct {
	Reaction models.Reaction `json:"reaction"`
}

// ScriptRequest is the body of POST /scripts. Scripts are active unless is_active is false.
type ScriptRequest struct {
	models.PraiseScript
	IsActive *bool `json:"is_active,omitempty"`
}

// ActiveRequest is the body of PUT /scripts/{id}/active.
type ActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.triggerHandler", http.MethodPost) {
		return
	}
	var req TriggerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.triggerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := validateTrigger(req); err != nil {
		slog.Warn("Server.triggerHandler: validation failed", "error", err, "trigger", req.TriggerType)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	uid := userID(r)
	if uid == "" {
		slog.Debug("Server.triggerHandler: anonymous trigger, nothing delivered", "trigger", req.TriggerType)
		writeJSONResponse(w, http.StatusOK, models.Success(TriggerResult{}))
		return
	}

	orch := s.sessions.Acquire(uid)
	defer s.sessions.Release(uid)
	n, ok := orch.Trigger(r.Context(), praise.TriggerRequest{
		TriggerType:   req.TriggerType,
		Category:      req.Category,
		VibeHint:      req.VibeHint,
		ForceDelivery: req.Force,
		Context:       req.Context,
	})
	writeJSONResponse(w, http.StatusOK, models.Success(TriggerResult{Delivered: ok, Notification: n, Pending: orch.Pending()}))
}

func validateTrigger(req TriggerRequest) error {
	if !models.IsValidTriggerType(req.TriggerType) {
		return models.ErrInvalidTriggerType
	}
	if req.Category != "" && !models.IsValidCategory(req.Category) {
		return models.ErrInvalidCategory
	}
	if len(req.Context) > models.MaxTriggerContextLength {
		return models.ErrTriggerContextTooBig
	}
	return nil
}

func (s *Server) currentHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.currentHandler", http.MethodGet) {
		return
	}
	uid := requireUser(w, r, "Server.currentHandler")
	if uid == "" {
		return
	}
	orch := s.sessions.Lookup(uid)
	if orch == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(QueueState{}))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(QueueState{Notification: orch.Current(), Pending: orch.Pending()}))
}

func (s *Server) dismissHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.dismissHandler", http.MethodPost) {
		return
	}
	uid := requireUser(w, r, "Server.dismissHandler")
	if uid == "" {
		return
	}
	orch := s.sessions.Acquire(uid)
	defer s.sessions.Release(uid)
	next := orch.DismissCurrent()
	writeJSONResponse(w, http.StatusOK, models.Success(QueueState{Notification: next, Pending: orch.Pending()}))
}

func (s *Server) reactHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.reactHandler", http.MethodPost) {
		return
	}
	uid := requireUser(w, r, "Server.reactHandler")
	if uid == "" {
		return
	}
	var req ReactRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.reactHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	orch := s.sessions.Acquire(uid)
	defer s.sessions.Release(uid)
	if err := orch.React(r.Context(), req.Reaction); err != nil {
		slog.Warn("Server.reactHandler: invalid reaction", "userID", uid, "reaction", req.Reaction)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(QueueState{Notification: orch.Current(), Pending: orch.Pending()}))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.historyHandler", http.MethodGet) {
		return
	}
	uid := requireUser(w, r, "Server.historyHandler")
	if uid == "" {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.store.RecentHistory(r.Context(), uid, limit)
	if err != nil {
		slog.Error("Server.historyHandler: history query failed", "userID", uid, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	if entries == nil {
		entries = []models.PraiseHistoryEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// parseLimit reads ?limit=, clamped to MaxHistoryLimit. A 400 is written when it is invalid.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
		return 0, false
	}
	return min(n, MaxHistoryLimit), true
}

// relaysHandler lists the caller's relayed praise with delivery status, newest first.
func (s *Server) relaysHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.relaysHandler", http.MethodGet) {
		return
	}
	uid := requireUser(w, r, "Server.relaysHandler")
	if uid == "" {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	relays, err := s.store.ListRelays(r.Context(), uid, limit)
	if err != nil {
		slog.Error("Server.relaysHandler: relay query failed", "userID", uid, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load relays"))
		return
	}
	if relays == nil {
		relays = []store.RelayMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(relays))
}

func (s *Server) preferencesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.preferencesHandler", http.MethodGet, http.MethodPut) {
		return
	}
	uid := requireUser(w, r, "Server.preferencesHandler")
	if uid == "" {
		return
	}

	if r.Method == http.MethodGet {
		prefs, err := s.store.InitializeDefaults(r.Context(), uid)
		if err != nil {
			slog.Error("Server.preferencesHandler: load failed", "userID", uid, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load preferences"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(prefs))
		return
	}

	var update models.PreferencesUpdate
	if err := decodeJSONBody(w, r, &update); err != nil {
		slog.Warn("Server.preferencesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := update.Validate(); err != nil {
		slog.Warn("Server.preferencesHandler: validation failed", "userID", uid, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if update.RelayTo != nil && *update.RelayTo != "" {
		canonical, err := relay.ValidateAndCanonicalizeRecipient(*update.RelayTo)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		update.RelayTo = &canonical
	}
	prefs, err := s.store.UpsertPreferences(r.Context(), uid, update)
	if err != nil {
		slog.Error("Server.preferencesHandler: update failed", "userID", uid, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update preferences"))
		return
	}
	slog.Info("Server.preferencesHandler: preferences updated", "userID", uid)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Preferences updated", prefs))
}

func (s *Server) scriptsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.scriptsHandler", http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		includeInactive := false
		if raw := r.URL.Query().Get("include_inactive"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("include_inactive must be a boolean"))
				return
			}
			includeInactive = v
		}
		scripts, err := s.store.ListScripts(r.Context(), includeInactive)
		if err != nil {
			slog.Error("Server.scriptsHandler: list failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scripts"))
			return
		}
		if scripts == nil {
			scripts = []models.PraiseScript{}
		}
		writeJSONResponse(w, http.StatusOK, models.Success(scripts))
		return
	}

	var req ScriptRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.scriptsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	script := req.PraiseScript
	script.IsActive = req.IsActive == nil || *req.IsActive
	if script.ID == "" {
		script.ID = util.GenerateScriptID()
	}
	if err := script.Validate(); err != nil {
		slog.Warn("Server.scriptsHandler: validation failed", "error", err, "id", script.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.SaveScript(r.Context(), script); err != nil {
		slog.Error("Server.scriptsHandler: save failed", "id", script.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save script"))
		return
	}
	slog.Info("Server.scriptsHandler: script saved", "id", script.ID, "category", script.Category, "active", script.IsActive)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Script saved", script))
}

func (s *Server) scriptActiveHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.scriptActiveHandler", http.MethodPut) {
		return
	}
	id := r.PathValue("id")
	var req ActiveRequest
	if err := decodeJSONBody(w, r, &req); err != nil || req.Active == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Body must be {\"active\": true|false}"))
		return
	}
	err := s.store.SetScriptActive(r.Context(), id, *req.Active)
	if errors.Is(err, store.ErrScriptNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Script not found"))
		return
	}
	if err != nil {
		slog.Error("Server.scriptActiveHandler: update failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update script"))
		return
	}
	slog.Info("Server.scriptActiveHandler: script updated", "id", id, "active", *req.Active)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Script updated", map[string]interface{}{"id": id, "active": *req.Active}))
}

func (s *Server) generateScriptHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.generateScriptHandler", http.MethodPost) {
		return
	}
	if s.drafter == nil {
		slog.Warn("Server.generateScriptHandler: GenAI client not configured")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("GenAI client not configured"))
		return
	}
	var req genai.DraftRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.generateScriptHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	script, err := s.drafter.DraftScript(r.Context(), req)
	if err != nil {
		slog.Error("Server.generateScriptHandler: draft failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to draft script"))
		return
	}
	script.IsActive = false
	if err := s.store.SaveScript(r.Context(), script); err != nil {
		slog.Error("Server.generateScriptHandler: save failed", "id", script.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save script"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Draft saved inactive", script))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, "Server.healthHandler", http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"sessions": s.sessions.Len()}))
}
