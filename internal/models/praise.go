// Package models defines the core data structures for TaskDOM praise delivery.
//
// It includes praise scripts, per-user praise preferences, delivery history entries
// and the ephemeral notifications handed to the presentation layer.
package models

import (
	"errors"
	"time"
)

// Category is the tone family a praise script belongs to.
type Category string

const (
	CategoryCommanding      Category = "commanding"
	CategoryPlayful         Category = "playful"
	CategoryCommunity       Category = "community"
	CategoryDataDriven      Category = "data_driven"
	CategoryGeneral         Category = "general"
	CategoryAchievement     Category = "achievement"
	CategoryReadingProgress Category = "reading_progress"
	CategoryFlirtyFun       Category = "flirty_fun"
	CategoryDominantDirty   Category = "dominant_dirty"
)

// TriggerType is the application event that requested a praise delivery.
type TriggerType string

const (
	TriggerTaskCompletion        TriggerType = "task_completion"
	TriggerReadingMilestone      TriggerType = "reading_milestone"
	TriggerBookCompletion        TriggerType = "book_completion"
	TriggerDailyLogin            TriggerType = "daily_login"
	TriggerReadingStreak         TriggerType = "reading_streak"
	TriggerBookClubParticipation TriggerType = "book_club_participation"
	TriggerButtonInteraction     TriggerType = "button_interaction"
	TriggerAchievementUnlock     TriggerType = "achievement_unlock"
	TriggerProgressUpdate        TriggerType = "progress_update"
	TriggerVoiceRequest          TriggerType = "voice_request"
)

// DeliveryMethod is how a praise is surfaced to the user.
type DeliveryMethod string

const (
	DeliveryText  DeliveryMethod = "text"
	DeliveryAudio DeliveryMethod = "audio"
	DeliveryBoth  DeliveryMethod = "both"
)

// FrequencySetting is the user-controlled daily rate limit tier.
type FrequencySetting string

const (
	FrequencyHigh          FrequencySetting = "high"
	FrequencyNormal        FrequencySetting = "normal"
	FrequencyLow           FrequencySetting = "low"
	FrequencyMilestoneOnly FrequencySetting = "milestone_only"
)

// Reaction is the user's response to a delivered praise.
type Reaction string

const (
	ReactionLiked     Reaction = "liked"
	ReactionLoved     Reaction = "loved"
	ReactionDismissed Reaction = "dismissed"
	ReactionDisliked  Reaction = "disliked"
)

// Default preference values installed on first use.
const (
	DefaultCategory         = CategoryGeneral
	DefaultDeliveryMethod   = DeliveryText
	DefaultFrequency        = FrequencyNormal
	DefaultVoiceType        = "default"
	MaxScriptTextLength     = 2000
	MaxPreferredCategories  = 16
	MaxTriggerContextLength = 32
)

// Error variables for validation
var (
	ErrEmptyScriptID        = errors.New("script id cannot be empty")
	ErrEmptyScriptText      = errors.New("script text cannot be empty")
	ErrScriptTextTooLong    = errors.New("script text exceeds maximum length")
	ErrInvalidCategory      = errors.New("invalid category")
	ErrInvalidTriggerType   = errors.New("invalid trigger type")
	ErrInvalidDelivery      = errors.New("invalid delivery method")
	ErrInvalidFrequency     = errors.New("invalid frequency setting")
	ErrInvalidReaction      = errors.New("invalid reaction")
	ErrTooManyCategories    = errors.New("too many preferred categories")
	ErrTriggerContextTooBig = errors.New("trigger context has too many entries")
	ErrEmptyUserID          = errors.New("user id cannot be empty")
)

// IsValidCategory checks if the given category is supported.
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryCommanding, CategoryPlayful, CategoryCommunity, CategoryDataDriven,
		CategoryGeneral, CategoryAchievement, CategoryReadingProgress,
		CategoryFlirtyFun, CategoryDominantDirty:
		return true
	default:
		return false
	}
}

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerTaskCompletion, TriggerReadingMilestone, TriggerBookCompletion,
		TriggerDailyLogin, TriggerReadingStreak, TriggerBookClubParticipation,
		TriggerButtonInteraction, TriggerAchievementUnlock, TriggerProgressUpdate,
		TriggerVoiceRequest:
		return true
	default:
		return false
	}
}

// IsMilestone reports whether the trigger passes the milestone-only frequency tier.
func (t TriggerType) IsMilestone() bool {
	switch t {
	case TriggerBookCompletion, TriggerAchievementUnlock, TriggerReadingStreak:
		return true
	default:
		return false
	}
}

// IsValidDeliveryMethod checks if the given delivery method is supported.
func IsValidDeliveryMethod(d DeliveryMethod) bool {
	switch d {
	case DeliveryText, DeliveryAudio, DeliveryBoth:
		return true
	default:
		return false
	}
}

// IncludesAudio reports whether the delivery method carries the audio asset.
func (d DeliveryMethod) IncludesAudio() bool {
	return d == DeliveryAudio || d == DeliveryBoth
}

// IsValidFrequency checks if the given frequency setting is supported.
func IsValidFrequency(f FrequencySetting) bool {
	switch f {
	case FrequencyHigh, FrequencyNormal, FrequencyLow, FrequencyMilestoneOnly:
		return true
	default:
		return false
	}
}

// IsValidReaction checks if the given reaction is supported.
func IsValidReaction(r Reaction) bool {
	switch r {
	case ReactionLiked, ReactionLoved, ReactionDismissed, ReactionDisliked:
		return true
	default:
		return false
	}
}

// PraiseScript is an immutable praise message template.
type PraiseScript struct {
	ID          string      `json:"id" yaml:"id"`
	Category    Category    `json:"category" yaml:"category"`
	SubCategory string      `json:"sub_category,omitempty" yaml:"sub_category"`
	VibeTone    string      `json:"vibe_tone,omitempty" yaml:"vibe_tone"`
	Text        string      `json:"text" yaml:"text"`
	AudioRef    string      `json:"audio_ref,omitempty" yaml:"audio_ref"`
	TriggerType TriggerType `json:"trigger_type" yaml:"trigger_type"`
	IsExplicit  bool        `json:"is_explicit" yaml:"is_explicit"`
	IsActive    bool        `json:"is_active" yaml:"-"` // catalogs use "active", defaulting to true
	CreatedAt   time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-"`
}

// Validate checks the script fields required for storage.
func (s *PraiseScript) Validate() error {
	if s.ID == "" {
		return ErrEmptyScriptID
	}
	if s.Text == "" {
		return ErrEmptyScriptText
	}
	if len(s.Text) > MaxScriptTextLength {
		return ErrScriptTextTooLong
	}
	if !IsValidCategory(s.Category) {
		return ErrInvalidCategory
	}
	if !IsValidTriggerType(s.TriggerType) {
		return ErrInvalidTriggerType
	}
	return nil
}

// UserPraisePreferences holds one user's praise configuration.
type UserPraisePreferences struct {
	UserID              string           `json:"user_id"`
	PreferredCategories []Category       `json:"preferred_categories"`
	DeliveryMethod      DeliveryMethod   `json:"delivery_method"`
	FrequencySetting    FrequencySetting `json:"frequency_setting"`
	ExplicitEnabled     bool             `json:"explicit_enabled"`
	VoiceEnabled        bool             `json:"voice_enabled"`
	VoiceType           string           `json:"voice_type"`
	RelayTo             string           `json:"relay_to,omitempty"` // phone number for relayed praise
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// DefaultPreferences returns the preference set installed on first use.
func DefaultPreferences(userID string, now time.Time) UserPraisePreferences {
	return UserPraisePreferences{
		UserID:              userID,
		PreferredCategories: []Category{DefaultCategory},
		DeliveryMethod:      DefaultDeliveryMethod,
		FrequencySetting:    DefaultFrequency,
		ExplicitEnabled:     false,
		VoiceEnabled:        false,
		VoiceType:           DefaultVoiceType,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// PrefersCategory reports whether c is in the preferred category set.
func (p *UserPraisePreferences) PrefersCategory(c Category) bool {
	for _, pc := range p.PreferredCategories {
		if pc == c {
			return true
		}
	}
	return false
}

// PreferencesUpdate is a partial preference update. Nil fields are left unchanged.
type PreferencesUpdate struct {
	PreferredCategories *[]Category       `json:"preferred_categories,omitempty"`
	DeliveryMethod      *DeliveryMethod   `json:"delivery_method,omitempty"`
	FrequencySetting    *FrequencySetting `json:"frequency_setting,omitempty"`
	ExplicitEnabled     *bool             `json:"explicit_enabled,omitempty"`
	VoiceEnabled        *bool             `json:"voice_enabled,omitempty"`
	VoiceType           *string           `json:"voice_type,omitempty"`
	RelayTo             *string           `json:"relay_to,omitempty"`
}

// Validate checks every field that is set.
func (u *PreferencesUpdate) Validate() error {
	if u.PreferredCategories != nil {
		if len(*u.PreferredCategories) > MaxPreferredCategories {
			return ErrTooManyCategories
		}
		for _, c := range *u.PreferredCategories {
			if !IsValidCategory(c) {
				return ErrInvalidCategory
			}
		}
	}
	if u.DeliveryMethod != nil && !IsValidDeliveryMethod(*u.DeliveryMethod) {
		return ErrInvalidDelivery
	}
	if u.FrequencySetting != nil && !IsValidFrequency(*u.FrequencySetting) {
		return ErrInvalidFrequency
	}
	return nil
}

// Apply merges the update into p and stamps UpdatedAt.
func (u *PreferencesUpdate) Apply(p *UserPraisePreferences, now time.Time) {
	if u.PreferredCategories != nil {
		p.PreferredCategories = dedupeCategories(*u.PreferredCategories)
	}
	if u.DeliveryMethod != nil {
		p.DeliveryMethod = *u.DeliveryMethod
	}
	if u.FrequencySetting != nil {
		p.FrequencySetting = *u.FrequencySetting
	}
	if u.ExplicitEnabled != nil {
		p.ExplicitEnabled = *u.ExplicitEnabled
	}
	if u.VoiceEnabled != nil {
		p.VoiceEnabled = *u.VoiceEnabled
	}
	if u.VoiceType != nil {
		p.VoiceType = *u.VoiceType
	}
	if u.RelayTo != nil {
		p.RelayTo = *u.RelayTo
	}
	p.UpdatedAt = now
}

// preferred categories are a set; order is irrelevant
func dedupeCategories(in []Category) []Category {
	seen := make(map[Category]bool, len(in))
	out := make([]Category, 0, len(in))
	for _, c := range in {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// NewHistoryEntry is a history row before the ledger assigns id and timestamp.
type NewHistoryEntry struct {
	UserID         string            `json:"user_id"`
	ScriptID       string            `json:"script_id"`
	TriggerEvent   TriggerType       `json:"trigger_event"`
	TriggerContext map[string]string `json:"trigger_context,omitempty"`
}

// PraiseHistoryEntry records one delivered praise.
type PraiseHistoryEntry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ScriptID       string            `json:"script_id"`
	TriggerEvent   TriggerType       `json:"trigger_event"`
	TriggerContext map[string]string `json:"trigger_context,omitempty"`
	DeliveredAt    time.Time         `json:"delivered_at"`
	UserReaction   *Reaction         `json:"user_reaction,omitempty"`
	ReactedAt      *time.Time        `json:"reacted_at,omitempty"`
}

// PraiseNotification is the in-memory, delivery-ready projection of a selected script.
// It is never persisted.
type PraiseNotification struct {
	ID             string            `json:"id"`
	HistoryID      string            `json:"history_id,omitempty"` // empty when the ledger write failed
	UserID         string            `json:"user_id"`
	Script         PraiseScript      `json:"script"`
	DeliveryMethod DeliveryMethod    `json:"delivery_method"`
	Timestamp      time.Time         `json:"timestamp"`
	Context        map[string]string `json:"context,omitempty"`
}
