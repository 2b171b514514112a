// Package genai drafts new praise scripts with the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/TaskDOM/TaskDOM/internal/models"
	"github.com/TaskDOM/TaskDOM/internal/util"
)

// Client defaults
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.9
	DefaultMaxTokens   = 300
)

var (
	// ErrNoChoicesReturned is returned when the API responds without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrAPIKeyNotSet is returned by NewClient when no key is configured.
	ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY not set")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string // debug logs are written under StateDir/debug
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides DefaultTemperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response as JSON under stateDir/debug.
func WithDebugMode(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// NewClient creates a GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens, "debug", cfg.DebugMode)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GeneratePromptWithContext returns the model's reply to a system and user prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI completion failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	c.writeDebugLog("GeneratePromptWithContext", params, content)
	return content, nil
}

// DraftRequest describes the script to draft.
type DraftRequest struct {
	Category    models.Category    `json:"category"`
	TriggerType models.TriggerType `json:"trigger_type"`
	VibeTone    string             `json:"vibe_tone,omitempty"`
	Explicit    bool               `json:"is_explicit"`
	Guidance    string             `json:"guidance,omitempty"`
}

// Validate checks the request enums.
func (r DraftRequest) Validate() error {
	if !models.IsValidCategory(r.Category) {
		return models.ErrInvalidCategory
	}
	if !models.IsValidTriggerType(r.TriggerType) {
		return models.ErrInvalidTriggerType
	}
	return nil
}

const draftSystemPrompt = `You write short praise notifications for a reading and productivity app.
Reply with a JSON object only: {"text": "...", "vibe_tone": "...", "sub_category": "..."}.
"text" is one or two sentences, under 200 characters, spoken directly to the user.
Never use emoji. Never mention that you are an AI.`

// draftReply is the JSON shape requested from the model.
type draftReply struct {
	Text        string `json:"text"`
	VibeTone    string `json:"vibe_tone"`
	SubCategory string `json:"sub_category"`
}

// DraftScript asks the model for a new script. Drafts are returned inactive so they
// are reviewed before entering rotation.
func (c *Client) DraftScript(ctx context.Context, req DraftRequest) (models.PraiseScript, error) {
	if err := req.Validate(); err != nil {
		return models.PraiseScript{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\nTrigger event: %s\n", req.Category, req.TriggerType)
	if req.VibeTone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.VibeTone)
	}
	if req.Explicit {
		b.WriteString("Adult, suggestive language is allowed.\n")
	} else {
		b.WriteString("Keep it safe for work.\n")
	}
	if req.Guidance != "" {
		fmt.Fprintf(&b, "Extra guidance: %s\n", req.Guidance)
	}

	content, err := c.GeneratePromptWithContext(ctx, draftSystemPrompt, b.String())
	if err != nil {
		return models.PraiseScript{}, err
	}

	reply := parseDraftReply(content)
	if reply.VibeTone == "" {
		reply.VibeTone = req.VibeTone
	}
	script := models.PraiseScript{
		ID:          util.GenerateScriptID(),
		Category:    req.Category,
		SubCategory: reply.SubCategory,
		VibeTone:    reply.VibeTone,
		Text:        reply.Text,
		TriggerType: req.TriggerType,
		IsExplicit:  req.Explicit,
		IsActive:    false,
	}
	if err := script.Validate(); err != nil {
		return models.PraiseScript{}, fmt.Errorf("drafted script rejected: %w", err)
	}
	slog.Info("GenAI drafted script", "id", script.ID, "category", script.Category, "trigger", script.TriggerType)
	return script, nil
}

// parseDraftReply falls back to the raw content as text when the reply is not JSON.
func parseDraftReply(content string) draftReply {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var reply draftReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		slog.Debug("GenAI draft reply is not JSON, using raw text", "error", err)
		return draftReply{Text: strings.TrimSpace(content)}
	}
	reply.Text = strings.TrimSpace(reply.Text)
	return reply
}

// debugLogEntry is one request/response pair written in debug mode.
type debugLogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  string      `json:"response"`
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, response string) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI debug log dir creation failed", "error", err)
		return
	}
	entry := debugLogEntry{
		Timestamp: time.Now().UTC(),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug log marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%s.json", entry.Timestamp.Format("20060102T150405.000000000"), method, util.GenerateRandomID("", 6))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("GenAI debug log write failed", "error", err)
	}
}
