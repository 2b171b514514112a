package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/TaskDOM/TaskDOM/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func replyWith(content string) *mockChatService {
	return &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}}
}

func newTestClient(chat chatService) *Client {
	return &Client{chat: chat, model: "test-model", temperature: 0.5, maxTokens: 100}
}

func TestGeneratePromptWithContext_Success(t *testing.T) {
	mock := replyWith("Hello World")
	client := newTestClient(mock)
	out, err := client.GeneratePromptWithContext(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if string(mock.params.Model) != "test-model" || len(mock.params.Messages) != 2 {
		t.Errorf("unexpected request params: model=%s messages=%d", mock.params.Model, len(mock.params.Messages))
	}
}

func TestGeneratePromptWithContext_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.GeneratePromptWithContext(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePromptWithContext_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}})
	_, err := client.GeneratePromptWithContext(context.Background(), "sys", "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.2), WithMaxTokens(42))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.temperature != 0.2 || cli.maxTokens != 42 {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestNewClient_EnvKeyAndDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cli, err := NewClient()
	if err != nil {
		t.Fatalf("expected env key to be used, got %v", err)
	}
	if cli.model != DefaultModel || cli.maxTokens != DefaultMaxTokens {
		t.Errorf("expected defaults, got %+v", cli)
	}
}

func TestDraftScript_JSONReply(t *testing.T) {
	client := newTestClient(replyWith("```json\n{\"text\": \" Chapter closed, legend status. \", \"vibe_tone\": \"proud\", \"sub_category\": \"finish\"}\n```"))
	sc, err := client.DraftScript(context.Background(), DraftRequest{
		Category:    models.CategoryAchievement,
		TriggerType: models.TriggerBookCompletion,
	})
	if err != nil {
		t.Fatalf("DraftScript failed: %v", err)
	}
	if sc.Text != "Chapter closed, legend status." || sc.VibeTone != "proud" || sc.SubCategory != "finish" {
		t.Errorf("unexpected draft: %+v", sc)
	}
	if !strings.HasPrefix(sc.ID, "ps_") || sc.IsActive || sc.IsExplicit {
		t.Errorf("expected inactive non-explicit draft with ps_ id, got %+v", sc)
	}
	if sc.Category != models.CategoryAchievement || sc.TriggerType != models.TriggerBookCompletion {
		t.Errorf("expected request enums on the draft, got %+v", sc)
	}
}

func TestDraftScript_PlainTextFallback(t *testing.T) {
	client := newTestClient(replyWith("  You did the thing.  "))
	sc, err := client.DraftScript(context.Background(), DraftRequest{
		Category:    models.CategoryPlayful,
		TriggerType: models.TriggerTaskCompletion,
		VibeTone:    "cheeky",
		Explicit:    true,
	})
	if err != nil {
		t.Fatalf("DraftScript failed: %v", err)
	}
	if sc.Text != "You did the thing." || sc.VibeTone != "cheeky" || !sc.IsExplicit {
		t.Errorf("unexpected fallback draft: %+v", sc)
	}
}

func TestDraftScript_Rejections(t *testing.T) {
	tests := []struct {
		name string
		chat chatService
		req  DraftRequest
		want error
	}{
		{"invalid category", replyWith("x"), DraftRequest{Category: "spicy", TriggerType: models.TriggerTaskCompletion}, models.ErrInvalidCategory},
		{"invalid trigger", replyWith("x"), DraftRequest{Category: models.CategoryGeneral, TriggerType: "sneeze"}, models.ErrInvalidTriggerType},
		{"empty text", replyWith(`{"text": ""}`), DraftRequest{Category: models.CategoryGeneral, TriggerType: models.TriggerTaskCompletion}, models.ErrEmptyScriptText},
		{"no choices", &mockChatService{}, DraftRequest{Category: models.CategoryGeneral, TriggerType: models.TriggerTaskCompletion}, ErrNoChoicesReturned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestClient(tt.chat).DraftScript(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
