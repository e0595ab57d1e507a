// ABOUTME: OpenAI-compatible chat backend that talks to a completion API directly
// ABOUTME: Implements api.ChatBackend so the session manager can run without the parley server

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/2389/parley/internal/api"
	"github.com/2389/parley/internal/store"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const systemPrompt = "You are a helpful assistant."

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"ar": "Arabic",
	"ru": "Russian",
	"hi": "Hindi",
}

// LanguageName returns the English name of a language code, defaulting to
// English for unknown codes.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return "English"
}

// Config configures a Backend.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

// Backend generates replies with the OpenAI chat completions API or any
// compatible server.
type Backend struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

var _ api.ChatBackend = (*Backend)(nil)

// New creates a Backend.
func New(cfg Config) *Backend {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: logger.With("component", "llm"),
	}
}

// Chat sends the history and the new user turn and returns the first choice.
func (b *Backend) Chat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: BuildMessages(req.MessageHistory, req.Message, req.Language),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	b.logger.Debug("completion received",
		"conversation_id", req.ConversationID,
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens)

	return &api.ChatResponse{
		Message:        resp.Choices[0].Message.Content,
		MessageID:      uuid.New().String(),
		ConversationID: req.ConversationID,
	}, nil
}

// BuildMessages maps conversation history onto completion roles. Synthetic
// error messages are left out; the new turn carries the language instruction.
func BuildMessages(history []store.Message, message, language string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range history {
		if m.IsError {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.IsAI() {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Please respond in %s.\n\n%s", LanguageName(language), message),
	})
	return msgs
}
