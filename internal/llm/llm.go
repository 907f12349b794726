package llm

import (
	"context"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec mirrors the function-calling tool declaration. Parameters is
// marshalled as-is, so callers can hand in a tools.Schema directly.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// StreamChunk is one incremental fragment of a streamed completion.
// Tool-call argument fragments arrive keyed by call id so callers can
// forward them as partial-parameter deltas while the model is still
// generating.
type StreamChunk struct {
	ContentDelta string
	ToolCallID   string
	ToolName     string
	ArgsDelta    string
}

type StreamFunc func(chunk StreamChunk)

type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
	GenerateWithTools(ctx context.Context, messages []Message, tools []ToolSpec, onChunk StreamFunc) (*Completion, error)
}

type Config struct {
	Mode            string
	Provider        string
	Model           string
	ClassifierModel string
	BaseURL         string
	OpenAIAPIKey    string
	OpenRouterKey   string
}

func NewProvider(cfg Config) (Provider, error) {
	if cfg.Mode == "local" {
		return LocalProvider{}, nil
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenRouterKey,
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

// NewClassifierProvider returns the cheap model used for toolset
// scoping and confirmation classification, falling back to the main
// model when no dedicated classifier is configured.
func NewClassifierProvider(cfg Config) (Provider, error) {
	if cfg.ClassifierModel != "" {
		cfg.Model = cfg.ClassifierModel
	}
	return NewProvider(cfg)
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
