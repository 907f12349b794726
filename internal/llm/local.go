package llm

import (
	"context"
	"errors"
)

type LocalProvider struct{}

func (LocalProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	return "", errors.New("local LLM mode is not implemented")
}

func (LocalProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []ToolSpec, onChunk StreamFunc) (*Completion, error) {
	return nil, errors.New("local LLM mode is not implemented")
}
