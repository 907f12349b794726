package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, map[string]any{
		"model":    p.model,
		"messages": wireMessages(messages),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("LLM response had no choices")
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("LLM response was empty")
	}
	return content, nil
}

func (p *OpenAIProvider) GenerateWithTools(ctx context.Context, messages []Message, tools []ToolSpec, onChunk StreamFunc) (*Completion, error) {
	payload := map[string]any{
		"model":    p.model,
		"messages": wireMessages(messages),
		"stream":   true,
	}
	if len(tools) > 0 {
		wireTools := make([]map[string]any, 0, len(tools))
		for _, tool := range tools {
			wireTools = append(wireTools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		payload["tools"] = wireTools
	}
	resp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readStream(resp, onChunk)
}

func (p *OpenAIProvider) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return nil, errors.New("missing model for remote provider")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("LLM request failed: %s", resp.Status)
	}
	return resp, nil
}

type streamChunkWire struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func readStream(resp *http.Response, onChunk StreamFunc) (*Completion, error) {
	completion := &Completion{}
	var content strings.Builder
	partials := map[int]*partialToolCall{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk streamChunkWire
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onChunk != nil {
					onChunk(StreamChunk{ContentDelta: choice.Delta.Content})
				}
			}
			for _, call := range choice.Delta.ToolCalls {
				partial, ok := partials[call.Index]
				if !ok {
					partial = &partialToolCall{}
					partials[call.Index] = partial
				}
				if call.ID != "" {
					partial.id = call.ID
				}
				if call.Function.Name != "" {
					partial.name = call.Function.Name
				}
				if call.Function.Arguments != "" {
					partial.args.WriteString(call.Function.Arguments)
				}
				if onChunk != nil {
					onChunk(StreamChunk{
						ToolCallID: partial.id,
						ToolName:   partial.name,
						ArgsDelta:  call.Function.Arguments,
					})
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	completion.Content = strings.TrimSpace(content.String())
	indexes := make([]int, 0, len(partials))
	for index := range partials {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		partial := partials[index]
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: partial.args.String(),
		})
	}
	if completion.Content == "" && len(completion.ToolCalls) == 0 {
		return nil, errors.New("LLM stream produced no content")
	}
	return completion, nil
}

func wireMessages(messages []Message) []map[string]any {
	wire := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		entry := map[string]any{
			"role":    message.Role,
			"content": message.Content,
		}
		if message.ToolCallID != "" {
			entry["tool_call_id"] = message.ToolCallID
		}
		if len(message.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(message.ToolCalls))
			for _, call := range message.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": call.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		wire = append(wire, entry)
	}
	return wire
}
