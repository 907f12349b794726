package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-fi/meridian/control-plane/internal/agent"
	"github.com/meridian-fi/meridian/control-plane/internal/delta"
	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

type ProcessTurnInput struct {
	ConversationID string
	MessageID      string
	Content        string
}

type ProcessTurnOutput struct {
	Reply              string `json:"reply"`
	AwaitingToolCallID string `json:"awaiting_tool_call_id,omitempty"`
}

type ResolveConfirmationInput struct {
	ConversationID string
	ToolCallID     string
	Decision       string
}

type TurnFailureInput struct {
	ConversationID string
	Error          string
}

// TurnEngine is the slice of the agent the activities need. Satisfied
// by agent.Engine.
type TurnEngine interface {
	RunTurn(ctx context.Context, input agent.TurnInput) (agent.TurnResult, error)
	ResolveDecision(ctx context.Context, toolCallID string, decision string) (agent.TurnResult, error)
}

var marshalJSON = json.Marshal

// TurnActivities runs agent turns from the worker. Assistant replies
// and lifecycle events go to the control plane over HTTP so connected
// SSE clients see them; if the control plane is unreachable they land
// in the shared store directly.
type TurnActivities struct {
	store            store.Store
	engine           TurnEngine
	controlPlane     string
	httpClient       *http.Client
	requestTimeout   time.Duration
	autopilotDefault bool
}

type TurnActivitiesOption func(*TurnActivities)

// WithAutopilotDefault sets the confirmation default applied when no
// user settings row exists yet.
func WithAutopilotDefault(autopilot bool) TurnActivitiesOption {
	return func(a *TurnActivities) {
		a.autopilotDefault = autopilot
	}
}

func NewTurnActivities(st store.Store, engine TurnEngine, controlPlaneURL string, opts ...TurnActivitiesOption) *TurnActivities {
	a := &TurnActivities{
		store:          st,
		engine:         engine,
		controlPlane:   strings.TrimRight(controlPlaneURL, "/"),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		requestTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TurnActivities) ProcessTurn(ctx context.Context, input ProcessTurnInput) (ProcessTurnOutput, error) {
	if strings.TrimSpace(input.ConversationID) == "" {
		return ProcessTurnOutput{}, errors.New("conversation_id required")
	}

	askForConfirmation := !a.autopilotEnabled(ctx, input.ConversationID)

	_ = a.emitEvent(ctx, input.ConversationID, events.TypeTurnStarted, map[string]any{
		"message_id": input.MessageID,
	})

	result, err := a.engine.RunTurn(ctx, agent.TurnInput{
		ConversationID:     input.ConversationID,
		MessageID:          input.MessageID,
		UserMessage:        input.Content,
		AskForConfirmation: askForConfirmation,
	})
	if err != nil {
		_ = a.emitEvent(ctx, input.ConversationID, events.TypeTurnFailed, map[string]any{"error": err.Error()})
		return ProcessTurnOutput{}, err
	}

	if strings.TrimSpace(result.Reply) != "" {
		if postErr := a.postMessage(ctx, input.ConversationID, result.Reply); postErr != nil {
			return ProcessTurnOutput{}, postErr
		}
	}
	_ = a.emitEvent(ctx, input.ConversationID, events.TypeTurnCompleted, map[string]any{
		"message_id":            input.MessageID,
		"awaiting_tool_call_id": result.AwaitingToolCallID,
	})
	return ProcessTurnOutput{
		Reply:              result.Reply,
		AwaitingToolCallID: result.AwaitingToolCallID,
	}, nil
}

// autopilotEnabled resolves the confirmation gate for a turn: the
// per-conversation flag wins when set, then the user settings row,
// then the configured default when no settings exist.
func (a *TurnActivities) autopilotEnabled(ctx context.Context, conversationID string) bool {
	if conversation, err := a.store.GetConversation(ctx, conversationID); err == nil && conversation != nil && conversation.Autopilot {
		return true
	}
	if settings, err := a.store.GetUserSettings(ctx); err == nil && settings != nil {
		return settings.Autopilot
	}
	return a.autopilotDefault
}

func (a *TurnActivities) ResolveConfirmation(ctx context.Context, input ResolveConfirmationInput) (ProcessTurnOutput, error) {
	if strings.TrimSpace(input.ConversationID) == "" {
		return ProcessTurnOutput{}, errors.New("conversation_id required")
	}
	if strings.TrimSpace(input.ToolCallID) == "" {
		return ProcessTurnOutput{}, errors.New("tool_call_id required")
	}

	result, err := a.engine.ResolveDecision(ctx, input.ToolCallID, input.Decision)
	if err != nil {
		_ = a.emitEvent(ctx, input.ConversationID, events.TypeTurnFailed, map[string]any{
			"tool_call_id": input.ToolCallID,
			"error":        err.Error(),
		})
		return ProcessTurnOutput{}, err
	}

	if strings.TrimSpace(result.Reply) != "" {
		if postErr := a.postMessage(ctx, input.ConversationID, result.Reply); postErr != nil {
			return ProcessTurnOutput{}, postErr
		}
	}
	_ = a.emitEvent(ctx, input.ConversationID, events.TypeTurnCompleted, map[string]any{
		"tool_call_id": input.ToolCallID,
		"decision":     input.Decision,
	})
	return ProcessTurnOutput{Reply: result.Reply}, nil
}

func (a *TurnActivities) HandleTurnFailure(ctx context.Context, input TurnFailureInput) error {
	if strings.TrimSpace(input.ConversationID) == "" {
		return errors.New("conversation_id required")
	}
	detail := strings.TrimSpace(input.Error)
	if detail == "" {
		detail = "unknown workflow activity error"
	}
	payload := map[string]any{"error": detail}
	if err := a.postEvent(ctx, input.ConversationID, events.TypeTurnFailed, payload); err == nil {
		return nil
	}
	return a.appendLocalEvent(ctx, input.ConversationID, events.TypeTurnFailed, payload)
}

// NewDeltaEmitter returns a stream hook that pushes each tool-call
// delta to the control plane as a tool.stream event, so SSE clients
// and the persisted tool call record stay current while the worker
// streams. Falls back to the shared store when the control plane is
// unreachable.
func NewDeltaEmitter(st store.Store, controlPlaneURL string) func(ctx context.Context, conversationID string, d delta.StreamDelta) {
	a := &TurnActivities{
		store:          st,
		controlPlane:   strings.TrimRight(controlPlaneURL, "/"),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		requestTimeout: 10 * time.Second,
	}
	return func(ctx context.Context, conversationID string, d delta.StreamDelta) {
		_ = a.emitEvent(ctx, conversationID, events.TypeToolStream, map[string]any{
			"type":       d.Type,
			"status":     d.Status,
			"toolCallId": d.ToolCallID,
			"content":    d.Content,
		})
	}
}

func (a *TurnActivities) emitEvent(ctx context.Context, conversationID string, eventType string, payload map[string]any) error {
	if err := a.postEvent(ctx, conversationID, eventType, payload); err == nil {
		return nil
	}
	return a.appendLocalEvent(ctx, conversationID, eventType, payload)
}

func (a *TurnActivities) appendLocalEvent(ctx context.Context, conversationID string, eventType string, payload map[string]any) error {
	seq, err := a.store.NextSeq(ctx, conversationID)
	if err != nil {
		return err
	}
	return a.store.AppendEvent(ctx, store.ConversationEvent{
		ConversationID: conversationID,
		Seq:            seq,
		Type:           eventType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Source:         "agent",
		TraceID:        uuid.New().String(),
		Payload:        payload,
	})
}

func (a *TurnActivities) postMessage(ctx context.Context, conversationID string, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("assistant message content empty")
	}
	if a.controlPlane == "" {
		return a.addLocalMessage(ctx, conversationID, content)
	}
	url := fmt.Sprintf("%s/conversations/%s/messages", a.controlPlane, conversationID)
	body, err := marshalJSON(map[string]string{
		"role":    "assistant",
		"content": content,
	})
	if err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		// control plane down; keep the reply in the store so history
		// survives even if no client saw it live
		return a.addLocalMessage(ctx, conversationID, content)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane message failed: %s", resp.Status)
	}
	return nil
}

func (a *TurnActivities) addLocalMessage(ctx context.Context, conversationID string, content string) error {
	return a.store.AddMessage(ctx, store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        content,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (a *TurnActivities) postEvent(ctx context.Context, conversationID string, eventType string, payload map[string]any) error {
	if a.controlPlane == "" {
		return errors.New("control plane url not configured")
	}
	url := fmt.Sprintf("%s/conversations/%s/events", a.controlPlane, conversationID)
	body, err := marshalJSON(map[string]any{
		"type":      eventType,
		"source":    "agent",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"trace_id":  uuid.New().String(),
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane event failed: %s", resp.Status)
	}
	return nil
}
