// Package agent drives one conversational turn: capability scoping,
// the model's multi-step tool-calling loop, partial-parameter
// streaming, and the hand-off into confirmation or execution.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/delta"
	"github.com/meridian-fi/meridian/control-plane/internal/invocation"
	"github.com/meridian-fi/meridian/control-plane/internal/llm"
	"github.com/meridian-fi/meridian/control-plane/internal/orchestrator"
	"github.com/meridian-fi/meridian/control-plane/internal/pipeline"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/tools"
)

// Executor runs or cancels a confirmed call. Satisfied by
// pipeline.Pipeline.
type Executor interface {
	ExecuteConfirmed(ctx context.Context, toolCallID string) error
	Cancel(ctx context.Context, toolCallID string) error
}

type Config struct {
	Provider      llm.Provider
	Classifier    llm.Provider
	Selector      *orchestrator.Orchestrator
	Registry      *tools.Registry
	Store         store.Store
	Executor      Executor
	Emit          pipeline.EmitFunc
	MaxIterations int
}

type Engine struct {
	provider      llm.Provider
	classifier    llm.Provider
	selector      *orchestrator.Orchestrator
	registry      *tools.Registry
	store         store.Store
	executor      Executor
	emit          pipeline.EmitFunc
	maxIterations int
}

func NewEngine(cfg Config) *Engine {
	emit := cfg.Emit
	if emit == nil {
		emit = func(context.Context, string, delta.StreamDelta) {}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 6
	}
	return &Engine{
		provider:      cfg.Provider,
		classifier:    cfg.Classifier,
		selector:      cfg.Selector,
		registry:      cfg.Registry,
		store:         cfg.Store,
		executor:      cfg.Executor,
		emit:          emit,
		maxIterations: maxIterations,
	}
}

type TurnInput struct {
	ConversationID     string
	MessageID          string
	UserMessage        string
	AskForConfirmation bool
}

type TurnResult struct {
	Reply              string
	AwaitingToolCallID string
}

const systemPrompt = `You are Meridian, an assistant that manages on-chain actions for the user.
Use the provided tools to act. Propose one action at a time. Ask for missing details instead of guessing amounts or tokens.
Every state-changing action is confirmed by the user before it executes; never claim an action happened unless a tool result says so.`

// RunTurn processes one user message. If a prior call is still
// awaiting confirmation, the message is classified against it; other
// turns run the scoped tool-calling loop. The loop stops early the
// moment a call lands in awaiting-confirmation, so the model cannot
// act speculatively past a point requiring human input.
func (e *Engine) RunTurn(ctx context.Context, input TurnInput) (TurnResult, error) {
	pending, err := e.findPendingCall(ctx, input.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if pending != nil {
		return e.handlePendingReply(ctx, input, pending)
	}
	return e.runToolLoop(ctx, input)
}

// ResolveDecision applies a structured confirmation decision from the
// client (a button press) directly, bypassing classification.
func (e *Engine) ResolveDecision(ctx context.Context, toolCallID string, decision string) (TurnResult, error) {
	record, err := e.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return TurnResult{}, err
	}
	if record == nil {
		return TurnResult{}, fmt.Errorf("tool call not found: %s", toolCallID)
	}
	step := invocation.Step(record.Step)
	switch decision {
	case "confirm":
		if !invocation.CanTransition(step, invocation.StepConfirmed) {
			return settledReply(record), nil
		}
		return e.confirmAndExecute(ctx, record)
	case "cancel":
		if !invocation.CanTransition(step, invocation.StepCanceled) {
			return settledReply(record), nil
		}
		if err := e.executor.Cancel(ctx, toolCallID); err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Reply: fmt.Sprintf("Okay, I've canceled the %s.", describeTool(record.ToolName))}, nil
	default:
		return TurnResult{}, fmt.Errorf("unknown decision: %s", decision)
	}
}

// settledReply describes a call that a late or duplicate decision can
// no longer move: already executing, or terminal.
func settledReply(record *store.ToolCall) TurnResult {
	switch record.Step {
	case string(invocation.StepCompleted):
		return TurnResult{Reply: completedReply(record)}
	case string(invocation.StepFailed):
		return TurnResult{Reply: fmt.Sprintf("The %s failed: %s", describeTool(record.ToolName), record.Error)}
	case string(invocation.StepCanceled):
		return TurnResult{Reply: fmt.Sprintf("The %s was already canceled.", describeTool(record.ToolName))}
	default:
		return TurnResult{Reply: fmt.Sprintf("The %s is already executing and can no longer be changed.", describeTool(record.ToolName))}
	}
}

func (e *Engine) findPendingCall(ctx context.Context, conversationID string) (*store.ToolCall, error) {
	calls, err := e.store.ListToolCalls(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Step == string(invocation.StepAwaitingConfirmation) {
			call := calls[i]
			return &call, nil
		}
	}
	return nil, nil
}

func (e *Engine) handlePendingReply(ctx context.Context, input TurnInput, pending *store.ToolCall) (TurnResult, error) {
	descriptor, ok := e.registry.Get(pending.ToolName)
	if !ok {
		// tool disappeared from the registry between turns
		if err := e.executor.Cancel(ctx, pending.ToolCallID); err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Reply: fmt.Sprintf("The %s action is no longer available, so I've canceled it.", describeTool(pending.ToolName))}, nil
	}

	inv := &invocation.Invocation{
		ToolCallID:     pending.ToolCallID,
		ConversationID: pending.ConversationID,
		ToolName:       pending.ToolName,
		Step:           invocation.Step(pending.Step),
		Args:           pending.Args,
	}
	decision := invocation.Classify(ctx, e.classifier, &descriptor, inv, input.UserMessage)

	switch decision.Kind {
	case invocation.KindConfirm:
		return e.confirmAndExecute(ctx, pending)
	case invocation.KindCancel:
		if err := e.executor.Cancel(ctx, pending.ToolCallID); err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Reply: fmt.Sprintf("Okay, I've canceled the %s.", describeTool(pending.ToolName))}, nil
	default:
		return e.applyUpdate(ctx, input, pending, &descriptor, decision.Args)
	}
}

func (e *Engine) applyUpdate(ctx context.Context, input TurnInput, pending *store.ToolCall, descriptor *tools.Descriptor, patch map[string]any) (TurnResult, error) {
	merged := pending.Args
	if len(patch) > 0 {
		merged = delta.Merge(pending.Args, patch)
	}
	merged, _ = resolveTokenArgs(merged)
	derived := invocation.DeriveStep(descriptor, merged, input.AskForConfirmation)

	record := store.ToolCall{
		ToolCallID:     pending.ToolCallID,
		ConversationID: pending.ConversationID,
		MessageID:      pending.MessageID,
		ToolName:       pending.ToolName,
		Step:           string(derived),
		Args:           merged,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.store.UpsertToolCall(ctx, record); err != nil {
		return TurnResult{}, err
	}
	e.emit(ctx, pending.ConversationID, delta.NewStreamDelta(pending.ToolCallID, delta.StatusIdle, map[string]any{
		"toolName": pending.ToolName,
		"step":     string(derived),
		"args":     merged,
	}))

	if derived == invocation.StepConfirmed {
		return e.confirmAndExecute(ctx, &record)
	}
	return TurnResult{
		Reply:              awaitingReply(descriptor, merged),
		AwaitingToolCallID: pending.ToolCallID,
	}, nil
}

func (e *Engine) confirmAndExecute(ctx context.Context, record *store.ToolCall) (TurnResult, error) {
	update := store.ToolCall{
		ToolCallID:     record.ToolCallID,
		ConversationID: record.ConversationID,
		Step:           string(invocation.StepConfirmed),
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.store.UpsertToolCall(ctx, update); err != nil {
		return TurnResult{}, err
	}
	if err := e.executor.ExecuteConfirmed(ctx, record.ToolCallID); err != nil {
		return TurnResult{}, err
	}

	final, err := e.store.GetToolCall(ctx, record.ToolCallID)
	if err != nil {
		return TurnResult{}, err
	}
	if final == nil {
		return TurnResult{}, fmt.Errorf("tool call not found after execution: %s", record.ToolCallID)
	}
	switch final.Step {
	case string(invocation.StepCompleted):
		return TurnResult{Reply: completedReply(final)}, nil
	case string(invocation.StepFailed):
		return TurnResult{Reply: fmt.Sprintf("The %s failed: %s", describeTool(final.ToolName), final.Error)}, nil
	default:
		return TurnResult{Reply: fmt.Sprintf("The %s is still processing.", describeTool(final.ToolName))}, nil
	}
}

func (e *Engine) runToolLoop(ctx context.Context, input TurnInput) (TurnResult, error) {
	history, err := e.loadHistory(ctx, input.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}
	history = append(history, llm.Message{Role: "user", Content: input.UserMessage})

	selection, err := e.selector.SelectToolsets(ctx, history)
	if err != nil {
		return TurnResult{}, err
	}
	if missing := orchestrator.InvalidTools(selection); len(missing) > 0 && len(orchestrator.ValidToolsets(selection)) == 0 {
		return TurnResult{Reply: unsupportedReply(missing)}, nil
	}
	descriptors := e.registry.ToolsForToolsets(orchestrator.ValidToolsets(selection))

	messages := append([]llm.Message{{Role: "system", Content: systemPrompt}}, history...)
	specs := toolSpecs(descriptors)

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		streamer := newArgStreamer(ctx, input.ConversationID, e.emit)
		completion, err := e.provider.GenerateWithTools(ctx, messages, specs, streamer.onChunk)
		if err != nil {
			return TurnResult{}, err
		}
		if len(completion.ToolCalls) == 0 {
			return TurnResult{Reply: completion.Content}, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})

		for _, call := range completion.ToolCalls {
			result, halt, err := e.handleProposedCall(ctx, input, call)
			if err != nil {
				return TurnResult{}, err
			}
			if halt != nil {
				return *halt, nil
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
	return TurnResult{Reply: "I couldn't finish that in one go — could you rephrase or narrow it down?"}, nil
}

// handleProposedCall takes one model-proposed call through the family
// states and either executes it (autopilot or non-confirming tool),
// parks it awaiting confirmation (halting the loop), or reports a
// tool-level error back to the model.
func (e *Engine) handleProposedCall(ctx context.Context, input TurnInput, call llm.ToolCall) (string, *TurnResult, error) {
	descriptor, ok := e.registry.Get(call.Name)
	if !ok {
		return toolError(fmt.Sprintf("%s%s", orchestrator.InvalidToolPrefix, call.Name)), nil, nil
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolError(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)), nil, nil
		}
	}

	e.emit(ctx, input.ConversationID, delta.NewStreamDelta(call.ID, delta.StatusStreaming, map[string]any{
		"toolName":  call.Name,
		"messageId": input.MessageID,
		"step":      string(invocation.StepToolSearch),
		"args":      args,
	}))

	resolved, changed := resolveTokenArgs(args)
	if changed {
		e.emit(ctx, input.ConversationID, delta.NewStreamDelta(call.ID, delta.StatusStreaming, map[string]any{
			"toolName": call.Name,
			"step":     string(invocation.StepMarketSelection),
			"args":     resolved,
		}))
	}

	derived := invocation.DeriveStep(&descriptor, resolved, input.AskForConfirmation)
	record := store.ToolCall{
		ToolCallID:     call.ID,
		ConversationID: input.ConversationID,
		MessageID:      input.MessageID,
		ToolName:       call.Name,
		Step:           string(derived),
		Args:           resolved,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.store.UpsertToolCall(ctx, record); err != nil {
		return "", nil, err
	}
	e.emit(ctx, input.ConversationID, delta.NewStreamDelta(call.ID, delta.StatusIdle, map[string]any{
		"toolName":  call.Name,
		"messageId": input.MessageID,
		"step":      string(derived),
		"args":      resolved,
	}))

	if derived == invocation.StepAwaitingConfirmation {
		halt := &TurnResult{
			Reply:              awaitingReply(&descriptor, resolved),
			AwaitingToolCallID: call.ID,
		}
		return "", halt, nil
	}

	if _, err := e.confirmAndExecute(ctx, &record); err != nil {
		return "", nil, err
	}
	final, err := e.store.GetToolCall(ctx, call.ID)
	if err != nil {
		return "", nil, err
	}
	return toolResult(final), nil, nil
}

func (e *Engine) loadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	stored, err := e.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// argStreamer turns the model's incremental tool-call argument
// fragments into updating deltas. A delta goes out each time the
// accumulated fragment buffer forms a complete JSON object, so
// consumers only ever see well-formed merge patches.
type argStreamer struct {
	ctx            context.Context
	conversationID string
	emit           pipeline.EmitFunc
	buffers        map[string]*strings.Builder
	names          map[string]string
}

func newArgStreamer(ctx context.Context, conversationID string, emit pipeline.EmitFunc) *argStreamer {
	return &argStreamer{
		ctx:            ctx,
		conversationID: conversationID,
		emit:           emit,
		buffers:        map[string]*strings.Builder{},
		names:          map[string]string{},
	}
}

func (s *argStreamer) onChunk(chunk llm.StreamChunk) {
	if chunk.ToolCallID == "" || chunk.ArgsDelta == "" {
		return
	}
	buffer, ok := s.buffers[chunk.ToolCallID]
	if !ok {
		buffer = &strings.Builder{}
		s.buffers[chunk.ToolCallID] = buffer
	}
	buffer.WriteString(chunk.ArgsDelta)
	if chunk.ToolName != "" {
		s.names[chunk.ToolCallID] = chunk.ToolName
	}

	partial := map[string]any{}
	if err := json.Unmarshal([]byte(buffer.String()), &partial); err != nil {
		return
	}
	s.emit(s.ctx, s.conversationID, delta.NewStreamDelta(chunk.ToolCallID, delta.StatusStreaming, map[string]any{
		"toolName": s.names[chunk.ToolCallID],
		"step":     string(invocation.StepUpdating),
		"args":     partial,
	}))
}

func toolSpecs(descriptors []tools.Descriptor) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(descriptors))
	for _, descriptor := range descriptors {
		specs = append(specs, llm.ToolSpec{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			Parameters:  descriptor.Parameters,
		})
	}
	return specs
}

func toolResult(record *store.ToolCall) string {
	if record == nil {
		return toolError("tool call record missing")
	}
	payload := map[string]any{"success": record.Step == string(invocation.StepCompleted)}
	if len(record.Result) > 0 {
		payload["result"] = record.Result
	}
	if record.Error != "" {
		payload["error"] = record.Error
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return toolError(err.Error())
	}
	return string(encoded)
}

func toolError(message string) string {
	encoded, _ := json.Marshal(map[string]any{"success": false, "error": message})
	return string(encoded)
}

func describeTool(toolName string) string {
	return strings.ReplaceAll(toolName, "_", " ")
}

func awaitingReply(descriptor *tools.Descriptor, args map[string]any) string {
	missing := invocation.MissingMandatory(descriptor, args)
	if len(missing) > 0 {
		return fmt.Sprintf("I've set up a %s but still need: %s.", describeTool(descriptor.Name), strings.Join(missing, ", "))
	}
	return fmt.Sprintf("I've prepared a %s — confirm to proceed, or tell me what to change.", describeTool(descriptor.Name))
}

func completedReply(record *store.ToolCall) string {
	if signature, ok := record.Result["signature"].(string); ok && signature != "" {
		return fmt.Sprintf("Done — the %s went through (signature %s).", describeTool(record.ToolName), signature)
	}
	return fmt.Sprintf("Done — the %s completed.", describeTool(record.ToolName))
}

func unsupportedReply(missing []string) string {
	return fmt.Sprintf("I can't do that yet — %s isn't a capability I support.", strings.Join(missing, ", "))
}
