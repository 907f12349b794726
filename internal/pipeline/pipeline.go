// Package pipeline executes confirmed tool calls: at most once per
// call, persisting the outcome before the terminal delta goes out so
// a pull-channel refresh racing the push channel always observes a
// state at least as fresh.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/actions"
	"github.com/meridian-fi/meridian/control-plane/internal/delta"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/tools"
)

// EmitFunc publishes a stream delta for a conversation. Emission is
// best-effort; the persisted record is the source of truth.
type EmitFunc func(ctx context.Context, conversationID string, d delta.StreamDelta)

type Pipeline struct {
	store    store.Store
	registry *tools.Registry
	bindings actions.Bindings
	emit     EmitFunc
}

func New(st store.Store, registry *tools.Registry, bindings actions.Bindings, emit EmitFunc) *Pipeline {
	if emit == nil {
		emit = func(context.Context, string, delta.StreamDelta) {}
	}
	return &Pipeline{store: st, registry: registry, bindings: bindings, emit: emit}
}

// ExecuteConfirmed runs the bound action for a confirmed call. A call
// that is already terminal or already processing is a silent no-op,
// so duplicate confirmed transitions never execute twice. Failures
// are persisted as failed and never retried here; retry is a fresh
// user-initiated call.
func (p *Pipeline) ExecuteConfirmed(ctx context.Context, toolCallID string) error {
	record, err := p.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("tool call not found: %s", toolCallID)
	}
	if store.IsTerminalStep(record.Step) {
		return nil
	}

	won, err := p.store.BeginToolCallExecution(ctx, toolCallID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	p.emit(ctx, record.ConversationID, delta.NewStreamDelta(toolCallID, delta.StatusStreaming, map[string]any{
		"toolName": record.ToolName,
		"step":     "processing",
	}))

	outcome := p.invoke(ctx, record)

	terminal := store.ToolCall{
		ToolCallID:     toolCallID,
		ConversationID: record.ConversationID,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	content := map[string]any{"toolName": record.ToolName}
	if outcome.Success {
		terminal.Step = "completed"
		terminal.Result = outcome.Result
		content["step"] = "completed"
		content["result"] = outcome.Result
	} else {
		terminal.Step = "failed"
		terminal.Error = outcome.Error
		content["step"] = "failed"
		content["error"] = outcome.Error
	}

	if err := p.store.FinishToolCall(ctx, terminal); err != nil {
		return err
	}
	p.emit(ctx, record.ConversationID, delta.NewStreamDelta(toolCallID, delta.StatusIdle, content))
	return nil
}

// Cancel marks a non-terminal call canceled and emits the terminal
// delta. Canceling a terminal call is a no-op.
func (p *Pipeline) Cancel(ctx context.Context, toolCallID string) error {
	record, err := p.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return err
	}
	if record == nil || store.IsTerminalStep(record.Step) {
		return nil
	}
	if err := p.store.FinishToolCall(ctx, store.ToolCall{
		ToolCallID:     toolCallID,
		ConversationID: record.ConversationID,
		Step:           "canceled",
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	p.emit(ctx, record.ConversationID, delta.NewStreamDelta(toolCallID, delta.StatusIdle, map[string]any{
		"toolName": record.ToolName,
		"step":     "canceled",
	}))
	return nil
}

func (p *Pipeline) invoke(ctx context.Context, record *store.ToolCall) (outcome actions.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("action panic for %s: %v", record.ToolCallID, r)
			outcome = actions.Outcome{Success: false, Error: fmt.Sprintf("action panicked: %v", r)}
		}
	}()

	descriptor, ok := p.registry.Get(record.ToolName)
	if !ok {
		return actions.Outcome{Success: false, Error: fmt.Sprintf("unknown tool: %s", record.ToolName)}
	}
	binding, ok := p.bindings.Get(descriptor.Action)
	if !ok {
		return actions.Outcome{Success: false, Error: fmt.Sprintf("no action bound for %s", record.ToolName)}
	}

	ctx = actions.WithIdempotencyKey(ctx, record.ToolCallID)
	result, err := binding(ctx, record.Args)
	if err != nil {
		return actions.Outcome{Success: false, Error: err.Error()}
	}
	return result
}
