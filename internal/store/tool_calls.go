package store

import (
	"strings"

	"github.com/meridian-fi/meridian/control-plane/internal/delta"
)

// terminalSteps mirrors the invocation lifecycle's terminal set. Kept
// local so the store does not pull in the state machine package.
var terminalSteps = map[string]struct{}{
	"completed": {},
	"failed":    {},
	"canceled":  {},
}

func IsTerminalStep(step string) bool {
	_, ok := terminalSteps[step]
	return ok
}

// BuildToolCallPatchFromEvent projects a tool.stream event into a
// ToolCall row patch so ingested deltas keep the persisted record
// warm even when the writer is a remote worker. Events of other types
// produce no patch.
func BuildToolCallPatchFromEvent(event ConversationEvent) (ToolCall, bool) {
	if normalizeEventType(event.Type) != "tool.stream" {
		return ToolCall{}, false
	}
	toolCallID := firstString(event.Payload, "toolCallId", "tool_call_id")
	if toolCallID == "" {
		return ToolCall{}, false
	}

	patch := ToolCall{
		ToolCallID:     toolCallID,
		ConversationID: event.ConversationID,
		UpdatedAt:      event.Timestamp,
	}
	content, _ := event.Payload["content"].(map[string]any)
	if content == nil {
		return patch, true
	}

	patch.ToolName = firstString(content, "toolName")
	patch.MessageID = firstString(content, "messageId")
	patch.Step = firstString(content, "step")
	patch.Error = firstString(content, "error")
	if args, ok := content["args"].(map[string]any); ok {
		patch.Args = args
	}
	if result, ok := content["result"].(map[string]any); ok {
		patch.Result = result
	}
	return patch, true
}

// MergeToolCall folds an incoming patch into the existing record.
// Terminal records win unconditionally; args merge as a recursive
// patch, the rest overwrite when present.
func MergeToolCall(existing ToolCall, incoming ToolCall) ToolCall {
	if IsTerminalStep(existing.Step) {
		return existing
	}

	merged := existing
	if merged.ToolCallID == "" {
		merged.ToolCallID = incoming.ToolCallID
	}
	if merged.ConversationID == "" {
		merged.ConversationID = incoming.ConversationID
	}
	if incoming.MessageID != "" {
		merged.MessageID = incoming.MessageID
	}
	if incoming.ToolName != "" {
		merged.ToolName = incoming.ToolName
	}
	if incoming.Step != "" {
		merged.Step = incoming.Step
	}
	if len(incoming.Args) > 0 {
		merged.Args = delta.Merge(merged.Args, incoming.Args)
	}
	if len(incoming.Result) > 0 {
		merged.Result = incoming.Result
	}
	if incoming.Error != "" {
		merged.Error = incoming.Error
	}
	if merged.CreatedAt == "" {
		merged.CreatedAt = incoming.CreatedAt
	}
	if incoming.UpdatedAt != "" {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

func normalizeEventType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
