package delta

import "encoding/json"

// TypeStreamResult is the only delta type on the wire today. Consumers
// key off ToolCallID and treat Content as a merge patch.
const TypeStreamResult = "stream-result-data"

const (
	StatusStreaming = "streaming"
	StatusIdle      = "idle"
)

// StreamDelta is one ordered, partial-state update for a tool call.
// Deltas for the same ToolCallID are never reordered in transit;
// deltas for different ToolCallIDs may interleave arbitrarily.
type StreamDelta struct {
	Type       string         `json:"type"`
	Status     string         `json:"status,omitempty"`
	ToolCallID string         `json:"toolCallId"`
	Content    map[string]any `json:"content"`
}

func NewStreamDelta(toolCallID string, status string, content map[string]any) StreamDelta {
	return StreamDelta{
		Type:       TypeStreamResult,
		Status:     status,
		ToolCallID: toolCallID,
		Content:    content,
	}
}

// Parse decodes a delta from an event payload. The payload must carry
// the stream-result-data type marker.
func Parse(payload map[string]any) (StreamDelta, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return StreamDelta{}, false
	}
	var parsed StreamDelta
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return StreamDelta{}, false
	}
	if parsed.Type != TypeStreamResult || parsed.ToolCallID == "" {
		return StreamDelta{}, false
	}
	return parsed, true
}

// Payload renders the delta as an event payload map.
func (d StreamDelta) Payload() map[string]any {
	payload := map[string]any{
		"type":       d.Type,
		"toolCallId": d.ToolCallID,
		"content":    d.Content,
	}
	if d.Status != "" {
		payload["status"] = d.Status
	}
	return payload
}
