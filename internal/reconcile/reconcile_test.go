package reconcile

import (
	"testing"

	"github.com/meridian-fi/meridian/control-plane/internal/delta"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

func streamingDelta(toolCallID string, content map[string]any) delta.StreamDelta {
	return delta.NewStreamDelta(toolCallID, delta.StatusStreaming, content)
}

func TestApplyDelta_MergesLiveState(t *testing.T) {
	state := NewState()

	state.ApplyDelta(streamingDelta("call-1", map[string]any{
		"step": "updating",
		"args": map[string]any{"inputAmount": 1.0},
	}))
	state.ApplyDelta(streamingDelta("call-1", map[string]any{
		"args": map[string]any{"inputToken": map[string]any{"token": "SOL"}},
	}))

	view := state.View()
	if len(view) != 1 {
		t.Fatalf("view = %v", view)
	}
	if view[0].Step != "updating" || view[0].Args["inputAmount"] != 1.0 {
		t.Fatalf("call = %+v", view[0])
	}
	input := view[0].Args["inputToken"].(map[string]any)
	if input["token"] != "SOL" {
		t.Fatalf("inputToken = %v", input)
	}
}

func TestApplyDelta_ReplayIsNoOp(t *testing.T) {
	state := NewState()
	d := streamingDelta("call-1", map[string]any{"args": map[string]any{"inputAmount": 1.0}})

	state.ApplyDelta(d)
	first := state.View()
	state.ApplyDelta(d)
	second := state.View()

	if len(first) != 1 || len(second) != 1 {
		t.Fatal("expected one call")
	}
	if first[0].Args["inputAmount"] != second[0].Args["inputAmount"] {
		t.Fatal("replay changed merged state")
	}
}

func TestApplySnapshot_AuthoritativeBase(t *testing.T) {
	state := NewState()
	state.ApplyDelta(streamingDelta("call-1", map[string]any{
		"step": "updating",
		"args": map[string]any{"inputAmount": 2.0},
	}))

	state.ApplySnapshot(
		[]store.Message{{ID: "msg-1", Role: "user", Content: "swap"}},
		[]store.ToolCall{{
			ToolCallID: "call-1",
			ToolName:   "swap_tokens",
			Step:       "awaiting-confirmation",
			Args:       map[string]any{"inputAmount": 1.0, "slippageBps": 50.0},
		}},
	)

	view := state.View()
	if len(view) != 1 {
		t.Fatalf("view = %v", view)
	}
	// live edit overlays the slightly-stale snapshot
	if view[0].Args["inputAmount"] != 2.0 {
		t.Fatalf("live edit clobbered: %v", view[0].Args)
	}
	// snapshot fields the live patch never touched survive
	if view[0].Args["slippageBps"] != 50.0 {
		t.Fatalf("snapshot base lost: %v", view[0].Args)
	}
	if len(state.Messages()) != 1 {
		t.Fatal("messages not replaced")
	}
}

func TestApplySnapshot_TerminalDropsLiveOverlay(t *testing.T) {
	state := NewState()
	state.ApplyDelta(streamingDelta("call-1", map[string]any{
		"step": "updating",
		"args": map[string]any{"inputAmount": 9.0},
	}))

	state.ApplySnapshot(nil, []store.ToolCall{{
		ToolCallID: "call-1",
		Step:       "completed",
		Result:     map[string]any{"signature": "abc123"},
	}})

	view := state.View()
	if view[0].Step != "completed" || view[0].Result["signature"] != "abc123" {
		t.Fatalf("terminal snapshot overridden: %+v", view[0])
	}
	if len(view[0].Args) != 0 {
		t.Fatalf("stale live args overlaid on terminal call: %v", view[0].Args)
	}
}

func TestView_LiveOnlyCallsIncluded(t *testing.T) {
	state := NewState()
	state.ApplySnapshot(nil, []store.ToolCall{{ToolCallID: "call-1", Step: "completed"}})
	state.ApplyDelta(streamingDelta("call-2", map[string]any{"step": "tool-search"}))

	view := state.View()
	if len(view) != 2 {
		t.Fatalf("view = %v", view)
	}
	if view[1].ToolCallID != "call-2" || view[1].Step != "tool-search" {
		t.Fatalf("live-only call = %+v", view[1])
	}
}

func TestApplyDelta_IgnoresMissingID(t *testing.T) {
	state := NewState()
	state.ApplyDelta(delta.StreamDelta{Type: delta.TypeStreamResult, Content: map[string]any{"step": "updating"}})
	if len(state.View()) != 0 {
		t.Fatal("delta without toolCallId created state")
	}
}
