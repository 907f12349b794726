// Package reconcile merges the two transports a conversation view
// consumes: live stream deltas pushed while a turn runs, and the
// authoritative persisted snapshot pulled periodically. A State is
// created when a view attaches and discarded when it detaches; it is
// never persisted and is owned by a single goroutine.
package reconcile

import (
	"sort"

	"github.com/meridian-fi/meridian/control-plane/internal/delta"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

// Live is the delta-derived state for one tool call.
type Live struct {
	ToolCallID string
	Status     string
	Content    map[string]any
}

type State struct {
	statesByID map[string]Live
	messages   []store.Message
	calls      map[string]store.ToolCall
}

func NewState() *State {
	return &State{
		statesByID: map[string]Live{},
		calls:      map[string]store.ToolCall{},
	}
}

// ApplyDelta merges one stream delta into the live cache. Content is
// a merge patch; status replaces wholesale. Replayed deltas are
// harmless because merging an identical patch is a no-op.
func (s *State) ApplyDelta(d delta.StreamDelta) {
	if d.ToolCallID == "" {
		return
	}
	live := s.statesByID[d.ToolCallID]
	live.ToolCallID = d.ToolCallID
	if d.Status != "" {
		live.Status = d.Status
	}
	if len(d.Content) > 0 {
		live.Content = delta.Merge(live.Content, d.Content)
	}
	s.statesByID[d.ToolCallID] = live
}

// ApplySnapshot replaces the persisted base wholesale: the pull
// channel is authoritative for everything it has seen. Live entries
// whose call is terminal in the snapshot are dropped; the rest stay
// overlaid so an in-flight edit is not clobbered by a slightly-stale
// snapshot.
func (s *State) ApplySnapshot(messages []store.Message, calls []store.ToolCall) {
	s.messages = append([]store.Message{}, messages...)
	s.calls = make(map[string]store.ToolCall, len(calls))
	for _, call := range calls {
		s.calls[call.ToolCallID] = call
		if store.IsTerminalStep(call.Step) {
			delete(s.statesByID, call.ToolCallID)
		}
	}
}

func (s *State) Messages() []store.Message {
	return append([]store.Message{}, s.messages...)
}

// View returns the reconciled tool-call records: the persisted
// snapshot as the base, with live delta content overlaid only while
// the persisted step is non-terminal and the live status is still
// streaming or idle. Live-only calls the snapshot has not caught up
// with yet are included as well.
func (s *State) View() []store.ToolCall {
	result := make([]store.ToolCall, 0, len(s.calls)+len(s.statesByID))
	seen := map[string]struct{}{}

	for id, call := range s.calls {
		seen[id] = struct{}{}
		live, ok := s.statesByID[id]
		if !ok || store.IsTerminalStep(call.Step) || !overlayable(live.Status) {
			result = append(result, call)
			continue
		}
		result = append(result, overlay(call, live))
	}
	for id, live := range s.statesByID {
		if _, ok := seen[id]; ok {
			continue
		}
		result = append(result, overlay(store.ToolCall{ToolCallID: id}, live))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ToolCallID < result[j].ToolCallID })
	return result
}

func overlayable(status string) bool {
	return status == "" || status == delta.StatusStreaming || status == delta.StatusIdle
}

func overlay(call store.ToolCall, live Live) store.ToolCall {
	patch, ok := store.BuildToolCallPatchFromEvent(store.ConversationEvent{
		ConversationID: call.ConversationID,
		Type:           "tool.stream",
		Payload: map[string]any{
			"toolCallId": live.ToolCallID,
			"content":    live.Content,
		},
	})
	if !ok {
		return call
	}
	return store.MergeToolCall(call, patch)
}
