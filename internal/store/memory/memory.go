package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]store.Conversation
	messages      map[string][]store.Message
	toolCalls     map[string]store.ToolCall
	events        map[string][]store.ConversationEvent
	seq           map[string]int64
	settings      *store.UserSettings
	scheduled     map[string]store.ScheduledAction
}

func New() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]store.Conversation{},
		messages:      map[string][]store.Message{},
		toolCalls:     map[string]store.ToolCall{},
		events:        map[string][]store.ConversationEvent{},
		seq:           map[string]int64{},
		scheduled:     map[string]store.ScheduledAction{},
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conversation.Status == "" {
		conversation.Status = "active"
	}
	m.conversations[conversation.ID] = conversation
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	cloned := conversation
	return &cloned, nil
}

func (m *MemoryStore) ListConversations(ctx context.Context) ([]store.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.ConversationSummary, 0, len(m.conversations))
	for _, conversation := range m.conversations {
		results = append(results, store.ConversationSummary{
			ID:           conversation.ID,
			Title:        conversation.Title,
			Status:       conversation.Status,
			Autopilot:    conversation.Autopilot,
			CreatedAt:    conversation.CreatedAt,
			UpdatedAt:    conversation.UpdatedAt,
			MessageCount: int64(len(m.messages[conversation.ID])),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTime(results[i].UpdatedAt).After(parseTime(results[j].UpdatedAt))
	})
	return results, nil
}

func (m *MemoryStore) UpdateConversationStatus(ctx context.Context, conversationID string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return nil
	}
	conversation.Status = status
	conversation.UpdatedAt = nowRFC3339()
	m.conversations[conversationID] = conversation
	return nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	delete(m.events, conversationID)
	delete(m.seq, conversationID)
	for id, call := range m.toolCalls {
		if call.ConversationID == conversationID {
			delete(m.toolCalls, id)
		}
	}
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Metadata = cloneMap(msg.Metadata)
	if msg.Sequence == 0 {
		msg.Sequence = int64(len(m.messages[msg.ConversationID]) + 1)
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if conversation, ok := m.conversations[msg.ConversationID]; ok {
		conversation.UpdatedAt = nowRFC3339()
		m.conversations[msg.ConversationID] = conversation
	}
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := m.messages[conversationID]
	cloned := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		copied := msg
		copied.Metadata = cloneMap(msg.Metadata)
		cloned = append(cloned, copied)
	}
	sort.Slice(cloned, func(i, j int) bool { return cloned[i].Sequence < cloned[j].Sequence })
	return cloned, nil
}

func (m *MemoryStore) UpsertToolCall(ctx context.Context, call store.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.toolCalls[call.ToolCallID]
	if !ok {
		if call.CreatedAt == "" {
			call.CreatedAt = nowRFC3339()
		}
		m.toolCalls[call.ToolCallID] = cloneToolCall(call)
		return nil
	}
	m.toolCalls[call.ToolCallID] = store.MergeToolCall(existing, call)
	return nil
}

func (m *MemoryStore) GetToolCall(ctx context.Context, toolCallID string) (*store.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.toolCalls[toolCallID]
	if !ok {
		return nil, nil
	}
	cloned := cloneToolCall(call)
	return &cloned, nil
}

func (m *MemoryStore) ListToolCalls(ctx context.Context, conversationID string) ([]store.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.ToolCall, 0)
	for _, call := range m.toolCalls {
		if call.ConversationID == conversationID {
			results = append(results, cloneToolCall(call))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTime(results[i].CreatedAt).Before(parseTime(results[j].CreatedAt))
	})
	return results, nil
}

func (m *MemoryStore) BeginToolCallExecution(ctx context.Context, toolCallID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.toolCalls[toolCallID]
	if !ok {
		return false, nil
	}
	if call.Step != "confirmed" {
		return false, nil
	}
	call.Step = "processing"
	call.UpdatedAt = nowRFC3339()
	m.toolCalls[toolCallID] = call
	return true, nil
}

func (m *MemoryStore) FinishToolCall(ctx context.Context, call store.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.toolCalls[call.ToolCallID]
	if !ok {
		m.toolCalls[call.ToolCallID] = cloneToolCall(call)
		return nil
	}
	if store.IsTerminalStep(existing.Step) {
		return nil
	}
	existing.Step = call.Step
	existing.Result = cloneMap(call.Result)
	existing.Error = call.Error
	if call.UpdatedAt != "" {
		existing.UpdatedAt = call.UpdatedAt
	} else {
		existing.UpdatedAt = nowRFC3339()
	}
	m.toolCalls[call.ToolCallID] = existing
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.ConversationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.ConversationID] = append(m.events[event.ConversationID], event)
	m.applyToolCallPatchLocked(event)
	return nil
}

func (m *MemoryStore) applyToolCallPatchLocked(event store.ConversationEvent) {
	patch, ok := store.BuildToolCallPatchFromEvent(event)
	if !ok {
		return
	}
	existing, ok := m.toolCalls[patch.ToolCallID]
	if !ok {
		if patch.CreatedAt == "" {
			patch.CreatedAt = event.Timestamp
		}
		m.toolCalls[patch.ToolCallID] = cloneToolCall(patch)
		return
	}
	m.toolCalls[patch.ToolCallID] = store.MergeToolCall(existing, patch)
}

func (m *MemoryStore) ListEvents(ctx context.Context, conversationID string, afterSeq int64) ([]store.ConversationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[conversationID]
	results := make([]store.ConversationEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > afterSeq {
			copied := event
			copied.Payload = cloneMap(event.Payload)
			results = append(results, copied)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	return results, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[conversationID] += 1
	return m.seq[conversationID], nil
}

func (m *MemoryStore) GetUserSettings(ctx context.Context) (*store.UserSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil, nil
	}
	cloned := *m.settings
	return &cloned, nil
}

func (m *MemoryStore) UpsertUserSettings(ctx context.Context, settings store.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings != nil && settings.CreatedAt == "" {
		settings.CreatedAt = m.settings.CreatedAt
	}
	if settings.CreatedAt == "" {
		settings.CreatedAt = nowRFC3339()
	}
	settings.UpdatedAt = nowRFC3339()
	m.settings = &settings
	return nil
}

func (m *MemoryStore) ListScheduledActions(ctx context.Context) ([]store.ScheduledAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.ScheduledAction, 0, len(m.scheduled))
	for _, action := range m.scheduled {
		results = append(results, cloneScheduledAction(action))
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTime(results[i].UpdatedAt).After(parseTime(results[j].UpdatedAt))
	})
	return results, nil
}

func (m *MemoryStore) GetScheduledAction(ctx context.Context, actionID string) (*store.ScheduledAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	action, ok := m.scheduled[actionID]
	if !ok {
		return nil, nil
	}
	cloned := cloneScheduledAction(action)
	return &cloned, nil
}

func (m *MemoryStore) CreateScheduledAction(ctx context.Context, action store.ScheduledAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[action.ID] = cloneScheduledAction(action)
	return nil
}

func (m *MemoryStore) UpdateScheduledAction(ctx context.Context, action store.ScheduledAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[action.ID]; !ok {
		return nil
	}
	m.scheduled[action.ID] = cloneScheduledAction(action)
	return nil
}

func (m *MemoryStore) DeleteScheduledAction(ctx context.Context, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scheduled, actionID)
	return nil
}

func (m *MemoryStore) ListDueScheduledActions(ctx context.Context, now string) ([]store.ScheduledAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := parseTime(now)
	results := make([]store.ScheduledAction, 0)
	for _, action := range m.scheduled {
		if !action.Enabled || action.InProgress {
			continue
		}
		next := parseTime(action.NextRunAt)
		if next.IsZero() || next.After(cutoff) {
			continue
		}
		results = append(results, cloneScheduledAction(action))
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTime(results[i].NextRunAt).Before(parseTime(results[j].NextRunAt))
	})
	return results, nil
}

func cloneToolCall(call store.ToolCall) store.ToolCall {
	cloned := call
	cloned.Args = cloneMap(call.Args)
	cloned.Result = cloneMap(call.Result)
	return cloned
}

func cloneScheduledAction(action store.ScheduledAction) store.ScheduledAction {
	cloned := action
	cloned.Args = cloneMap(action.Args)
	return cloned
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
