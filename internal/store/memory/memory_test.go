package memory

import (
	"context"
	"testing"
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

func TestConversationLifecycle(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.CreateConversation(ctx, store.Conversation{ID: "conv-1", Title: "swap chat"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	conversation, err := m.GetConversation(ctx, "conv-1")
	if err != nil || conversation == nil {
		t.Fatalf("get: %v %v", conversation, err)
	}
	if conversation.Status != "active" {
		t.Fatalf("status = %s", conversation.Status)
	}

	_ = m.AddMessage(ctx, store.Message{ID: "msg-1", ConversationID: "conv-1", Role: "user", Content: "hi"})
	summaries, err := m.ListConversations(ctx)
	if err != nil || len(summaries) != 1 {
		t.Fatalf("list: %v %v", summaries, err)
	}
	if summaries[0].MessageCount != 1 {
		t.Fatalf("message count = %d", summaries[0].MessageCount)
	}

	if err := m.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	conversation, _ = m.GetConversation(ctx, "conv-1")
	if conversation != nil {
		t.Fatal("conversation not deleted")
	}
}

func TestMessagesOrdered(t *testing.T) {
	m := New()
	ctx := context.Background()

	_ = m.AddMessage(ctx, store.Message{ID: "a", ConversationID: "conv-1", Role: "user", Content: "first"})
	_ = m.AddMessage(ctx, store.Message{ID: "b", ConversationID: "conv-1", Role: "assistant", Content: "second"})

	messages, err := m.ListMessages(ctx, "conv-1")
	if err != nil || len(messages) != 2 {
		t.Fatalf("list: %v %v", messages, err)
	}
	if messages[0].Content != "first" || messages[1].Content != "second" {
		t.Fatalf("order: %v", messages)
	}
	if messages[0].Sequence >= messages[1].Sequence {
		t.Fatalf("sequences: %d %d", messages[0].Sequence, messages[1].Sequence)
	}
}

func TestBeginToolCallExecution_CAS(t *testing.T) {
	m := New()
	ctx := context.Background()

	_ = m.UpsertToolCall(ctx, store.ToolCall{ToolCallID: "call-1", ConversationID: "conv-1", ToolName: "swap_tokens", Step: "confirmed"})

	won, err := m.BeginToolCallExecution(ctx, "call-1")
	if err != nil || !won {
		t.Fatalf("first begin: %v %v", won, err)
	}
	call, _ := m.GetToolCall(ctx, "call-1")
	if call.Step != "processing" {
		t.Fatalf("step = %s", call.Step)
	}

	won, err = m.BeginToolCallExecution(ctx, "call-1")
	if err != nil || won {
		t.Fatal("duplicate begin won the transition")
	}

	won, _ = m.BeginToolCallExecution(ctx, "missing")
	if won {
		t.Fatal("missing call won the transition")
	}
}

func TestBeginToolCallExecution_RequiresConfirmed(t *testing.T) {
	m := New()
	ctx := context.Background()

	for _, step := range []string{"updating", "awaiting-confirmation", "completed", "canceled"} {
		_ = m.UpsertToolCall(ctx, store.ToolCall{ToolCallID: "call-" + step, ConversationID: "conv-1", Step: step})
		if won, _ := m.BeginToolCallExecution(ctx, "call-"+step); won {
			t.Errorf("step %s won the transition", step)
		}
	}
}

func TestFinishToolCall_TerminalImmutable(t *testing.T) {
	m := New()
	ctx := context.Background()

	_ = m.UpsertToolCall(ctx, store.ToolCall{ToolCallID: "call-1", ConversationID: "conv-1", Step: "processing"})
	if err := m.FinishToolCall(ctx, store.ToolCall{ToolCallID: "call-1", Step: "completed", Result: map[string]any{"signature": "abc123"}}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	call, _ := m.GetToolCall(ctx, "call-1")
	if call.Step != "completed" || call.Result["signature"] != "abc123" {
		t.Fatalf("call = %+v", call)
	}

	// a stale failure racing in must not overwrite the terminal record
	_ = m.FinishToolCall(ctx, store.ToolCall{ToolCallID: "call-1", Step: "failed", Error: "late failure"})
	call, _ = m.GetToolCall(ctx, "call-1")
	if call.Step != "completed" || call.Error != "" {
		t.Fatalf("terminal record mutated: %+v", call)
	}
}

func TestAppendEvent_ProjectsToolCall(t *testing.T) {
	m := New()
	ctx := context.Background()

	event := store.ConversationEvent{
		ConversationID: "conv-1",
		Seq:            1,
		Type:           "tool.stream",
		Timestamp:      "2026-08-28T10:00:00Z",
		Payload: map[string]any{
			"toolCallId": "call-1",
			"content": map[string]any{
				"toolName": "swap_tokens",
				"step":     "updating",
				"args":     map[string]any{"inputAmount": 1.0},
			},
		},
	}
	if err := m.AppendEvent(ctx, event); err != nil {
		t.Fatalf("append: %v", err)
	}

	call, _ := m.GetToolCall(ctx, "call-1")
	if call == nil || call.Step != "updating" || call.Args["inputAmount"] != 1.0 {
		t.Fatalf("projected call = %+v", call)
	}

	event.Seq = 2
	event.Payload["content"].(map[string]any)["args"] = map[string]any{"inputToken": map[string]any{"token": "SOL"}}
	_ = m.AppendEvent(ctx, event)
	call, _ = m.GetToolCall(ctx, "call-1")
	if call.Args["inputAmount"] != 1.0 {
		t.Fatalf("merge dropped earlier args: %+v", call.Args)
	}
}

func TestListEvents_AfterSeq(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := m.NextSeq(ctx, "conv-1")
		if err != nil || seq != int64(i) {
			t.Fatalf("seq = %d, %v", seq, err)
		}
		_ = m.AppendEvent(ctx, store.ConversationEvent{ConversationID: "conv-1", Seq: seq, Type: "message.added"})
	}

	events, err := m.ListEvents(ctx, "conv-1", 3)
	if err != nil || len(events) != 2 {
		t.Fatalf("events = %v %v", events, err)
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("order: %v", events)
	}
}

func TestUserSettingsRoundTrip(t *testing.T) {
	m := New()
	ctx := context.Background()

	settings, err := m.GetUserSettings(ctx)
	if err != nil || settings != nil {
		t.Fatalf("expected empty settings, got %v %v", settings, err)
	}

	_ = m.UpsertUserSettings(ctx, store.UserSettings{Autopilot: true, WalletPubkey: "pub"})
	settings, _ = m.GetUserSettings(ctx)
	if settings == nil || !settings.Autopilot || settings.WalletPubkey != "pub" {
		t.Fatalf("settings = %+v", settings)
	}
	created := settings.CreatedAt

	_ = m.UpsertUserSettings(ctx, store.UserSettings{Autopilot: false, WalletPubkey: "pub"})
	settings, _ = m.GetUserSettings(ctx)
	if settings.Autopilot {
		t.Fatal("autopilot not updated")
	}
	if settings.CreatedAt != created {
		t.Fatalf("createdAt changed: %s -> %s", created, settings.CreatedAt)
	}
}

func TestListDueScheduledActions(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	_ = m.CreateScheduledAction(ctx, store.ScheduledAction{
		ID: "due", Name: "daily swap", Action: "swap_tokens", CronSpec: "0 12 * * *",
		Enabled: true, NextRunAt: now.Add(-time.Minute).Format(time.RFC3339),
	})
	_ = m.CreateScheduledAction(ctx, store.ScheduledAction{
		ID: "future", Enabled: true, NextRunAt: now.Add(time.Hour).Format(time.RFC3339),
	})
	_ = m.CreateScheduledAction(ctx, store.ScheduledAction{
		ID: "disabled", Enabled: false, NextRunAt: now.Add(-time.Hour).Format(time.RFC3339),
	})
	_ = m.CreateScheduledAction(ctx, store.ScheduledAction{
		ID: "running", Enabled: true, InProgress: true, NextRunAt: now.Add(-time.Hour).Format(time.RFC3339),
	})

	due, err := m.ListDueScheduledActions(ctx, now.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("due = %v", due)
	}
}
