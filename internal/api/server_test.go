package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/config"
	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/store/memory"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	resp := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadySkipsRunnerWithoutURL(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	resp := env.get(t, "/ready")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[readinessResponse](t, resp)
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
	if body.Subsystems["store"].Status != "ok" {
		t.Fatalf("store = %+v", body.Subsystems["store"])
	}
	if body.Subsystems["action_runner"].Status != "skipped" {
		t.Fatalf("action_runner = %+v", body.Subsystems["action_runner"])
	}
}

func TestReadyDegradedWhenRunnerDown(t *testing.T) {
	cfg := config.Config{ActionRunnerURL: "http://127.0.0.1:1"}
	server := NewServer(memory.New(), events.NewBroker(), &fakeWorkflows{}, fakeProber{err: errors.New("connection refused")}, cfg)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[readinessResponse](t, resp)
	if body.Status != "degraded" {
		t.Fatalf("status = %q", body.Status)
	}
	if body.Subsystems["action_runner"].Status != "error" {
		t.Fatalf("action_runner = %+v", body.Subsystems["action_runner"])
	}
}

func TestIngestEventPersistsAndPublishes(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	seedConversation(t, env.store, "conv-1")

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := env.broker.Subscribe(subCtx, "conv-1")

	resp := env.post(t, "/conversations/conv-1/events", map[string]any{
		"type":   "Tool.Stream",
		"source": "worker",
		"payload": map[string]any{
			"toolCallId": "call-1",
			"status":     "streaming",
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	published := <-sub
	if published.Type != events.TypeToolStream {
		t.Fatalf("published type = %q", published.Type)
	}

	stored, err := env.store.ListEvents(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(stored) != 1 || stored[0].Type != events.TypeToolStream {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[0].TraceID == "" {
		t.Fatal("expected generated trace id")
	}
}

func TestIngestEventRejectsUnderscoreType(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	seedConversation(t, env.store, "conv-1")

	resp := env.post(t, "/conversations/conv-1/events", map[string]any{"type": "tool_stream"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIngestEventRequiresType(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	seedConversation(t, env.store, "conv-1")

	resp := env.post(t, "/conversations/conv-1/events", map[string]any{"source": "worker"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIngestEventTransientSkipsPersistence(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	seedConversation(t, env.store, "conv-1")

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := env.broker.Subscribe(subCtx, "conv-1")

	resp := env.post(t, "/conversations/conv-1/events", map[string]any{
		"type":    "agent.typing",
		"payload": map[string]any{"transient": true},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	published := <-sub
	if published.Type != "agent.typing" {
		t.Fatalf("published type = %q", published.Type)
	}

	stored, err := env.store.ListEvents(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("transient event must not be stored: %+v", stored)
	}
}

func TestIngestEventProjectsToolStream(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	seedConversation(t, env.store, "conv-1")

	resp := env.post(t, "/conversations/conv-1/events", map[string]any{
		"type":   "tool.stream",
		"source": "worker",
		"payload": map[string]any{
			"type":       "stream-result-data",
			"status":     "streaming",
			"toolCallId": "call-1",
			"content": map[string]any{
				"toolName": "swap_tokens",
				"step":     "updating",
				"args":     map[string]any{"inputAmount": 1.0},
			},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	call, err := env.store.GetToolCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetToolCall: %v", err)
	}
	if call == nil {
		t.Fatal("expected projected tool call")
	}
	if call.Step != "updating" || call.ToolName != "swap_tokens" {
		t.Fatalf("projected call = %+v", call)
	}
}

func TestStreamEventsReplaysAfterSeq(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	seedConversation(t, env.store, "conv-1")

	for seq := int64(1); seq <= 3; seq++ {
		err := env.store.AppendEvent(ctx, store.ConversationEvent{
			ConversationID: "conv-1",
			Seq:            seq,
			Type:           events.TypeMessageAdded,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			Source:         "control_plane",
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, env.server.URL+"/conversations/conv-1/events?after_seq=1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	ids := readSSEIDs(t, resp, 2)
	if ids[0] != "conv-1:2" || ids[1] != "conv-1:3" {
		t.Fatalf("replayed ids = %v", ids)
	}
}

func TestStreamEventsResumesFromLastEventID(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	seedConversation(t, env.store, "conv-1")

	for seq := int64(1); seq <= 3; seq++ {
		err := env.store.AppendEvent(ctx, store.ConversationEvent{
			ConversationID: "conv-1",
			Seq:            seq,
			Type:           events.TypeMessageAdded,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, env.server.URL+"/conversations/conv-1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "conv-1:2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	ids := readSSEIDs(t, resp, 1)
	if ids[0] != "conv-1:3" {
		t.Fatalf("replayed ids = %v", ids)
	}
}

func readSSEIDs(t *testing.T, resp *http.Response, count int) []string {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	ids := make([]string, 0, count)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if len(ids) == count {
			return ids
		}
	}
	t.Fatalf("stream ended after %d ids, want %d", len(ids), count)
	return nil
}

func TestParseAfterSeq(t *testing.T) {
	cases := []struct {
		name        string
		query       string
		lastEventID string
		want        int64
	}{
		{name: "after_seq param", query: "after_seq=7", want: 7},
		{name: "last event id", lastEventID: "conv-1:12", want: 12},
		{name: "param wins over header", query: "after_seq=3", lastEventID: "conv-1:9", want: 3},
		{name: "foreign conversation ignored", lastEventID: "conv-2:9", want: 0},
		{name: "malformed header", lastEventID: "nonsense", want: 0},
		{name: "empty", want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &http.Request{URL: &url.URL{RawQuery: tc.query}, Header: http.Header{}}
			if tc.lastEventID != "" {
				r.Header.Set("Last-Event-ID", tc.lastEventID)
			}
			if got := parseAfterSeq("conv-1", r); got != tc.want {
				t.Fatalf("parseAfterSeq = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestShouldSuppressRequestLog(t *testing.T) {
	if !shouldSuppressRequestLog(http.MethodGet, "/conversations/conv-1/events") {
		t.Fatal("event streams should be quiet")
	}
	if !shouldSuppressRequestLog(http.MethodGet, "/conversations") {
		t.Fatal("conversation polling should be quiet")
	}
	if shouldSuppressRequestLog(http.MethodPost, "/conversations") {
		t.Fatal("conversation creation should be logged")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/conversations/conv-1/messages", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Last-Event-ID") {
		t.Fatalf("allow-headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
}
