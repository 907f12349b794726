package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/meridian-fi/meridian/control-plane/internal/config"
	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/store/memory"
	"github.com/meridian-fi/meridian/control-plane/internal/workflows"
)

type fakeWorkflows struct {
	mu            sync.Mutex
	started       []string
	messages      []workflows.TurnSignal
	confirmations []workflows.ConfirmationSignal
	cancelled     []string
	signalErr     error
}

func (f *fakeWorkflows) StartConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, conversationID)
	return nil
}

func (f *fakeWorkflows) SignalMessage(ctx context.Context, conversationID string, signal workflows.TurnSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.messages = append(f.messages, signal)
	return nil
}

func (f *fakeWorkflows) SignalConfirmation(ctx context.Context, conversationID string, signal workflows.ConfirmationSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.confirmations = append(f.confirmations, signal)
	return nil
}

func (f *fakeWorkflows) CancelConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, conversationID)
	return nil
}

type fakeProber struct {
	err error
}

func (f fakeProber) Ping(ctx context.Context) error {
	return f.err
}

type testEnv struct {
	server    *httptest.Server
	store     *memory.MemoryStore
	broker    *events.Broker
	workflows *fakeWorkflows
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	m := memory.New()
	broker := events.NewBroker()
	wf := &fakeWorkflows{}
	server := NewServer(m, broker, wf, fakeProber{}, cfg)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: m, broker: broker, workflows: wf}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var value T
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return value
}

func seedConversation(t *testing.T, m *memory.MemoryStore, conversationID string) {
	t.Helper()
	err := m.CreateConversation(context.Background(), store.Conversation{
		ID:     conversationID,
		Title:  "Test conversation",
		Status: "active",
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}
