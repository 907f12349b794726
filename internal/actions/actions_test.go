package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExecute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/actions/run" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["action"] != "swap" || req["invocation_id"] != "call-1" || req["idempotency_key"] != "call-1" {
			t.Errorf("request = %v", req)
		}
		_ = json.NewEncoder(w).Encode(Outcome{Success: true, Result: map[string]any{"signature": "abc123"}})
	}))
	defer server.Close()

	runner := NewRunner(server.URL)
	outcome, err := runner.Execute(context.Background(), "swap", "call-1", map[string]any{"inputAmount": 1.0})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Success || outcome.Result["signature"] != "abc123" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestExecute_ExpectedFailureIsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(Outcome{Success: false, Error: "insufficient balance"})
	}))
	defer server.Close()

	runner := NewRunner(server.URL)
	outcome, err := runner.Execute(context.Background(), "swap", "call-1", nil)
	if err != nil {
		t.Fatalf("expected failure mapped to error: %v", err)
	}
	if outcome.Success || outcome.Error != "insufficient balance" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestExecute_ServerErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	runner := NewRunner(server.URL)
	if _, err := runner.Execute(context.Background(), "swap", "call-1", nil); err == nil {
		t.Fatal("expected error for 500")
	}
}

func TestExecute_NoBaseURL(t *testing.T) {
	runner := NewRunner("")
	if _, err := runner.Execute(context.Background(), "swap", "call-1", nil); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestBind_ForwardsIdempotencyKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotKey, _ = req["idempotency_key"].(string)
		_ = json.NewEncoder(w).Encode(Outcome{Success: true})
	}))
	defer server.Close()

	runner := NewRunner(server.URL)
	bindings := runner.BindAll("swap", "transfer")
	binding, ok := bindings.Get("swap")
	if !ok {
		t.Fatal("binding missing")
	}

	ctx := WithIdempotencyKey(context.Background(), "call-7")
	if _, err := binding(ctx, nil); err != nil {
		t.Fatalf("binding: %v", err)
	}
	if gotKey != "call-7" {
		t.Fatalf("idempotency key = %q", gotKey)
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewRunner(server.URL).Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := NewRunner(down.URL).Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}
