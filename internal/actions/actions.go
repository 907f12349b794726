// Package actions is the boundary to the external action runner: the
// service that actually signs and submits chain transactions. Every
// bound action is a function returning an Outcome; expected failures
// (insufficient balance, not found) come back as unsuccessful
// outcomes, and only transport-level problems surface as Go errors.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Outcome struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Binding executes one named action with final arguments.
type Binding func(ctx context.Context, args map[string]any) (Outcome, error)

// Bindings maps action names (Descriptor.Action) to their executors.
type Bindings map[string]Binding

func (b Bindings) Get(name string) (Binding, bool) {
	binding, ok := b[name]
	return binding, ok
}

type Runner struct {
	baseURL string
	client  *http.Client
}

func NewRunner(baseURL string) *Runner {
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type runRequest struct {
	InvocationID   string         `json:"invocation_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Action         string         `json:"action"`
	Args           map[string]any `json:"args"`
}

// Execute posts the action to the runner. The tool call id doubles as
// the idempotency key so a replayed execution of the same confirmed
// call cannot double-submit on the runner side either.
func (r *Runner) Execute(ctx context.Context, action string, toolCallID string, args map[string]any) (Outcome, error) {
	if r.baseURL == "" {
		return Outcome{}, errors.New("action runner URL not configured")
	}
	body, err := json.Marshal(runRequest{
		InvocationID:   toolCallID,
		IdempotencyKey: toolCallID,
		Action:         action,
		Args:           args,
	})
	if err != nil {
		return Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/actions/run", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Outcome{}, fmt.Errorf("action runner unavailable: %s", resp.Status)
	}

	var outcome Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return Outcome{}, err
	}
	if !outcome.Success && outcome.Error == "" {
		outcome.Error = fmt.Sprintf("action %s failed with status %s", action, resp.Status)
	}
	return outcome, nil
}

// Bind wires a named action to the runner.
func (r *Runner) Bind(action string) Binding {
	return func(ctx context.Context, args map[string]any) (Outcome, error) {
		return r.Execute(ctx, action, idempotencyKeyFromContext(ctx), args)
	}
}

// BindAll builds a Bindings table for the given action names.
func (r *Runner) BindAll(names ...string) Bindings {
	bindings := make(Bindings, len(names))
	for _, name := range names {
		bindings[name] = r.Bind(name)
	}
	return bindings
}

type idempotencyKeyContextKey struct{}

// WithIdempotencyKey scopes the tool call id onto the context so
// runner-bound bindings can forward it.
func WithIdempotencyKey(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, toolCallID)
}

func idempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key
}

// Ping reports whether the runner answers its health route, for the
// readiness probe.
func (r *Runner) Ping(ctx context.Context) error {
	if r.baseURL == "" {
		return errors.New("action runner URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("action runner health: %s", resp.Status)
	}
	return nil
}
