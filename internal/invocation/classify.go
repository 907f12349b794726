package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridian-fi/meridian/control-plane/internal/llm"
	"github.com/meridian-fi/meridian/control-plane/internal/tools"
)

// Kind is the outcome of classifying a user reply against a pending
// call.
type Kind string

const (
	KindUpdate  Kind = "update"
	KindConfirm Kind = "confirm"
	KindCancel  Kind = "cancel"
)

// Decision carries the classified intent plus any extracted parameter
// patch for update decisions.
type Decision struct {
	Kind Kind
	Args map[string]any
}

const classifyPrompt = `You classify a user's reply to a pending action that is waiting for their confirmation.

Pending action: %s
Current parameters: %s
Editable parameter schema: %s

User reply: %q

Respond with ONLY a JSON object, no prose:
{"decision": "confirm" | "cancel" | "update", "args": {...}}

Rules:
- "confirm" only when the reply is an unambiguous affirmation (yes, confirm, do it, go ahead).
- "cancel" only when the reply is an unambiguous refusal (no, cancel, stop, never mind).
- otherwise "update", with "args" holding only the parameters the reply changes, matching the schema. Leave "args" empty if nothing is extractable.`

// Classify runs a constrained extraction pass over a free-form user
// reply. Anything the model cannot place cleanly lands on update, so
// an ambiguous reply can never confirm an action on its own.
func Classify(ctx context.Context, provider llm.Provider, desc *tools.Descriptor, inv *Invocation, userText string) Decision {
	fallback := Decision{Kind: KindUpdate}
	if provider == nil || desc == nil || inv == nil {
		return fallback
	}

	currentArgs, _ := json.Marshal(inv.Args)
	schema, _ := json.Marshal(desc.UpdateSchema())
	prompt := fmt.Sprintf(classifyPrompt, desc.Name, currentArgs, schema, userText)

	raw, err := provider.Generate(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return fallback
	}

	var parsed struct {
		Decision string         `json:"decision"`
		Args     map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Decision)) {
	case "confirm":
		return Decision{Kind: KindConfirm}
	case "cancel":
		return Decision{Kind: KindCancel}
	default:
		return Decision{Kind: KindUpdate, Args: parsed.Args}
	}
}

// extractJSONObject trims model chatter and code fences around the
// JSON payload.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
