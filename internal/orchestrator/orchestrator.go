// Package orchestrator scopes which toolsets the model may use for a
// turn. Scoping is a cost/precision concern only; the confirmation
// gate is the safety boundary, so classifier failures fail open to the
// full toolset list.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridian-fi/meridian/control-plane/internal/llm"
	"github.com/meridian-fi/meridian/control-plane/internal/tools"
)

// InvalidToolPrefix marks a requested capability that no registered
// toolset provides. The sentinel flows to the generation step as a
// normal tool-not-found condition.
const InvalidToolPrefix = "INVALID_TOOL:"

type Selection struct {
	ToolsRequired []string
	FailedOpen    bool
}

type Orchestrator struct {
	provider llm.Provider
	registry *tools.Registry
}

func New(provider llm.Provider, registry *tools.Registry) *Orchestrator {
	return &Orchestrator{provider: provider, registry: registry}
}

const selectPrompt = `You route a user conversation to capability bundles ("toolsets").

Known toolsets: %s

Conversation (most recent last):
%s

Respond with ONLY a JSON array of toolset names the next turn needs, for example ["trading"].
If the user asks for a capability that matches none of the known toolsets, include "%s<requested_capability>" for it instead of guessing.
Return [] when no tools are needed.`

// SelectToolsets asks the classifier which toolsets the next turn
// needs. Names outside the registry come back as INVALID_TOOL
// sentinels; any classifier or parse failure returns every registered
// toolset instead of blocking the turn.
func (o *Orchestrator) SelectToolsets(ctx context.Context, history []llm.Message) (Selection, error) {
	known := o.registry.Toolsets()
	if len(known) == 0 {
		return Selection{}, nil
	}

	raw, err := o.provider.Generate(ctx, []llm.Message{{
		Role:    "user",
		Content: fmt.Sprintf(selectPrompt, strings.Join(known, ", "), renderHistory(history), InvalidToolPrefix),
	}})
	if err != nil {
		return Selection{ToolsRequired: known, FailedOpen: true}, nil
	}

	names, err := parseToolsetList(raw)
	if err != nil {
		return Selection{ToolsRequired: known, FailedOpen: true}, nil
	}

	selection := Selection{ToolsRequired: make([]string, 0, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, InvalidToolPrefix) || o.registry.HasToolset(name) {
			selection.ToolsRequired = append(selection.ToolsRequired, name)
			continue
		}
		selection.ToolsRequired = append(selection.ToolsRequired, InvalidToolPrefix+name)
	}
	return selection, nil
}

// InvalidTools splits the sentinels out of a selection, returning the
// capability names the user asked for that do not exist.
func InvalidTools(selection Selection) []string {
	missing := make([]string, 0)
	for _, name := range selection.ToolsRequired {
		if strings.HasPrefix(name, InvalidToolPrefix) {
			missing = append(missing, strings.TrimPrefix(name, InvalidToolPrefix))
		}
	}
	return missing
}

// ValidToolsets filters a selection down to real registry toolsets.
func ValidToolsets(selection Selection) []string {
	valid := make([]string, 0, len(selection.ToolsRequired))
	for _, name := range selection.ToolsRequired {
		if !strings.HasPrefix(name, InvalidToolPrefix) {
			valid = append(valid, name)
		}
	}
	return valid
}

func parseToolsetList(raw string) ([]string, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in classifier output")
	}
	var names []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &names); err != nil {
		return nil, err
	}
	return names, nil
}

func renderHistory(history []llm.Message) string {
	var builder strings.Builder
	for _, message := range history {
		if message.Content == "" {
			continue
		}
		builder.WriteString(message.Role)
		builder.WriteString(": ")
		builder.WriteString(message.Content)
		builder.WriteString("\n")
	}
	return builder.String()
}
