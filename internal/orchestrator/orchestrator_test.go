package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/meridian-fi/meridian/control-plane/internal/llm"
	"github.com/meridian-fi/meridian/control-plane/internal/tools"
)

type scriptedProvider struct {
	response string
	err      error
}

func (p scriptedProvider) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return p.response, p.err
}

func (p scriptedProvider) GenerateWithTools(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec, onChunk llm.StreamFunc) (*llm.Completion, error) {
	return nil, errors.New("not used")
}

func testRegistry() *tools.Registry {
	return tools.NewRegistry([]tools.Descriptor{
		{Name: "swap_tokens", Toolset: "trading"},
		{Name: "transfer_tokens", Toolset: "trading"},
		{Name: "get_market_price", Toolset: "market"},
	})
}

func history(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func TestSelectToolsets_Scoped(t *testing.T) {
	o := New(scriptedProvider{response: `["trading"]`}, testRegistry())

	selection, err := o.SelectToolsets(context.Background(), history("swap 1 sol"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selection.ToolsRequired) != 1 || selection.ToolsRequired[0] != "trading" {
		t.Fatalf("selection = %+v", selection)
	}
	if selection.FailedOpen {
		t.Fatal("unexpected fail-open")
	}
}

func TestSelectToolsets_InvalidSentinelPreserved(t *testing.T) {
	o := New(scriptedProvider{response: `["INVALID_TOOL:stake_tokens"]`}, testRegistry())

	selection, err := o.SelectToolsets(context.Background(), history("stake my sol"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	missing := InvalidTools(selection)
	if len(missing) != 1 || missing[0] != "stake_tokens" {
		t.Fatalf("missing = %v", missing)
	}
	if len(ValidToolsets(selection)) != 0 {
		t.Fatalf("valid = %v", ValidToolsets(selection))
	}
}

func TestSelectToolsets_UnknownNameBecomesSentinel(t *testing.T) {
	o := New(scriptedProvider{response: `["lending"]`}, testRegistry())

	selection, _ := o.SelectToolsets(context.Background(), history("lend my usdc"))
	if len(selection.ToolsRequired) != 1 || selection.ToolsRequired[0] != "INVALID_TOOL:lending" {
		t.Fatalf("selection = %+v", selection)
	}
}

func TestSelectToolsets_FailOpen(t *testing.T) {
	cases := []scriptedProvider{
		{err: errors.New("classifier down")},
		{response: "no array here"},
		{response: `["broken`},
	}
	for _, provider := range cases {
		o := New(provider, testRegistry())
		selection, err := o.SelectToolsets(context.Background(), history("swap"))
		if err != nil {
			t.Fatalf("fail-open returned error: %v", err)
		}
		if !selection.FailedOpen {
			t.Fatal("expected fail-open")
		}
		if len(selection.ToolsRequired) == 0 {
			t.Fatal("fail-open produced empty toolset list")
		}
	}
}

func TestSelectToolsets_EmptySelectionAllowed(t *testing.T) {
	o := New(scriptedProvider{response: `[]`}, testRegistry())

	selection, err := o.SelectToolsets(context.Background(), history("hello"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selection.ToolsRequired) != 0 || selection.FailedOpen {
		t.Fatalf("selection = %+v", selection)
	}
}
