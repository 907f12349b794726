// Package invocation holds the per-call lifecycle for model-proposed
// tool calls: the step enum, the transition rules, and the
// classification of free-form user replies against a pending call.
package invocation

import (
	"time"

	"github.com/meridian-fi/meridian/control-plane/internal/tools"
)

// Step is the lifecycle state of one tool call. Terminal steps are
// immutable once written.
type Step string

const (
	StepToolSearch           Step = "tool-search"
	StepMarketSelection      Step = "market-selection"
	StepUpdating             Step = "updating"
	StepAwaitingConfirmation Step = "awaiting-confirmation"
	StepConfirmed            Step = "confirmed"
	StepProcessing           Step = "processing"
	StepCompleted            Step = "completed"
	StepFailed               Step = "failed"
	StepCanceled             Step = "canceled"
)

// Invocation is the live view of one proposed call. The persisted
// counterpart lives in the store; this value is what the turn engine
// and the classifier work against.
type Invocation struct {
	ToolCallID     string         `json:"toolCallId"`
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId"`
	ToolName       string         `json:"toolName"`
	Step           Step           `json:"step"`
	Args           map[string]any `json:"args,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (s Step) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCanceled:
		return true
	}
	return false
}

// transitions lists the allowed successor steps. Terminal steps have
// no successors. Processing can only move to a terminal outcome, so
// parameter edits stop being possible once execution starts. The
// table gates confirmation decisions in the turn engine; the store's
// terminal-wins merge and the confirmed-to-processing CAS enforce the
// terminal and execution edges independently.
var transitions = map[Step][]Step{
	StepToolSearch:           {StepMarketSelection, StepUpdating, StepAwaitingConfirmation, StepCanceled, StepFailed},
	StepMarketSelection:      {StepUpdating, StepAwaitingConfirmation, StepCanceled, StepFailed},
	StepUpdating:             {StepUpdating, StepAwaitingConfirmation, StepConfirmed, StepCanceled, StepFailed},
	StepAwaitingConfirmation: {StepUpdating, StepAwaitingConfirmation, StepConfirmed, StepCanceled},
	StepConfirmed:            {StepProcessing, StepFailed, StepCanceled},
	StepProcessing:           {StepCompleted, StepFailed},
}

func CanTransition(from, to Step) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeriveStep decides where a call with the given arguments lands once
// streaming settles. Confirmation is skipped only when the turn runs
// without the ask-for-confirmation flag AND every mandatory field is
// resolved; a single missing field forces awaiting-confirmation no
// matter what the flag says.
func DeriveStep(desc *tools.Descriptor, args map[string]any, askForConfirmation bool) Step {
	if len(MissingMandatory(desc, args)) > 0 {
		return StepAwaitingConfirmation
	}
	if askForConfirmation && desc.Confirm {
		return StepAwaitingConfirmation
	}
	return StepConfirmed
}

// MissingMandatory returns the required parameter names that are still
// absent or unresolved in args.
func MissingMandatory(desc *tools.Descriptor, args map[string]any) []string {
	if desc == nil || desc.Parameters == nil {
		return nil
	}
	return desc.Parameters.MissingRequired(args)
}
