package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

type ConversationInput struct {
	ConversationID string
}

type ConversationResult struct {
	Status string
}

// TurnSignal is the payload of a message signal: one user message for
// the agent to process.
type TurnSignal struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// ConfirmationSignal is the payload of a confirmation signal: a
// structured decision on a pending tool call, sent when the user
// presses a confirm/cancel control instead of typing a reply.
type ConfirmationSignal struct {
	ToolCallID string `json:"tool_call_id"`
	Decision   string `json:"decision"`
}

// ConversationWorkflow is the long-lived loop behind one conversation.
// Each message signal runs one agent turn; confirmation signals resolve
// pending tool calls out of band. The workflow only ends on cancel.
func ConversationWorkflow(ctx workflow.Context, input ConversationInput) (ConversationResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	logger := workflow.GetLogger(ctx)
	messageCh := workflow.GetSignalChannel(ctx, MessageSignalName)
	confirmationCh := workflow.GetSignalChannel(ctx, ConfirmationSignalName)

	for {
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(messageCh, func(c workflow.ReceiveChannel, more bool) {
			var signal TurnSignal
			c.Receive(ctx, &signal)
			logger.Info("received message", "message_id", signal.MessageID)
			turnResult := ProcessTurnOutput{}
			if err := workflow.ExecuteActivity(ctx, "ProcessTurn", ProcessTurnInput{
				ConversationID: input.ConversationID,
				MessageID:      signal.MessageID,
				Content:        signal.Content,
			}).Get(ctx, &turnResult); err != nil {
				logger.Error("turn activity failed", "error", err)
				failureInput := TurnFailureInput{
					ConversationID: input.ConversationID,
					Error:          "turn: " + err.Error(),
				}
				if failureErr := workflow.ExecuteActivity(ctx, "HandleTurnFailure", failureInput).Get(ctx, nil); failureErr != nil {
					logger.Error("failed to persist turn failure event", "error", failureErr)
				}
			}
		})
		selector.AddReceive(confirmationCh, func(c workflow.ReceiveChannel, more bool) {
			var signal ConfirmationSignal
			c.Receive(ctx, &signal)
			logger.Info("received confirmation", "tool_call_id", signal.ToolCallID, "decision", signal.Decision)
			resolveResult := ProcessTurnOutput{}
			if err := workflow.ExecuteActivity(ctx, "ResolveConfirmation", ResolveConfirmationInput{
				ConversationID: input.ConversationID,
				ToolCallID:     signal.ToolCallID,
				Decision:       signal.Decision,
			}).Get(ctx, &resolveResult); err != nil {
				logger.Error("confirmation activity failed", "error", err)
				failureInput := TurnFailureInput{
					ConversationID: input.ConversationID,
					Error:          "confirmation: " + err.Error(),
				}
				if failureErr := workflow.ExecuteActivity(ctx, "HandleTurnFailure", failureInput).Get(ctx, nil); failureErr != nil {
					logger.Error("failed to persist turn failure event", "error", failureErr)
				}
			}
		})
		selector.Select(ctx)

		if ctx.Err() != nil {
			return ConversationResult{Status: "cancelled"}, nil
		}
	}
}
