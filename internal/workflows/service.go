package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
)

const (
	MessageSignalName      = "message"
	ConfirmationSignalName = "confirmation"
)

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = "meridian-conversations"
	}
	return &Service{client: client, taskQueue: taskQueue}
}

func (s *Service) StartConversation(ctx context.Context, conversationID string) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(conversationID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, ConversationWorkflow, ConversationInput{ConversationID: conversationID})
	return err
}

// SignalMessage delivers a user message, starting the workflow if the
// conversation has no live one.
func (s *Service) SignalMessage(ctx context.Context, conversationID string, signal TurnSignal) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(conversationID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.SignalWithStartWorkflow(
		ctx,
		workflowID(conversationID),
		MessageSignalName,
		signal,
		options,
		ConversationWorkflow,
		ConversationInput{ConversationID: conversationID},
	)
	return err
}

func (s *Service) SignalConfirmation(ctx context.Context, conversationID string, signal ConfirmationSignal) error {
	return s.client.SignalWorkflow(ctx, workflowID(conversationID), "", ConfirmationSignalName, signal)
}

func (s *Service) CancelConversation(ctx context.Context, conversationID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(conversationID), "")
}

func workflowID(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}
