package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/workflows"
)

type conversationSummaryResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Autopilot    bool   `json:"autopilot"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int64  `json:"message_count"`
}

type listConversationsResponse struct {
	Conversations []conversationSummaryResponse `json:"conversations"`
}

type messageResponse struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Sequence  int64          `json:"sequence"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type toolCallResponse struct {
	ToolCallID string         `json:"toolCallId"`
	MessageID  string         `json:"messageId,omitempty"`
	ToolName   string         `json:"toolName"`
	Step       string         `json:"step"`
	Args       map[string]any `json:"args,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	UpdatedAt  string         `json:"updated_at"`
}

// getConversationResponse is the pull channel: the authoritative
// snapshot a client reconciles its live view against.
type getConversationResponse struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Status    string             `json:"status"`
	Autopilot bool               `json:"autopilot"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
	Messages  []messageResponse  `json:"messages"`
	ToolCalls []toolCallResponse `json:"toolCalls"`
}

type createConversationRequest struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Autopilot bool           `json:"autopilot"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	req := createConversationRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}
	conversation := store.Conversation{
		ID:        id,
		Title:     title,
		Status:    "active",
		Autopilot: req.Autopilot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(r.Context(), conversation); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.workflows != nil {
		_ = s.workflows.StartConversation(r.Context(), id)
	}

	if message := strings.TrimSpace(req.Message); message != "" {
		s.persistAndSignalUserMessage(r, id, message, req.Metadata)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"conversation_id": id,
		"title":           title,
		"status":          "active",
	})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listConversationsResponse{Conversations: make([]conversationSummaryResponse, 0, len(conversations))}
	for _, conversation := range conversations {
		response.Conversations = append(response.Conversations, conversationSummaryResponse{
			ID:           conversation.ID,
			Title:        conversation.Title,
			Status:       conversation.Status,
			Autopilot:    conversation.Autopilot,
			CreatedAt:    conversation.CreatedAt,
			UpdatedAt:    conversation.UpdatedAt,
			MessageCount: conversation.MessageCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation id required", http.StatusBadRequest)
		return
	}
	conversation, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conversation == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	toolCalls, err := s.store.ListToolCalls(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := getConversationResponse{
		ID:        conversation.ID,
		Title:     conversation.Title,
		Status:    conversation.Status,
		Autopilot: conversation.Autopilot,
		CreatedAt: conversation.CreatedAt,
		UpdatedAt: conversation.UpdatedAt,
		Messages:  make([]messageResponse, 0, len(messages)),
		ToolCalls: make([]toolCallResponse, 0, len(toolCalls)),
	}
	for _, message := range messages {
		response.Messages = append(response.Messages, messageResponse{
			ID:        message.ID,
			Role:      message.Role,
			Content:   message.Content,
			Sequence:  message.Sequence,
			CreatedAt: message.CreatedAt,
			Metadata:  message.Metadata,
		})
	}
	for _, call := range toolCalls {
		response.ToolCalls = append(response.ToolCalls, toolCallResponse{
			ToolCallID: call.ToolCallID,
			MessageID:  call.MessageID,
			ToolName:   call.ToolName,
			Step:       call.Step,
			Args:       call.Args,
			Result:     call.Result,
			Error:      call.Error,
			UpdatedAt:  call.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) listToolCalls(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation id required", http.StatusBadRequest)
		return
	}
	toolCalls, err := s.store.ListToolCalls(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]toolCallResponse, 0, len(toolCalls))
	for _, call := range toolCalls {
		response = append(response, toolCallResponse{
			ToolCallID: call.ToolCallID,
			MessageID:  call.MessageID,
			ToolName:   call.ToolName,
			Step:       call.Step,
			Args:       call.Args,
			Result:     call.Result,
			Error:      call.Error,
			UpdatedAt:  call.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"toolCalls": response})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		http.Error(w, "conversation id required", http.StatusBadRequest)
		return
	}
	if s.workflows != nil {
		_ = s.workflows.CancelConversation(r.Context(), conversationID)
	}
	if err := s.store.DeleteConversation(r.Context(), conversationID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMessageRequest struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id"`
	Decision   string         `json:"decision"`
	Metadata   map[string]any `json:"metadata"`
}

// addMessage accepts user text and structured confirmation decisions.
// A body carrying tool_call_id + decision is a button press on a
// pending call and goes to the confirmation signal instead of the
// model.
func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.ToolCallID) != "" {
		decision := strings.ToLower(strings.TrimSpace(req.Decision))
		if decision != "confirm" && decision != "cancel" {
			http.Error(w, "decision must be confirm or cancel", http.StatusBadRequest)
			return
		}
		if s.workflows != nil {
			if err := s.workflows.SignalConfirmation(r.Context(), conversationID, workflows.ConfirmationSignal{
				ToolCallID: req.ToolCallID,
				Decision:   decision,
			}); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Role == "" {
		req.Role = "user"
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	s.persistMessage(r, conversationID, req.Role, req.Content, req.Metadata)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) persistAndSignalUserMessage(r *http.Request, conversationID string, content string, metadata map[string]any) {
	s.persistMessage(r, conversationID, "user", content, metadata)
}

// persistMessage stores the message, then signals the workflow, then
// publishes message.added. The store write comes first so a turn that
// starts immediately sees its own triggering message in history.
func (s *Server) persistMessage(r *http.Request, conversationID string, role string, content string, metadata map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	msg := store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sequence:       time.Now().UnixNano(),
		CreatedAt:      now,
		Metadata:       metadata,
	}
	if err := s.store.AddMessage(r.Context(), msg); err != nil {
		return
	}

	if s.workflows != nil && role == "user" {
		_ = s.workflows.SignalMessage(r.Context(), conversationID, workflows.TurnSignal{
			MessageID: msg.ID,
			Content:   content,
		})
	}

	seq, _ := s.store.NextSeq(r.Context(), conversationID)
	event := store.ConversationEvent{
		ConversationID: conversationID,
		Seq:            seq,
		Type:           events.TypeMessageAdded,
		Timestamp:      now,
		Source:         "control_plane",
		TraceID:        uuid.New().String(),
		Payload:        map[string]any{"message_id": msg.ID, "role": msg.Role, "content": msg.Content},
	}
	_ = s.store.AppendEvent(r.Context(), event)
	s.broker.Publish(toEvent(event))
}

func (s *Server) cancelConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if s.workflows != nil {
		_ = s.workflows.CancelConversation(r.Context(), conversationID)
	}
	_ = s.store.UpdateConversationStatus(r.Context(), conversationID, "cancelled")

	seq, _ := s.store.NextSeq(r.Context(), conversationID)
	event := store.ConversationEvent{
		ConversationID: conversationID,
		Seq:            seq,
		Type:           events.TypeConversationCancelled,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Source:         "control_plane",
		TraceID:        uuid.New().String(),
		Payload:        map[string]any{"reason": "user_requested"},
	}
	_ = s.store.AppendEvent(r.Context(), event)
	s.broker.Publish(toEvent(event))
	w.WriteHeader(http.StatusAccepted)
}
