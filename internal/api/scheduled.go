package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

type scheduledActionResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	Args       map[string]any `json:"args,omitempty"`
	CronSpec   string         `json:"cron_spec"`
	Enabled    bool           `json:"enabled"`
	NextRunAt  string         `json:"next_run_at,omitempty"`
	LastRunAt  string         `json:"last_run_at,omitempty"`
	InProgress bool           `json:"in_progress"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

type scheduledActionUpsertRequest struct {
	Name     string         `json:"name"`
	Action   string         `json:"action"`
	Args     map[string]any `json:"args"`
	CronSpec string         `json:"cron_spec"`
	Enabled  *bool          `json:"enabled"`
}

func toScheduledActionResponse(value store.ScheduledAction) scheduledActionResponse {
	return scheduledActionResponse{
		ID:         value.ID,
		Name:       value.Name,
		Action:     value.Action,
		Args:       value.Args,
		CronSpec:   value.CronSpec,
		Enabled:    value.Enabled,
		NextRunAt:  value.NextRunAt,
		LastRunAt:  value.LastRunAt,
		InProgress: value.InProgress,
		CreatedAt:  value.CreatedAt,
		UpdatedAt:  value.UpdatedAt,
	}
}

func (s *Server) listScheduledActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.store.ListScheduledActions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]scheduledActionResponse, 0, len(actions))
	for _, action := range actions {
		response = append(response, toScheduledActionResponse(action))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"scheduled_actions": response})
}

func (s *Server) createScheduledAction(w http.ResponseWriter, r *http.Request) {
	req := scheduledActionUpsertRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	actionName := strings.TrimSpace(req.Action)
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if actionName == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}
	schedule, err := cron.ParseStandard(strings.TrimSpace(req.CronSpec))
	if err != nil {
		http.Error(w, "invalid cron_spec: "+err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	action := store.ScheduledAction{
		ID:        uuid.New().String(),
		Name:      name,
		Action:    actionName,
		Args:      req.Args,
		CronSpec:  strings.TrimSpace(req.CronSpec),
		Enabled:   enabled,
		CreatedAt: now.Format(time.RFC3339Nano),
		UpdatedAt: now.Format(time.RFC3339Nano),
	}
	if enabled {
		action.NextRunAt = schedule.Next(now).UTC().Format(time.RFC3339Nano)
	}
	if err := s.store.CreateScheduledAction(r.Context(), action); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, toScheduledActionResponse(action), http.StatusCreated)
}

func (s *Server) updateScheduledAction(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "id")
	existing, err := s.store.GetScheduledAction(r.Context(), actionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "scheduled action not found", http.StatusNotFound)
		return
	}
	req := scheduledActionUpsertRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	action := *existing
	if name := strings.TrimSpace(req.Name); name != "" {
		action.Name = name
	}
	if actionName := strings.TrimSpace(req.Action); actionName != "" {
		action.Action = actionName
	}
	if req.Args != nil {
		action.Args = req.Args
	}
	if spec := strings.TrimSpace(req.CronSpec); spec != "" {
		action.CronSpec = spec
	}
	if req.Enabled != nil {
		action.Enabled = *req.Enabled
	}

	schedule, err := cron.ParseStandard(action.CronSpec)
	if err != nil {
		http.Error(w, "invalid cron_spec: "+err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	action.UpdatedAt = now.Format(time.RFC3339Nano)
	if action.Enabled {
		action.NextRunAt = schedule.Next(now).UTC().Format(time.RFC3339Nano)
	} else {
		action.NextRunAt = ""
	}

	if err := s.store.UpdateScheduledAction(r.Context(), action); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toScheduledActionResponse(action))
}

func (s *Server) deleteScheduledAction(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "id")
	if err := s.store.DeleteScheduledAction(r.Context(), actionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// processDueScheduledActions fires every due action: each fire opens a
// fresh conversation and hands the agent the action as a user turn, so
// a scheduled swap flows through exactly the same confirmation and
// execution path as a typed one. Meant to be hit by an external timer
// (or a cron sidecar); firing is synchronous and idempotent per window
// via the in_progress flag.
func (s *Server) processDueScheduledActions(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	due, err := s.store.ListDueScheduledActions(r.Context(), now.Format(time.RFC3339Nano))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	fired := make([]string, 0, len(due))
	for _, action := range due {
		schedule, err := cron.ParseStandard(action.CronSpec)
		if err != nil {
			continue
		}

		action.InProgress = true
		if err := s.store.UpdateScheduledAction(r.Context(), action); err != nil {
			continue
		}

		conversationID := s.fireScheduledAction(r, action)

		action.InProgress = false
		action.LastRunAt = now.Format(time.RFC3339Nano)
		action.NextRunAt = schedule.Next(now).UTC().Format(time.RFC3339Nano)
		action.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
		_ = s.store.UpdateScheduledAction(r.Context(), action)

		if conversationID != "" {
			fired = append(fired, action.ID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"fired": fired, "due": len(due)})
}

func (s *Server) fireScheduledAction(r *http.Request, action store.ScheduledAction) string {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	conversationID := uuid.New().String()
	conversation := store.Conversation{
		ID:        conversationID,
		Title:     action.Name,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(r.Context(), conversation); err != nil {
		return ""
	}

	seq, _ := s.store.NextSeq(r.Context(), conversationID)
	event := store.ConversationEvent{
		ConversationID: conversationID,
		Seq:            seq,
		Type:           events.TypeActionScheduled,
		Timestamp:      now,
		Source:         "control_plane",
		TraceID:        uuid.New().String(),
		Payload: map[string]any{
			"scheduled_action_id": action.ID,
			"action":              action.Action,
			"name":                action.Name,
		},
	}
	_ = s.store.AppendEvent(r.Context(), event)
	s.broker.Publish(toEvent(event))

	if s.workflows != nil {
		_ = s.workflows.StartConversation(r.Context(), conversationID)
	}
	s.persistMessage(r, conversationID, "user", scheduledActionPrompt(action), map[string]any{
		"scheduled_action_id": action.ID,
	})
	return conversationID
}

func scheduledActionPrompt(action store.ScheduledAction) string {
	args, _ := json.Marshal(action.Args)
	if len(action.Args) == 0 {
		return fmt.Sprintf("Run the scheduled action %q (%s).", action.Name, action.Action)
	}
	return fmt.Sprintf("Run the scheduled action %q (%s) with parameters %s.", action.Name, action.Action, args)
}
