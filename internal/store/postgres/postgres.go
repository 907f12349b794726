package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/meridian-fi/meridian/control-plane/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"conversations",
		"messages",
		"tool_calls",
		"conversation_events",
		"event_sequences",
		"user_settings",
		"scheduled_actions",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run infra/migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	status := strings.TrimSpace(conversation.Status)
	if status == "" {
		status = "active"
	}
	const query = `
		INSERT INTO conversations (id, title, status, autopilot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()), COALESCE($6, now()))
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		conversation.ID,
		conversation.Title,
		status,
		conversation.Autopilot,
		parseTimestampValue(conversation.CreatedAt),
		parseTimestampValue(conversation.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	const query = `
		SELECT id, title, status, autopilot, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	var createdAt, updatedAt time.Time
	var conversation store.Conversation
	err := p.db.QueryRowContext(ctx, query, conversationID).Scan(
		&conversation.ID,
		&conversation.Title,
		&conversation.Status,
		&conversation.Autopilot,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conversation.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	conversation.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return &conversation, nil
}

func (p *PostgresStore) ListConversations(ctx context.Context) ([]store.ConversationSummary, error) {
	const query = `
		SELECT c.id, c.title, c.status, c.autopilot, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id, c.title, c.status, c.autopilot, c.created_at, c.updated_at
		ORDER BY c.updated_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ConversationSummary{}
	for rows.Next() {
		var createdAt, updatedAt time.Time
		var summary store.ConversationSummary
		if err := rows.Scan(&summary.ID, &summary.Title, &summary.Status, &summary.Autopilot, &createdAt, &updatedAt, &summary.MessageCount); err != nil {
			return nil, err
		}
		summary.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		summary.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpdateConversationStatus(ctx context.Context, conversationID string, status string) error {
	_, err := p.db.ExecContext(
		ctx,
		"UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1",
		conversationID,
		status,
	)
	return err
}

func (p *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", conversationID)
	return err
}

func (p *PostgresStore) AddMessage(ctx context.Context, msg store.Message) error {
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO messages (id, conversation_id, role, content, sequence, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), $7)
	`
	_, err = p.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Sequence, parseTimestampValue(msg.CreatedAt), encoded)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	const query = `
		SELECT id, conversation_id, role, content, sequence, created_at, metadata
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence ASC
	`
	rows, err := p.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var createdAt time.Time
		var metadataBytes []byte
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Sequence, &createdAt, &metadataBytes); err != nil {
			return nil, err
		}
		msg.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		msg.Metadata = decodeJSONMap(metadataBytes)
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpsertToolCall(ctx context.Context, call store.ToolCall) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, found, err := getToolCallTx(ctx, tx, call.ToolCallID, true)
	if err != nil {
		return err
	}
	merged := call
	if found {
		merged = store.MergeToolCall(existing, call)
	} else if merged.CreatedAt == "" {
		merged.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err = upsertToolCallTx(ctx, tx, merged); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) GetToolCall(ctx context.Context, toolCallID string) (*store.ToolCall, error) {
	const query = `
		SELECT tool_call_id, conversation_id, message_id, tool_name, step, args, result, error, created_at, updated_at
		FROM tool_calls
		WHERE tool_call_id = $1
	`
	row := p.db.QueryRowContext(ctx, query, toolCallID)
	call, err := scanToolCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

func (p *PostgresStore) ListToolCalls(ctx context.Context, conversationID string) ([]store.ToolCall, error) {
	const query = `
		SELECT tool_call_id, conversation_id, message_id, tool_name, step, args, result, error, created_at, updated_at
		FROM tool_calls
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ToolCall{}
	for rows.Next() {
		call, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, call)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// BeginToolCallExecution is the at-most-once gate: the UPDATE only
// matches a row still sitting in confirmed, so concurrent executors
// and replays see zero rows affected and back off.
func (p *PostgresStore) BeginToolCallExecution(ctx context.Context, toolCallID string) (bool, error) {
	const query = `
		UPDATE tool_calls
		SET step = 'processing', updated_at = now()
		WHERE tool_call_id = $1 AND step = 'confirmed'
	`
	result, err := p.db.ExecContext(ctx, query, toolCallID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (p *PostgresStore) FinishToolCall(ctx context.Context, call store.ToolCall) error {
	result := call.Result
	if result == nil {
		result = map[string]any{}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	const query = `
		UPDATE tool_calls
		SET step = $2, result = $3, error = $4, updated_at = now()
		WHERE tool_call_id = $1 AND step NOT IN ('completed', 'failed', 'canceled')
	`
	_, err = p.db.ExecContext(ctx, query, call.ToolCallID, call.Step, encoded, nullString(call.Error))
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.ConversationEvent) error {
	event.Type = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event.Type)), "_", ".")
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timestamp := event.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	timestampValue := parseTimestampValue(timestamp)
	traceID := strings.TrimSpace(event.TraceID)
	var traceIDValue any
	if traceID == "" {
		traceIDValue = nil
	} else if _, err := uuid.Parse(traceID); err != nil {
		traceIDValue = nil
	} else {
		traceIDValue = traceID
	}
	const query = `
		INSERT INTO conversation_events (conversation_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, query, event.ConversationID, event.Seq, event.Type, timestampValue, event.Source, traceIDValue, encoded); err != nil {
		return err
	}
	if patch, ok := store.BuildToolCallPatchFromEvent(event); ok {
		if err = applyToolCallPatchTx(ctx, tx, patch); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, conversationID string, afterSeq int64) ([]store.ConversationEvent, error) {
	const query = `
		SELECT conversation_id, seq, type, timestamp, source, trace_id, payload
		FROM conversation_events
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ConversationEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var traceID sql.NullString
		var event store.ConversationEvent
		if err := rows.Scan(&event.ConversationID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		if traceID.Valid {
			event.TraceID = traceID.String
		}
		event.Payload = decodeJSONMap(payloadBytes)
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	const query = `
		INSERT INTO event_sequences (conversation_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (conversation_id)
		DO UPDATE SET last_seq = event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, conversationID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) GetUserSettings(ctx context.Context) (*store.UserSettings, error) {
	const query = `
		SELECT autopilot, wallet_pubkey, wallet_session_key_enc, created_at, updated_at
		FROM user_settings
		WHERE id = 1
	`
	var createdAt, updatedAt time.Time
	var pubkey, sessionKey sql.NullString
	var settings store.UserSettings
	err := p.db.QueryRowContext(ctx, query).Scan(&settings.Autopilot, &pubkey, &sessionKey, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	settings.WalletPubkey = pubkey.String
	settings.WalletSessionKeyEnc = sessionKey.String
	settings.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	settings.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return &settings, nil
}

func (p *PostgresStore) UpsertUserSettings(ctx context.Context, settings store.UserSettings) error {
	const query = `
		INSERT INTO user_settings (id, autopilot, wallet_pubkey, wallet_session_key_enc, created_at, updated_at)
		VALUES (1, $1, $2, $3, now(), now())
		ON CONFLICT (id)
		DO UPDATE SET autopilot = $1, wallet_pubkey = $2, wallet_session_key_enc = $3, updated_at = now()
	`
	_, err := p.db.ExecContext(ctx, query, settings.Autopilot, nullString(settings.WalletPubkey), nullString(settings.WalletSessionKeyEnc))
	return err
}

func (p *PostgresStore) ListScheduledActions(ctx context.Context) ([]store.ScheduledAction, error) {
	const query = `
		SELECT id, name, action, args, cron_spec, enabled, next_run_at, last_run_at, in_progress, created_at, updated_at
		FROM scheduled_actions
		ORDER BY updated_at DESC
	`
	return p.queryScheduledActions(ctx, query)
}

func (p *PostgresStore) GetScheduledAction(ctx context.Context, actionID string) (*store.ScheduledAction, error) {
	const query = `
		SELECT id, name, action, args, cron_spec, enabled, next_run_at, last_run_at, in_progress, created_at, updated_at
		FROM scheduled_actions
		WHERE id = $1
	`
	actions, err := p.queryScheduledActions(ctx, query, actionID)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return &actions[0], nil
}

func (p *PostgresStore) CreateScheduledAction(ctx context.Context, action store.ScheduledAction) error {
	encoded, err := encodeJSONMap(action.Args)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO scheduled_actions (id, name, action, args, cron_spec, enabled, next_run_at, last_run_at, in_progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		action.ID,
		action.Name,
		action.Action,
		encoded,
		action.CronSpec,
		action.Enabled,
		parseTimestampValue(action.NextRunAt),
		parseTimestampValue(action.LastRunAt),
		action.InProgress,
	)
	return err
}

func (p *PostgresStore) UpdateScheduledAction(ctx context.Context, action store.ScheduledAction) error {
	encoded, err := encodeJSONMap(action.Args)
	if err != nil {
		return err
	}
	const query = `
		UPDATE scheduled_actions
		SET name = $2, action = $3, args = $4, cron_spec = $5, enabled = $6, next_run_at = $7, last_run_at = $8, in_progress = $9, updated_at = now()
		WHERE id = $1
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		action.ID,
		action.Name,
		action.Action,
		encoded,
		action.CronSpec,
		action.Enabled,
		parseTimestampValue(action.NextRunAt),
		parseTimestampValue(action.LastRunAt),
		action.InProgress,
	)
	return err
}

func (p *PostgresStore) DeleteScheduledAction(ctx context.Context, actionID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM scheduled_actions WHERE id = $1", actionID)
	return err
}

func (p *PostgresStore) ListDueScheduledActions(ctx context.Context, now string) ([]store.ScheduledAction, error) {
	const query = `
		SELECT id, name, action, args, cron_spec, enabled, next_run_at, last_run_at, in_progress, created_at, updated_at
		FROM scheduled_actions
		WHERE enabled = true AND in_progress = false AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
	`
	return p.queryScheduledActions(ctx, query, parseTimestampValue(now))
}

func (p *PostgresStore) queryScheduledActions(ctx context.Context, query string, args ...any) ([]store.ScheduledAction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ScheduledAction{}
	for rows.Next() {
		var argsBytes []byte
		var nextRunAt, lastRunAt sql.NullTime
		var createdAt, updatedAt time.Time
		var action store.ScheduledAction
		if err := rows.Scan(&action.ID, &action.Name, &action.Action, &argsBytes, &action.CronSpec, &action.Enabled, &nextRunAt, &lastRunAt, &action.InProgress, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		action.Args = decodeJSONMap(argsBytes)
		if nextRunAt.Valid {
			action.NextRunAt = nextRunAt.Time.UTC().Format(time.RFC3339Nano)
		}
		if lastRunAt.Valid {
			action.LastRunAt = lastRunAt.Time.UTC().Format(time.RFC3339Nano)
		}
		action.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		action.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, action)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCall(row rowScanner) (store.ToolCall, error) {
	var argsBytes, resultBytes []byte
	var messageID, toolName, callError sql.NullString
	var createdAt, updatedAt time.Time
	var call store.ToolCall
	err := row.Scan(&call.ToolCallID, &call.ConversationID, &messageID, &toolName, &call.Step, &argsBytes, &resultBytes, &callError, &createdAt, &updatedAt)
	if err != nil {
		return store.ToolCall{}, err
	}
	call.MessageID = messageID.String
	call.ToolName = toolName.String
	call.Error = callError.String
	call.Args = decodeJSONMap(argsBytes)
	call.Result = decodeJSONMap(resultBytes)
	call.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	call.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return call, nil
}

func getToolCallTx(ctx context.Context, tx *sql.Tx, toolCallID string, forUpdate bool) (store.ToolCall, bool, error) {
	query := `
		SELECT tool_call_id, conversation_id, message_id, tool_name, step, args, result, error, created_at, updated_at
		FROM tool_calls
		WHERE tool_call_id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	call, err := scanToolCall(tx.QueryRowContext(ctx, query, toolCallID))
	if err == sql.ErrNoRows {
		return store.ToolCall{}, false, nil
	}
	if err != nil {
		return store.ToolCall{}, false, err
	}
	return call, true, nil
}

func upsertToolCallTx(ctx context.Context, tx *sql.Tx, call store.ToolCall) error {
	argsEncoded, err := encodeJSONMap(call.Args)
	if err != nil {
		return err
	}
	resultEncoded, err := encodeJSONMap(call.Result)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO tool_calls (tool_call_id, conversation_id, message_id, tool_name, step, args, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), COALESCE($10, now()))
		ON CONFLICT (tool_call_id)
		DO UPDATE SET
			message_id = EXCLUDED.message_id,
			tool_name = EXCLUDED.tool_name,
			step = EXCLUDED.step,
			args = EXCLUDED.args,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			updated_at = COALESCE($10, now())
	`
	_, err = tx.ExecContext(
		ctx,
		query,
		call.ToolCallID,
		call.ConversationID,
		nullString(call.MessageID),
		nullString(call.ToolName),
		call.Step,
		argsEncoded,
		resultEncoded,
		nullString(call.Error),
		parseTimestampValue(call.CreatedAt),
		parseTimestampValue(call.UpdatedAt),
	)
	return err
}

func applyToolCallPatchTx(ctx context.Context, tx *sql.Tx, patch store.ToolCall) error {
	existing, found, err := getToolCallTx(ctx, tx, patch.ToolCallID, true)
	if err != nil {
		return err
	}
	merged := patch
	if found {
		merged = store.MergeToolCall(existing, patch)
	} else if merged.CreatedAt == "" {
		merged.CreatedAt = patch.UpdatedAt
	}
	return upsertToolCallTx(ctx, tx, merged)
}

func encodeJSONMap(input map[string]any) ([]byte, error) {
	if input == nil {
		input = map[string]any{}
	}
	return json.Marshal(input)
}

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func parseTimestampValue(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}
