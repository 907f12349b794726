package store

import "context"

type Conversation struct {
	ID        string
	Title     string
	Status    string
	Autopilot bool
	CreatedAt string
	UpdatedAt string
}

type ConversationSummary struct {
	ID           string
	Title        string
	Status       string
	Autopilot    bool
	CreatedAt    string
	UpdatedAt    string
	MessageCount int64
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Sequence       int64
	CreatedAt      string
	Metadata       map[string]any
}

// ToolCall is the persisted tool-invocation record, the authoritative
// state the pull channel serves. Step values follow the invocation
// package's lifecycle; terminal steps are immutable once written.
type ToolCall struct {
	ToolCallID     string
	ConversationID string
	MessageID      string
	ToolName       string
	Step           string
	Args           map[string]any
	Result         map[string]any
	Error          string
	CreatedAt      string
	UpdatedAt      string
}

type ConversationEvent struct {
	ConversationID string
	Seq            int64
	Type           string
	Timestamp      string
	Source         string
	TraceID        string
	Payload        map[string]any
}

type UserSettings struct {
	Autopilot           bool
	WalletPubkey        string
	WalletSessionKeyEnc string
	CreatedAt           string
	UpdatedAt           string
}

type ScheduledAction struct {
	ID         string
	Name       string
	Action     string
	Args       map[string]any
	CronSpec   string
	Enabled    bool
	NextRunAt  string
	LastRunAt  string
	InProgress bool
	CreatedAt  string
	UpdatedAt  string
}

type Store interface {
	CreateConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	UpdateConversationStatus(ctx context.Context, conversationID string, status string) error
	DeleteConversation(ctx context.Context, conversationID string) error

	AddMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	UpsertToolCall(ctx context.Context, call ToolCall) error
	GetToolCall(ctx context.Context, toolCallID string) (*ToolCall, error)
	ListToolCalls(ctx context.Context, conversationID string) ([]ToolCall, error)
	// BeginToolCallExecution flips confirmed to processing and reports
	// whether this caller won the transition. A false return means the
	// call is already processing or terminal and must not be executed
	// again.
	BeginToolCallExecution(ctx context.Context, toolCallID string) (bool, error)
	// FinishToolCall writes the terminal outcome. Writes against an
	// already-terminal record are silently dropped.
	FinishToolCall(ctx context.Context, call ToolCall) error

	AppendEvent(ctx context.Context, event ConversationEvent) error
	ListEvents(ctx context.Context, conversationID string, afterSeq int64) ([]ConversationEvent, error)
	NextSeq(ctx context.Context, conversationID string) (int64, error)

	GetUserSettings(ctx context.Context) (*UserSettings, error)
	UpsertUserSettings(ctx context.Context, settings UserSettings) error

	ListScheduledActions(ctx context.Context) ([]ScheduledAction, error)
	GetScheduledAction(ctx context.Context, actionID string) (*ScheduledAction, error)
	CreateScheduledAction(ctx context.Context, action ScheduledAction) error
	UpdateScheduledAction(ctx context.Context, action ScheduledAction) error
	DeleteScheduledAction(ctx context.Context, actionID string) error
	ListDueScheduledActions(ctx context.Context, now string) ([]ScheduledAction, error)
}
