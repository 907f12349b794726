package events

import (
	"context"
	"strings"
	"sync"
)

// Event types carried over the push channel and persisted in the
// event log, dot notation.
const (
	TypeToolStream            = "tool.stream"
	TypeMessageAdded          = "message.added"
	TypeTurnStarted           = "turn.started"
	TypeTurnCompleted         = "turn.completed"
	TypeTurnFailed            = "turn.failed"
	TypeConversationCancelled = "conversation.cancelled"
	TypeActionScheduled       = "action.scheduled"
)

type ConversationEvent struct {
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Type           string         `json:"type"`
	Ts             string         `json:"ts"`
	Source         string         `json:"source"`
	TraceID        string         `json:"trace_id,omitempty"`
	Payload        map[string]any `json:"payload"`
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan ConversationEvent]struct{}
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan ConversationEvent]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, conversationID string) <-chan ConversationEvent {
	ch := make(chan ConversationEvent, 16)

	b.mu.Lock()
	if b.subscribers[conversationID] == nil {
		b.subscribers[conversationID] = map[chan ConversationEvent]struct{}{}
	}
	b.subscribers[conversationID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[conversationID] != nil {
			delete(b.subscribers[conversationID], ch)
			if len(b.subscribers[conversationID]) == 0 {
				delete(b.subscribers, conversationID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish fans the event out to current subscribers without blocking;
// a subscriber with a full buffer misses the event and recovers via
// the pull channel. Sends happen under the read lock so an
// unsubscribing context cannot close a channel mid-fanout.
func (b *Broker) Publish(event ConversationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.ConversationID] {
		select {
		case ch <- event:
		default:
		}
	}
}
