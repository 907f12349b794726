package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func receiveEvent(t *testing.T, ch <-chan ConversationEvent) ConversationEvent {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before receive")
		}
		return ev
	case <-timer.C:
		t.Fatal("timed out waiting for event")
	}

	return ConversationEvent{}
}

func waitForClosed(t *testing.T, ch <-chan ConversationEvent) {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestNormalizeType(t *testing.T) {
	if NormalizeType("  Tool.Stream ") != TypeToolStream {
		t.Fatal("expected normalized type")
	}
}

func TestSubscribe_Single(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "conv-1")
	if ch == nil {
		t.Fatal("expected channel")
	}

	b.mu.RLock()
	count := len(b.subscribers["conv-1"])
	b.mu.RUnlock()
	if count != 1 {
		t.Fatalf("expected 1 subscriber, got %d", count)
	}

	cancel()
	waitForClosed(t, ch)

	b.mu.RLock()
	_, exists := b.subscribers["conv-1"]
	b.mu.RUnlock()
	if exists {
		t.Fatal("subscriber not removed")
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := NewBroker()
	b.Publish(ConversationEvent{ConversationID: "conv-1"})
}

func TestPublish_SingleSubscriber(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "conv-1")
	event := ConversationEvent{ConversationID: "conv-1", Seq: 1, Type: TypeToolStream, Ts: "now", Source: "worker"}

	b.Publish(event)
	received := receiveEvent(t, ch)
	if received.Type != event.Type || received.Seq != event.Seq {
		t.Fatalf("unexpected event: %+v", received)
	}

	for i := 0; i < 16; i++ {
		b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: int64(i + 2)})
	}
	if len(ch) != 16 {
		t.Fatalf("expected full buffer, got %d", len(ch))
	}
	b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: 18})
	if len(ch) != 16 {
		t.Fatalf("expected dropped event, got %d", len(ch))
	}

	cancel()
	waitForClosed(t, ch)
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	b := NewBroker()
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel1()
	defer cancel2()

	ch1 := b.Subscribe(ctx1, "conv-1")
	ch2 := b.Subscribe(ctx2, "conv-1")

	b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: 1, Type: TypeMessageAdded})

	_ = receiveEvent(t, ch1)
	_ = receiveEvent(t, ch2)

	cancel1()
	cancel2()
	waitForClosed(t, ch1)
	waitForClosed(t, ch2)
}

func TestPublish_DifferentConversations(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "conv-2")
	b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: 1})

	select {
	case <-ch:
		t.Fatal("unexpected event for different conversation")
	default:
	}

	cancel()
	waitForClosed(t, ch)
}

func TestConcurrent_SubscribePublish(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	chans := make([]<-chan ConversationEvent, 0, 32)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			ch := b.Subscribe(ctx, "conv-1")
			mu.Lock()
			chans = append(chans, ch)
			mu.Unlock()
			b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: int64(seq)})
		}(i)
	}

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: int64(100 + seq)})
		}(i)
	}

	wg.Wait()
	cancel()

	for _, ch := range chans {
		waitForClosed(t, ch)
	}

	b.mu.RLock()
	count := len(b.subscribers)
	b.mu.RUnlock()
	if count != 0 {
		t.Fatalf("expected no subscribers, got %d", count)
	}
}

func TestConcurrent_PublishDuringUnsubscribe(t *testing.T) {
	b := NewBroker()

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				b.Publish(ConversationEvent{ConversationID: "conv-1", Seq: 1})
			}
		}
	}()

	// racing unsubscribes against the publisher must never panic with
	// a send on a closed channel
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch := b.Subscribe(ctx, "conv-1")
		cancel()
		waitForClosed(t, ch)
	}

	close(done)
	wg.Wait()
}
