package chat

import (
	"testing"
	"time"
)

func TestSetActiveConversationSwapsSubscription(t *testing.T) {
	broker := newTestBroker(t)
	session := NewSession(testConfig(broker), NewStaticTokenSource(identityToken(t)))
	startSession(t, broker, session)

	if err := session.SetActiveConversation(1); err != nil {
		t.Fatalf("selecting conversation 1: %v", err)
	}
	first := broker.awaitSubscribe(t, chatTopic(1))

	if err := session.SetActiveConversation(2); err != nil {
		t.Fatalf("selecting conversation 2: %v", err)
	}
	if got := broker.awaitUnsubscribe(t); got != first.id {
		t.Fatalf("expected UNSUBSCRIBE for %s, got %s", first.id, got)
	}
	broker.awaitSubscribe(t, chatTopic(2))

	if session.ActiveConversation() != 2 {
		t.Fatalf("expected conversation 2, got %d", session.ActiveConversation())
	}
}

func TestSetActiveConversationSameIDIsNoOp(t *testing.T) {
	broker := newTestBroker(t)
	session := NewSession(testConfig(broker), NewStaticTokenSource(identityToken(t)))
	startSession(t, broker, session)

	_ = session.SetActiveConversation(1)
	broker.awaitSubscribe(t, chatTopic(1))

	if err := session.SetActiveConversation(1); err != nil {
		t.Fatalf("re-selecting conversation 1: %v", err)
	}
	broker.assertNoSubscribe(t, 100*time.Millisecond)
	select {
	case subID := <-broker.unsubscribes:
		t.Fatalf("unexpected UNSUBSCRIBE %s", subID)
	default:
	}
}

func TestSetActiveConversationZeroCloses(t *testing.T) {
	broker := newTestBroker(t)
	session := NewSession(testConfig(broker), NewStaticTokenSource(identityToken(t)))
	startSession(t, broker, session)

	_ = session.SetActiveConversation(1)
	broker.awaitSubscribe(t, chatTopic(1))

	if err := session.SetActiveConversation(0); err != nil {
		t.Fatalf("closing conversation: %v", err)
	}
	broker.awaitUnsubscribe(t)
	broker.assertNoSubscribe(t, 100*time.Millisecond)

	if session.ActiveConversation() != 0 {
		t.Fatalf("expected no active conversation, got %d", session.ActiveConversation())
	}
}

func TestConversationRememberedWhileDisconnected(t *testing.T) {
	broker := newTestBroker(t)
	client := NewClient(broker.url(), 0)
	manager := newSubscriptionManager(client, nil, func([]byte) {}, func([]byte) {})

	if err := manager.SetActiveConversation(5); err != nil {
		t.Fatalf("selecting conversation while disconnected: %v", err)
	}
	if manager.ActiveConversation() != 5 {
		t.Fatalf("conversation not remembered: %d", manager.ActiveConversation())
	}
	if manager.activeChatSubscription() != nil {
		t.Fatal("no subscription should exist while disconnected")
	}

	if err := client.Connect("test-token"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Deactivate() })

	if err := manager.resubscribe(); err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	broker.awaitSubscribe(t, chatTopic(5))
	if manager.activeChatSubscription() == nil {
		t.Fatal("expected a live chat subscription after resubscribe")
	}
}
