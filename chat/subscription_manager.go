package chat

import (
	"fmt"
	"log/slog"
	"sync"
)

func chatTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/delivery.%d.chat", conversationID)
}

func notificationQueue(identity string) string {
	return "/user/" + identity + "/queue/notifications"
}

// SubscriptionManager keeps exactly one per-conversation chat subscription
// and one per-session notification subscription alive on top of a Client.
// Subscriptions do not survive a reconnection; resubscribe replays them
// against the new channel.
type SubscriptionManager struct {
	mu             sync.Mutex
	client         *Client
	logger         *slog.Logger
	identity       string
	conversationID int64
	chatSub        *Subscription
	notifySub      *Subscription
	onChatMessage  func(body []byte)
	onNotification func(body []byte)
}

func newSubscriptionManager(client *Client, logger *slog.Logger, onChatMessage func([]byte), onNotification func([]byte)) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		client:         client,
		logger:         logger,
		onChatMessage:  onChatMessage,
		onNotification: onNotification,
	}
}

// setIdentity records the authenticated user for the notification queue.
// Called once per connection, before resubscribe.
func (manager *SubscriptionManager) setIdentity(identity string) {
	manager.mu.Lock()
	manager.identity = identity
	manager.mu.Unlock()
}

// SetActiveConversation swaps the chat subscription to the given
// conversation, cancelling the previous one first. Zero cancels without
// replacement. While the transport is down the conversation is remembered
// and the subscription opens on the next resubscribe.
func (manager *SubscriptionManager) SetActiveConversation(conversationID int64) error {
	manager.mu.Lock()
	previous := manager.chatSub
	unchanged := manager.conversationID == conversationID && previous != nil
	manager.conversationID = conversationID
	manager.chatSub = nil
	manager.mu.Unlock()

	if unchanged {
		manager.mu.Lock()
		manager.chatSub = previous
		manager.mu.Unlock()
		return nil
	}

	if previous != nil {
		if err := previous.Cancel(); err != nil {
			manager.logger.Warn("cancelling chat subscription", slog.String("error", err.Error()))
		}
	}

	if conversationID == 0 || !manager.client.Connected() {
		return nil
	}

	return manager.openChatSubscription(conversationID)
}

func (manager *SubscriptionManager) openChatSubscription(conversationID int64) error {
	subscription, err := manager.client.Subscribe(chatTopic(conversationID), manager.onChatMessage)
	if err != nil {
		return err
	}

	manager.mu.Lock()
	if manager.conversationID != conversationID {
		// Conversation changed while the SUBSCRIBE was in flight.
		manager.mu.Unlock()
		return subscription.Cancel()
	}
	manager.chatSub = subscription
	manager.mu.Unlock()

	manager.logger.Debug("subscribed", slog.String("destination", subscription.Destination()))
	return nil
}

// ActiveConversation returns the conversation id the manager is (or will be)
// subscribed to, zero when none.
func (manager *SubscriptionManager) ActiveConversation() int64 {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.conversationID
}

func (manager *SubscriptionManager) activeChatSubscription() *Subscription {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.chatSub
}

// resubscribe re-creates both subscriptions against a freshly connected
// channel.
func (manager *SubscriptionManager) resubscribe() error {
	manager.mu.Lock()
	identity := manager.identity
	conversationID := manager.conversationID
	manager.chatSub = nil
	manager.notifySub = nil
	manager.mu.Unlock()

	if identity != "" {
		subscription, err := manager.client.Subscribe(notificationQueue(identity), manager.onNotification)
		if err != nil {
			return err
		}
		manager.mu.Lock()
		manager.notifySub = subscription
		manager.mu.Unlock()
	}

	if conversationID != 0 {
		return manager.openChatSubscription(conversationID)
	}
	return nil
}

// handleDisconnect drops the handles; they died with the channel.
func (manager *SubscriptionManager) handleDisconnect() {
	manager.mu.Lock()
	manager.chatSub = nil
	manager.notifySub = nil
	manager.mu.Unlock()
}

// cancelAll tears down both subscriptions. Runs before transport
// deactivation so no handler fires on a dead channel.
func (manager *SubscriptionManager) cancelAll() {
	manager.mu.Lock()
	chatSub := manager.chatSub
	notifySub := manager.notifySub
	manager.chatSub = nil
	manager.notifySub = nil
	manager.mu.Unlock()

	if chatSub != nil {
		_ = chatSub.Cancel()
	}
	if notifySub != nil {
		_ = notifySub.Cancel()
	}
}
