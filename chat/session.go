package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Client-to-server command destinations.
const (
	sendDestination    = "/app/chat.send"
	readDestination    = "/app/chat.read"
	readAllDestination = "/app/chat.readAll"
)

// Session is the public surface of the chat synchronization core: one
// session per active chat UI, constructed once and discarded on session end.
// It wires the transport client, the connection lifecycle, the subscription
// manager and the deduplicator together, and delivers inbound messages to
// the registered handlers exactly once.
//
// Handlers run on the transport read routine and must not block.
type Session struct {
	cfg      Config
	tokens   TokenSource
	client   *Client
	life     *lifecycle
	subs     *SubscriptionManager
	dedup    *Deduplicator
	strategy ReconnectDelayStrategy
	logger   *slog.Logger

	senderID   int64
	senderName string
	senderRole string

	messageHandler      func(*ChatMessage)
	statusHandler       func(*ChatMessage)
	notificationHandler func(*Notification)

	lock            sync.Mutex
	ctx             context.Context
	started         bool
	stopped         bool
	reconnecting    atomic.Bool
	reconnectCancel context.CancelFunc
}

// NewSession returns a new Session for the given configuration and
// credential source.
func NewSession(cfg Config, tokens TokenSource) *Session {
	session := &Session{
		cfg:      cfg,
		tokens:   tokens,
		dedup:    NewDeduplicator(cfg.DedupWindow),
		strategy: NewFixedDelayStrategy(cfg.ReconnectDelay),
		logger:   slog.Default(),
	}
	session.life = newLifecycle(nil)
	session.client = NewClient(cfg.BrokerURL, cfg.HeartbeatInterval)
	session.client.SetDisconnectHandler(session.handleDisconnect)
	session.subs = newSubscriptionManager(session.client, session.logger,
		session.handleChatFrame, session.handleNotificationFrame)
	return session
}

// SetLogger sets the logger on the receiver.
func (session *Session) SetLogger(logger *slog.Logger) *Session {
	if logger != nil {
		session.logger = logger
		session.client.SetLogger(logger)
		session.subs.logger = logger
	}
	return session
}

// SetSender records the local user's identity stamped onto outbound
// messages.
func (session *Session) SetSender(senderID int64, senderName string, senderRole string) *Session {
	session.senderID = senderID
	session.senderName = senderName
	session.senderRole = senderRole
	return session
}

// SetMessageHandler sets the callback for newly admitted chat messages.
func (session *Session) SetMessageHandler(handler func(*ChatMessage)) *Session {
	session.messageHandler = handler
	return session
}

// SetStatusHandler sets the callback for delivered/read status updates to
// messages that were already admitted.
func (session *Session) SetStatusHandler(handler func(*ChatMessage)) *Session {
	session.statusHandler = handler
	return session
}

// SetNotificationHandler sets the callback for per-user queue envelopes.
func (session *Session) SetNotificationHandler(handler func(*Notification)) *Session {
	session.notificationHandler = handler
	return session
}

// SetStateHandler sets the observer invoked on every lifecycle transition.
// Must be called before Start.
func (session *Session) SetStateHandler(handler func(ConnectionState)) *Session {
	session.life = newLifecycle(handler)
	return session
}

// SetReconnectDelayStrategy overrides the fixed-delay default.
func (session *Session) SetReconnectDelayStrategy(strategy ReconnectDelayStrategy) *Session {
	if strategy != nil {
		session.strategy = strategy
	}
	return session
}

// State returns the current lifecycle state.
func (session *Session) State() ConnectionState { return session.life.current() }

// Connected reports an established, handshaken connection.
func (session *Session) Connected() bool { return session.life.connected() }

// Connecting reports a connection or reconnection attempt in progress.
func (session *Session) Connecting() bool { return session.life.connecting() }

// Start connects to the broker. A missing credential aborts before any
// network I/O and the state stays disconnected. A transport failure leaves
// the session connecting and retrying in the background, governed by ctx.
func (session *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	session.lock.Lock()
	if session.stopped {
		session.lock.Unlock()
		return NewError(DisconnectedError, "session is stopped")
	}
	if session.started {
		session.lock.Unlock()
		return NewError(AlreadyConnectedError, "session already started")
	}

	token, err := session.tokens.Token()
	if err != nil || token == "" {
		session.lock.Unlock()
		if err == nil {
			err = NewError(AuthMissingError, "no token available")
		}
		return err
	}

	session.started = true
	session.ctx = ctx
	session.lock.Unlock()

	session.life.moveTo(StateConnecting)

	if err := session.connectOnce(token); err != nil {
		session.logger.Warn("initial connect failed, retrying in background",
			slog.String("error", err.Error()))
		session.spawnReconnect(true)
	}
	return nil
}

func (session *Session) connectOnce(token string) error {
	if err := session.client.Connect(token); err != nil {
		return err
	}

	identity, err := tokenSubject(token)
	if err != nil {
		// Connected but anonymous: chat works, the notification queue is
		// skipped.
		session.logger.Warn("token has no usable identity", slog.String("error", err.Error()))
		identity = ""
	}
	session.subs.setIdentity(identity)

	session.life.moveTo(StateConnected)
	session.strategy.Reset()

	if err := session.subs.resubscribe(); err != nil {
		session.logger.Warn("resubscribe failed", slog.String("error", err.Error()))
	}
	return nil
}

// handleDisconnect reacts to a lost transport: the lifecycle flips to
// connecting and a single background routine retries the handshake after the
// configured delay.
func (session *Session) handleDisconnect(err error) {
	session.lock.Lock()
	stopped := session.stopped
	session.lock.Unlock()
	if stopped {
		return
	}

	session.subs.handleDisconnect()
	session.life.moveTo(StateConnecting)
	session.spawnReconnect(true)
}

func (session *Session) spawnReconnect(initialDelay bool) {
	if !session.reconnecting.CompareAndSwap(false, true) {
		return
	}

	session.lock.Lock()
	parent := session.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	session.reconnectCancel = cancel
	session.lock.Unlock()

	go func() {
		defer func() {
			session.reconnecting.Store(false)
			session.lock.Lock()
			session.reconnectCancel = nil
			session.lock.Unlock()
			cancel()
		}()
		session.reconnectLoop(ctx, initialDelay)
	}()
}

func (session *Session) reconnectLoop(ctx context.Context, initialDelay bool) {
	wait := time.Duration(0)
	if initialDelay {
		wait = session.strategy.ConnectWaitDuration()
	}

	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return
		}

		session.lock.Lock()
		stopped := session.stopped
		session.lock.Unlock()
		if stopped {
			return
		}

		token, err := session.tokens.Token()
		if err != nil || token == "" {
			// The credential disappeared mid-session; retrying blindly
			// cannot help.
			session.logger.Warn("token no longer available, giving up reconnect")
			session.life.moveTo(StateDisconnected)
			return
		}

		connectErr := session.connectOnce(token)
		if connectErr == nil {
			return
		}
		session.logger.Warn("reconnect attempt failed", slog.String("error", connectErr.Error()))

		wait = session.strategy.ConnectWaitDuration()
	}
}

// Reconnect re-activates the transport without a full teardown. It is a
// no-op while connecting or connected.
func (session *Session) Reconnect() error {
	session.lock.Lock()
	stopped := session.stopped
	started := session.started
	session.lock.Unlock()

	if stopped {
		return NewError(DisconnectedError, "session is stopped")
	}
	if !started {
		return NewError(DisconnectedError, "session was never started")
	}
	if session.Connected() || session.Connecting() {
		return nil
	}

	session.life.moveTo(StateConnecting)
	session.spawnReconnect(false)
	return nil
}

// Stop tears the session down: subscriptions are cancelled before the
// transport is deactivated, so no handler fires on a dead channel.
// Idempotent.
func (session *Session) Stop() error {
	session.lock.Lock()
	if session.stopped {
		session.lock.Unlock()
		return nil
	}
	session.stopped = true
	cancel := session.reconnectCancel
	session.reconnectCancel = nil
	session.lock.Unlock()

	if cancel != nil {
		cancel()
	}

	session.subs.cancelAll()
	err := session.client.Deactivate()
	session.life.moveTo(StateDisconnected)
	return err
}

// SetActiveConversation swaps the chat topic subscription to the given
// conversation; zero closes the chat panel. While disconnected the choice is
// remembered and applied on reconnect.
func (session *Session) SetActiveConversation(conversationID int64) error {
	return session.subs.SetActiveConversation(conversationID)
}

// ActiveConversation returns the currently selected conversation id.
func (session *Session) ActiveConversation() int64 {
	return session.subs.ActiveConversation()
}

// SendMessage publishes a chat message for the active conversation. It
// returns false without any network attempt when not connected; re-sending
// is the user's decision, never automatic.
func (session *Session) SendMessage(content string, messageType MessageType, fileURL string, fileName string) bool {
	if messageType == "" {
		messageType = MessageTypeChat
	}

	message := &ChatMessage{
		ConversationID: session.subs.ActiveConversation(),
		SenderID:       session.senderID,
		SenderName:     session.senderName,
		SenderRole:     session.senderRole,
		Content:        content,
		MessageType:    messageType,
		FileURL:        fileURL,
		FileName:       fileName,
		Timestamp:      Now(),
	}
	return session.publishMessage(message)
}

// SendFile publishes a FILE message referencing an already uploaded
// attachment. The upload itself belongs to the HTTP collaborator.
func (session *Session) SendFile(fileURL string, fileName string) bool {
	return session.SendMessage(fileName, MessageTypeFile, fileURL, fileName)
}

// SendLocation publishes a LOCATION message.
func (session *Session) SendLocation(latitude float64, longitude float64) bool {
	message := &ChatMessage{
		ConversationID: session.subs.ActiveConversation(),
		SenderID:       session.senderID,
		SenderName:     session.senderName,
		SenderRole:     session.senderRole,
		Content:        "Shared a location",
		MessageType:    MessageTypeLocation,
		Latitude:       &latitude,
		Longitude:      &longitude,
		Timestamp:      Now(),
	}
	return session.publishMessage(message)
}

func (session *Session) publishMessage(message *ChatMessage) bool {
	if !session.Connected() {
		session.logger.Warn("cannot send message, not connected")
		return false
	}
	if message.ConversationID == 0 {
		session.logger.Warn("cannot send message, no active conversation")
		return false
	}

	payload, err := json.Marshal(message)
	if err != nil {
		session.logger.Warn("encoding outbound message", slog.String("error", err.Error()))
		return false
	}
	return session.client.Publish(sendDestination, payload) == nil
}

// MarkAsRead sends a fire-and-forget read receipt for one message.
func (session *Session) MarkAsRead(messageID int64) bool {
	return session.publishCommand(readDestination, messageID)
}

// MarkAllAsRead sends a fire-and-forget bulk read receipt for a
// conversation.
func (session *Session) MarkAllAsRead(conversationID int64) bool {
	return session.publishCommand(readAllDestination, conversationID)
}

func (session *Session) publishCommand(destination string, id int64) bool {
	if !session.Connected() {
		session.logger.Warn("cannot publish, not connected", slog.String("destination", destination))
		return false
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return false
	}
	return session.client.Publish(destination, payload) == nil
}

func (session *Session) handleChatFrame(body []byte) {
	message, err := decodeChatMessage(body)
	if err != nil {
		session.logger.Warn("dropping malformed chat payload", slog.String("error", err.Error()))
		return
	}

	if session.dedup.Admit(message) {
		if session.messageHandler != nil {
			session.messageHandler(message)
		}
		return
	}

	// A rejected payload that carries an id and flipped status flags is a
	// broker-pushed status update to a message we already delivered.
	if message.HasID() && (message.IsRead || message.IsDelivered) {
		if session.statusHandler != nil {
			session.statusHandler(message)
		}
		return
	}

	session.logger.Debug("duplicate message suppressed")
}

func (session *Session) handleNotificationFrame(body []byte) {
	notification, err := decodeNotification(body)
	if err != nil {
		session.logger.Warn("dropping malformed notification", slog.String("error", err.Error()))
		return
	}
	if session.notificationHandler != nil {
		session.notificationHandler(notification)
	}
}
