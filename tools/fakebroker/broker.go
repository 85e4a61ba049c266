package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Broker is a minimal STOMP 1.2 broker over WebSocket, sufficient for
// exercising the chat client: token-gated handshake, topic subscriptions,
// chat.send/read/readAll commands, and optional at-least-once replay on
// subscribe to simulate reconnection redelivery.
type Broker struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// ReplayOnSubscribe redelivers a conversation's history on every
	// SUBSCRIBE, the way a replaying broker would after reconnect.
	ReplayOnSubscribe bool

	mu       sync.Mutex
	nextID   int64
	sessions map[*brokerSession]struct{}
	messages map[int64]*chatMessage
	byConvo  map[int64][]int64
}

type brokerSession struct {
	broker   *Broker
	conn     *websocket.Conn
	identity string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

// chatMessage mirrors the wire payload the chat client exchanges.
type chatMessage struct {
	ID             *int64   `json:"id,omitempty"`
	ConversationID int64    `json:"matchId"`
	SenderID       int64    `json:"senderId"`
	SenderName     string   `json:"senderName"`
	SenderRole     string   `json:"senderRole"`
	Content        string   `json:"content"`
	MessageType    string   `json:"messageType"`
	FileURL        string   `json:"fileUrl,omitempty"`
	FileName       string   `json:"fileName,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Timestamp      string   `json:"timestamp"`
	IsDelivered    bool     `json:"isDelivered"`
	IsRead         bool     `json:"isRead"`
}

type notification struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"deliveryId"`
	MessageID      *int64 `json:"messageId,omitempty"`
}

// NewBroker returns a new Broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*brokerSession]struct{}),
		messages: make(map[int64]*chatMessage),
		byConvo:  make(map[int64][]int64),
	}
}

// ServeHTTP upgrades /ws requests carrying a token query parameter.
func (broker *Broker) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	token := request.URL.Query().Get("token")
	if token == "" {
		http.Error(writer, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := broker.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		broker.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	session := &brokerSession{
		broker:   broker,
		conn:     conn,
		identity: subjectOf(token),
		subs:     make(map[string]string),
	}

	broker.mu.Lock()
	broker.sessions[session] = struct{}{}
	broker.mu.Unlock()

	go session.serve()
}

// subjectOf extracts the JWT subject; an opaque token falls back to itself so
// tests can address queues with plain strings.
func subjectOf(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if subject, err := claims.GetSubject(); err == nil && subject != "" {
			return subject
		}
	}
	return token
}

func (session *brokerSession) serve() {
	defer session.close()

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			return
		}

		parsed, err := parseFrame(data)
		if err != nil {
			session.sendError(err.Error())
			return
		}
		if parsed == nil {
			continue // heartbeat
		}

		switch parsed.command {
		case "CONNECT", "STOMP":
			session.write(marshalFrame("CONNECTED", map[string]string{
				"version":    "1.2",
				"heart-beat": "0,0",
			}, nil))
		case "SUBSCRIBE":
			session.subscribe(parsed.headers["id"], parsed.headers["destination"])
		case "UNSUBSCRIBE":
			session.unsubscribe(parsed.headers["id"])
		case "SEND":
			session.broker.handleSend(session, parsed.headers["destination"], parsed.body)
		case "DISCONNECT":
			return
		default:
			session.sendError("unsupported command " + parsed.command)
		}
	}
}

func (session *brokerSession) subscribe(subID string, destination string) {
	if subID == "" || destination == "" {
		session.sendError("SUBSCRIBE requires id and destination")
		return
	}

	session.mu.Lock()
	session.subs[subID] = destination
	session.mu.Unlock()

	if session.broker.ReplayOnSubscribe {
		session.broker.replay(session, subID, destination)
	}
}

func (session *brokerSession) unsubscribe(subID string) {
	session.mu.Lock()
	delete(session.subs, subID)
	session.mu.Unlock()
}

func (session *brokerSession) subscriptionFor(destination string) (string, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	for subID, subscribed := range session.subs {
		if subscribed == destination {
			return subID, true
		}
	}
	return "", false
}

func (session *brokerSession) write(data []byte) {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	_ = session.conn.WriteMessage(websocket.TextMessage, data)
}

func (session *brokerSession) sendError(message string) {
	session.write(marshalFrame("ERROR", map[string]string{"message": message}, nil))
}

func (session *brokerSession) close() {
	broker := session.broker
	broker.mu.Lock()
	delete(broker.sessions, session)
	broker.mu.Unlock()
	_ = session.conn.Close()
}

func (broker *Broker) handleSend(from *brokerSession, destination string, body []byte) {
	switch destination {
	case "/app/chat.send":
		broker.handleChatSend(from, body)
	case "/app/chat.read":
		broker.handleRead(body)
	case "/app/chat.readAll":
		broker.handleReadAll(body)
	default:
		from.sendError("unroutable destination " + destination)
	}
}

func (broker *Broker) handleChatSend(from *brokerSession, body []byte) {
	message := new(chatMessage)
	if err := json.Unmarshal(body, message); err != nil {
		from.sendError("malformed chat payload")
		return
	}

	broker.mu.Lock()
	broker.nextID++
	id := broker.nextID
	message.ID = &id
	message.IsDelivered = true
	broker.messages[id] = message
	broker.byConvo[message.ConversationID] = append(broker.byConvo[message.ConversationID], id)
	broker.mu.Unlock()

	broker.publish(chatTopic(message.ConversationID), message)
	broker.notify(from, &notification{
		Type:           "NEW_MESSAGE",
		ConversationID: message.ConversationID,
		MessageID:      &id,
	})
}

func (broker *Broker) handleRead(body []byte) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return
	}

	broker.mu.Lock()
	message := broker.messages[id]
	if message != nil {
		message.IsRead = true
	}
	broker.mu.Unlock()

	if message != nil {
		broker.publish(chatTopic(message.ConversationID), message)
	}
}

func (broker *Broker) handleReadAll(body []byte) {
	conversationID, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return
	}

	broker.mu.Lock()
	ids := append([]int64(nil), broker.byConvo[conversationID]...)
	updated := make([]*chatMessage, 0, len(ids))
	for _, id := range ids {
		message := broker.messages[id]
		if message != nil && !message.IsRead {
			message.IsRead = true
			updated = append(updated, message)
		}
	}
	broker.mu.Unlock()

	for _, message := range updated {
		broker.publish(chatTopic(conversationID), message)
	}
}

// publish fans a payload out to every live subscription on the destination.
func (broker *Broker) publish(destination string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	broker.mu.Lock()
	targets := make([]*brokerSession, 0, len(broker.sessions))
	for session := range broker.sessions {
		targets = append(targets, session)
	}
	messageID := fmt.Sprintf("m-%d", broker.nextID)
	broker.mu.Unlock()

	for _, session := range targets {
		subID, subscribed := session.subscriptionFor(destination)
		if !subscribed {
			continue
		}
		session.write(marshalFrame("MESSAGE", map[string]string{
			"destination":  destination,
			"subscription": subID,
			"message-id":   messageID,
		}, body))
	}
}

// notify delivers a notification envelope to every other session's per-user
// queue subscription.
func (broker *Broker) notify(from *brokerSession, envelope *notification) {
	broker.mu.Lock()
	targets := make([]*brokerSession, 0, len(broker.sessions))
	for session := range broker.sessions {
		if session != from {
			targets = append(targets, session)
		}
	}
	broker.mu.Unlock()

	for _, session := range targets {
		broker.publish("/user/"+session.identity+"/queue/notifications", envelope)
	}
}

// replay redelivers a conversation's stored messages on a fresh chat topic
// subscription.
func (broker *Broker) replay(session *brokerSession, subID string, destination string) {
	conversationID, isChat := conversationOfTopic(destination)
	if !isChat {
		return
	}

	broker.mu.Lock()
	ids := append([]int64(nil), broker.byConvo[conversationID]...)
	replayed := make([]*chatMessage, 0, len(ids))
	for _, id := range ids {
		if message := broker.messages[id]; message != nil {
			replayed = append(replayed, message)
		}
	}
	broker.mu.Unlock()

	for _, message := range replayed {
		body, err := json.Marshal(message)
		if err != nil {
			continue
		}
		session.write(marshalFrame("MESSAGE", map[string]string{
			"destination":  destination,
			"subscription": subID,
			"message-id":   fmt.Sprintf("replay-%d", *message.ID),
		}, body))
	}
}

func chatTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/delivery.%d.chat", conversationID)
}

func conversationOfTopic(destination string) (int64, bool) {
	if !strings.HasPrefix(destination, "/topic/delivery.") || !strings.HasSuffix(destination, ".chat") {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(destination, "/topic/delivery."), ".chat")
	conversationID, err := strconv.ParseInt(middle, 10, 64)
	if err != nil {
		return 0, false
	}
	return conversationID, true
}

// stompFrame is the broker-side decoded frame.
type stompFrame struct {
	command string
	headers map[string]string
	body    []byte
}

func marshalFrame(command string, headers map[string]string, body []byte) []byte {
	buffer := bytes.NewBuffer(nil)
	buffer.WriteString(command)
	buffer.WriteByte('\n')
	for key, value := range headers {
		buffer.WriteString(key)
		buffer.WriteByte(':')
		buffer.WriteString(value)
		buffer.WriteByte('\n')
	}
	if len(body) > 0 {
		buffer.WriteString("content-length:")
		buffer.WriteString(strconv.Itoa(len(body)))
		buffer.WriteByte('\n')
	}
	buffer.WriteByte('\n')
	buffer.Write(body)
	buffer.WriteByte(0)
	return buffer.Bytes()
}

func parseFrame(data []byte) (*stompFrame, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("\n")) || bytes.Equal(data, []byte("\r\n")) {
		return nil, nil
	}

	commandEnd := bytes.IndexByte(data, '\n')
	if commandEnd < 0 {
		return nil, fmt.Errorf("missing command terminator")
	}
	parsed := &stompFrame{
		command: string(bytes.TrimRight(data[:commandEnd], "\r")),
		headers: make(map[string]string),
	}
	rest := data[commandEnd+1:]

	for {
		lineEnd := bytes.IndexByte(rest, '\n')
		if lineEnd < 0 {
			return nil, fmt.Errorf("unterminated headers")
		}
		line := string(bytes.TrimRight(rest[:lineEnd], "\r"))
		rest = rest[lineEnd+1:]
		if line == "" {
			break
		}
		separator := strings.IndexByte(line, ':')
		if separator < 0 {
			return nil, fmt.Errorf("header without separator")
		}
		key := line[:separator]
		if _, exists := parsed.headers[key]; !exists {
			parsed.headers[key] = line[separator+1:]
		}
	}

	if nul := bytes.IndexByte(rest, 0); nul >= 0 {
		parsed.body = rest[:nul]
	} else {
		parsed.body = rest
	}
	return parsed, nil
}
