package chat

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout bounds the websocket upgrade plus the STOMP
	// CONNECT/CONNECTED exchange. The only liveness timeout after that is
	// heartbeat absence.
	handshakeTimeout = 10 * time.Second

	// readGraceFactor widens the negotiated inbound heartbeat interval before
	// silence counts as a dead transport.
	readGraceFactor = 2
)

// Client owns one physical websocket channel to the broker and speaks STOMP
// over it: handshake, publish, subscribe, heartbeats. It carries no
// reconnection policy of its own; a Session reacts to the disconnect handler.
//
// A Client is reusable: after a transport error or Deactivate, Connect may be
// called again. Subscriptions do not survive the old channel and must be
// re-created against the new one.
type Client struct {
	brokerURL         string
	heartbeatInterval time.Duration
	logger            *slog.Logger
	disconnectHandler func(err error)

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	connected  bool
	generation uint64
	done       chan struct{}
	subs       map[string]func(body []byte)

	sendInterval time.Duration
	readWindow   time.Duration
}

// NewClient returns a new Client for the given broker endpoint.
func NewClient(brokerURL string, heartbeatInterval time.Duration) *Client {
	if heartbeatInterval < 0 {
		heartbeatInterval = 0
	}
	return &Client{
		brokerURL:         brokerURL,
		heartbeatInterval: heartbeatInterval,
		logger:            slog.Default(),
		subs:              make(map[string]func(body []byte)),
	}
}

// SetLogger sets the logger on the receiver.
func (client *Client) SetLogger(logger *slog.Logger) *Client {
	if logger != nil {
		client.logger = logger
	}
	return client
}

// SetDisconnectHandler sets the handler invoked once per lost connection.
// Deactivate does not trigger it.
func (client *Client) SetDisconnectHandler(handler func(err error)) *Client {
	client.disconnectHandler = handler
	return client
}

// Connected reports whether the channel is established and handshaken.
func (client *Client) Connected() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.connected
}

// Connect dials the broker, authenticating via the token in the connection
// URI, and completes the STOMP handshake. On success the read and heartbeat
// routines are running.
func (client *Client) Connect(token string) error {
	client.mu.Lock()
	if client.connected {
		client.mu.Unlock()
		return NewError(AlreadyConnectedError)
	}
	client.mu.Unlock()

	endpoint, err := url.Parse(client.brokerURL)
	if err != nil {
		return NewError(InvalidURIError, err)
	}
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(endpoint.String(), nil)
	if err != nil {
		return NewError(ConnectionRefusedError, err)
	}

	interval := client.heartbeatInterval.Milliseconds()
	connect := newFrame(frameConnect).
		set(headerAcceptVersion, "1.2").
		set(headerHost, endpoint.Hostname()).
		set(headerHeartBeat, fmt.Sprintf("%d,%d", interval, interval))

	if err := conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = conn.Close()
		return NewError(ConnectionError, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect.marshal()); err != nil {
		_ = conn.Close()
		return NewError(ConnectionError, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	connected, err := awaitConnected(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	sendInterval, readWindow := negotiateHeartbeats(client.heartbeatInterval, connected.header(headerHeartBeat))

	client.mu.Lock()
	client.conn = conn
	client.connected = true
	client.generation++
	client.done = make(chan struct{})
	client.subs = make(map[string]func(body []byte))
	client.sendInterval = sendInterval
	client.readWindow = readWindow
	generation := client.generation
	done := client.done
	client.mu.Unlock()

	if readWindow > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	}

	go client.readRoutine(conn, generation)
	if sendInterval > 0 {
		go client.heartbeatRoutine(conn, generation, sendInterval, done)
	}

	return nil
}

// awaitConnected reads frames until the broker acknowledges the handshake.
func awaitConnected(conn *websocket.Conn) (*frame, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, NewError(ConnectionError, err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, NewError(ConnectionError, err)
		}

		parsed, err := parseFrame(data)
		if err != nil {
			return nil, err
		}
		if parsed == nil {
			continue
		}

		switch parsed.command {
		case frameConnected:
			_ = conn.SetReadDeadline(time.Time{})
			return parsed, nil
		case frameError:
			return nil, NewError(ProtocolError, parsed.header(headerMessage))
		default:
			return nil, NewError(ProtocolError, "unexpected "+parsed.command+" before CONNECTED")
		}
	}
}

// negotiateHeartbeats resolves the STOMP heart-beat header against our offer.
// The server reply is "sx,sy": sx is the fastest the server sends, sy the
// slowest it tolerates receiving. Zero on either side disables a direction.
func negotiateHeartbeats(offer time.Duration, reply string) (sendInterval time.Duration, readWindow time.Duration) {
	if offer <= 0 {
		return 0, 0
	}

	serverSend, serverWant := offer, offer
	parts := strings.Split(reply, ",")
	if len(parts) == 2 {
		if sx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64); err == nil {
			serverSend = time.Duration(sx) * time.Millisecond
		}
		if sy, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
			serverWant = time.Duration(sy) * time.Millisecond
		}
	}

	if serverWant > 0 {
		sendInterval = offer
		if serverWant > sendInterval {
			sendInterval = serverWant
		}
	}
	if serverSend > 0 {
		incoming := offer
		if serverSend > incoming {
			incoming = serverSend
		}
		readWindow = incoming * readGraceFactor
	}
	return sendInterval, readWindow
}

func (client *Client) readRoutine(conn *websocket.Conn, generation uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			client.onConnectionError(generation, NewError(ConnectionError, fmt.Sprintf("socket read error (%v)", err)))
			return
		}

		client.mu.Lock()
		window := client.readWindow
		stale := client.generation != generation
		client.mu.Unlock()
		if stale {
			return
		}
		if window > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(window))
		}

		parsed, err := parseFrame(data)
		if err != nil {
			client.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		if parsed == nil {
			// Inbound heartbeat; the deadline reset above is all it carries.
			continue
		}

		switch parsed.command {
		case frameMessage:
			client.dispatch(parsed)
		case frameError:
			client.logger.Warn("broker error frame", slog.String("message", parsed.header(headerMessage)))
		default:
			client.logger.Debug("ignoring frame", slog.String("command", parsed.command))
		}
	}
}

func (client *Client) dispatch(message *frame) {
	subID := message.header(headerSubscription)

	client.mu.Lock()
	handler := client.subs[subID]
	client.mu.Unlock()

	if handler == nil {
		client.logger.Debug("message for cancelled subscription",
			slog.String("subscription", subID),
			slog.String("destination", message.header(headerDestination)))
		return
	}

	body := make([]byte, len(message.body))
	copy(body, message.body)
	handler(body)
}

func (client *Client) heartbeatRoutine(conn *websocket.Conn, generation uint64, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			client.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, heartbeatFrame)
			client.writeMu.Unlock()
			if err != nil {
				client.onConnectionError(generation, NewError(HeartbeatError, err))
				return
			}
		}
	}
}

func (client *Client) writeFrame(outbound *frame) error {
	client.mu.Lock()
	if !client.connected {
		client.mu.Unlock()
		return NewError(NotConnectedError, "client is not connected while trying to send data")
	}
	conn := client.conn
	generation := client.generation
	client.mu.Unlock()

	client.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, outbound.marshal())
	client.writeMu.Unlock()

	if err != nil {
		client.onConnectionError(generation, NewError(ConnectionError, fmt.Sprintf("socket error while sending frame (%v)", err)))
		return NewError(ConnectionError, err)
	}
	return nil
}

// Publish sends a fire-and-forget frame to the destination. It fails
// synchronously when not connected; the caller surfaces that to the user.
func (client *Client) Publish(destination string, payload []byte) error {
	if destination == "" {
		return NewError(ProtocolError, "a destination must be specified")
	}

	send := newFrame(frameSend).
		set(headerDestination, destination).
		set(headerContentType, "application/json")
	send.body = payload

	return client.writeFrame(send)
}

// Subscription is the cancellation handle for one topic registration. It is
// replaced, never mutated, when the active conversation changes.
type Subscription struct {
	id          string
	destination string
	client      *Client
}

// Destination returns the topic path this subscription targets.
func (subscription *Subscription) Destination() string {
	if subscription == nil {
		return ""
	}
	return subscription.destination
}

// Cancel unsubscribes and stops handler delivery. Safe to call on a handle
// whose underlying channel is already gone.
func (subscription *Subscription) Cancel() error {
	if subscription == nil || subscription.client == nil {
		return nil
	}
	return subscription.client.unsubscribe(subscription.id)
}

// Subscribe registers a push handler for inbound frames on the destination
// and returns the cancellation handle. Handlers run on the read routine and
// must not block.
func (client *Client) Subscribe(destination string, handler func(body []byte)) (*Subscription, error) {
	if destination == "" {
		return nil, NewError(SubscriptionError, "a destination must be specified")
	}
	if handler == nil {
		return nil, NewError(SubscriptionError, "a handler must be specified")
	}

	subID := uuid.NewString()

	client.mu.Lock()
	if !client.connected {
		client.mu.Unlock()
		return nil, NewError(NotConnectedError, "client is not connected while trying to subscribe")
	}
	client.subs[subID] = handler
	client.mu.Unlock()

	subscribe := newFrame(frameSubscribe).
		set(headerID, subID).
		set(headerDestination, destination)

	if err := client.writeFrame(subscribe); err != nil {
		client.mu.Lock()
		delete(client.subs, subID)
		client.mu.Unlock()
		return nil, err
	}

	return &Subscription{id: subID, destination: destination, client: client}, nil
}

func (client *Client) unsubscribe(subID string) error {
	client.mu.Lock()
	_, exists := client.subs[subID]
	delete(client.subs, subID)
	connected := client.connected
	client.mu.Unlock()

	// Handle from a previous channel generation: nothing to tell the broker.
	if !exists || !connected {
		return nil
	}

	unsubscribe := newFrame(frameUnsubscribe).set(headerID, subID)
	return client.writeFrame(unsubscribe)
}

func (client *Client) onConnectionError(generation uint64, err error) {
	client.mu.Lock()
	if !client.connected || client.generation != generation {
		client.mu.Unlock()
		return
	}
	client.connected = false
	conn := client.conn
	client.conn = nil
	client.subs = make(map[string]func(body []byte))
	done := client.done
	client.done = nil
	client.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}

	client.logger.Warn("transport error", slog.String("error", err.Error()))
	if client.disconnectHandler != nil {
		client.disconnectHandler(err)
	}
}

// Deactivate closes the channel and releases all resources. Idempotent, and
// it never fires the disconnect handler.
func (client *Client) Deactivate() error {
	client.mu.Lock()
	conn := client.conn
	connected := client.connected
	client.conn = nil
	client.connected = false
	client.subs = make(map[string]func(body []byte))
	done := client.done
	client.done = nil
	client.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn == nil {
		return nil
	}

	if connected {
		disconnect := newFrame(frameDisconnect)
		client.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, disconnect.marshal())
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		client.writeMu.Unlock()
	}

	return conn.Close()
}
