package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testBroker is an in-process STOMP-over-WebSocket endpoint. It answers the
// handshake, records every SUBSCRIBE/UNSUBSCRIBE/SEND it receives, and lets a
// test push MESSAGE frames back at live subscriptions.
type testBroker struct {
	server         *httptest.Server
	upgrader       websocket.Upgrader
	heartBeatReply string
	rejectAuth     atomic.Bool
	heartbeats     atomic.Int32

	subscribes   chan subscribeEvent
	unsubscribes chan string
	sends        chan sendEvent

	mu    sync.Mutex
	conns []*testBrokerConn
}

type subscribeEvent struct {
	id          string
	destination string
}

type sendEvent struct {
	destination string
	body        []byte
}

type testBrokerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // destination -> subscription id
}

func newTestBroker(t *testing.T) *testBroker {
	broker := &testBroker{
		heartBeatReply: "0,0",
		subscribes:     make(chan subscribeEvent, 32),
		unsubscribes:   make(chan string, 32),
		sends:          make(chan sendEvent, 32),
	}
	broker.server = httptest.NewServer(http.HandlerFunc(broker.handle))
	t.Cleanup(broker.shutdown)
	return broker
}

func (broker *testBroker) url() string {
	return "ws" + strings.TrimPrefix(broker.server.URL, "http")
}

func (broker *testBroker) shutdown() {
	broker.mu.Lock()
	conns := append([]*testBrokerConn(nil), broker.conns...)
	broker.conns = nil
	broker.mu.Unlock()

	for _, active := range conns {
		_ = active.conn.Close()
	}
	broker.server.Close()
}

// dropConnections severs every live channel without a DISCONNECT, simulating
// a transport failure.
func (broker *testBroker) dropConnections() {
	broker.mu.Lock()
	conns := append([]*testBrokerConn(nil), broker.conns...)
	broker.conns = nil
	broker.mu.Unlock()

	for _, active := range conns {
		_ = active.conn.Close()
	}
}

func (broker *testBroker) handle(w http.ResponseWriter, r *http.Request) {
	if broker.rejectAuth.Load() || r.URL.Query().Get("token") == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := broker.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	active := &testBrokerConn{conn: conn, subs: make(map[string]string)}
	broker.mu.Lock()
	broker.conns = append(broker.conns, active)
	broker.mu.Unlock()
	defer func() { _ = conn.Close() }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		parsed, err := parseFrame(data)
		if err != nil {
			return
		}
		if parsed == nil {
			broker.heartbeats.Add(1)
			continue
		}

		switch parsed.command {
		case frameConnect:
			connected := newFrame(frameConnected).
				set("version", "1.2").
				set(headerHeartBeat, broker.heartBeatReply)
			active.write(connected)
		case frameSubscribe:
			active.mu.Lock()
			active.subs[parsed.header(headerDestination)] = parsed.header(headerID)
			active.mu.Unlock()
			broker.subscribes <- subscribeEvent{
				id:          parsed.header(headerID),
				destination: parsed.header(headerDestination),
			}
		case frameUnsubscribe:
			subID := parsed.header(headerID)
			active.mu.Lock()
			for destination, id := range active.subs {
				if id == subID {
					delete(active.subs, destination)
				}
			}
			active.mu.Unlock()
			broker.unsubscribes <- subID
		case frameSend:
			body := make([]byte, len(parsed.body))
			copy(body, parsed.body)
			broker.sends <- sendEvent{destination: parsed.header(headerDestination), body: body}
		case frameDisconnect:
			return
		}
	}
}

func (active *testBrokerConn) write(outbound *frame) {
	active.writeMu.Lock()
	defer active.writeMu.Unlock()
	_ = active.conn.WriteMessage(websocket.TextMessage, outbound.marshal())
}

func (active *testBrokerConn) subscriptionFor(destination string) (string, bool) {
	active.mu.Lock()
	defer active.mu.Unlock()
	id, ok := active.subs[destination]
	return id, ok
}

// push delivers a MESSAGE frame to whichever live connection subscribes to
// the destination, waiting for the subscription to appear first.
func (broker *testBroker) push(t *testing.T, destination string, body []byte) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		broker.mu.Lock()
		conns := append([]*testBrokerConn(nil), broker.conns...)
		broker.mu.Unlock()

		for _, active := range conns {
			if subID, ok := active.subscriptionFor(destination); ok {
				message := newFrame(frameMessage).
					set(headerSubscription, subID).
					set(headerMessageID, "0").
					set(headerDestination, destination).
					set(headerContentType, "application/json")
				message.body = body
				active.write(message)
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no live subscription for %s", destination)
}

// pushTo writes a MESSAGE frame tagged with an explicit subscription id to
// the most recent connection, bypassing the subscription table. Lets a test
// deliver frames for a cancelled subscription.
func (broker *testBroker) pushTo(t *testing.T, subID string, destination string, body []byte) {
	t.Helper()

	broker.mu.Lock()
	var latest *testBrokerConn
	if len(broker.conns) > 0 {
		latest = broker.conns[len(broker.conns)-1]
	}
	broker.mu.Unlock()
	if latest == nil {
		t.Fatal("no live connection")
	}

	message := newFrame(frameMessage).
		set(headerSubscription, subID).
		set(headerMessageID, "0").
		set(headerDestination, destination).
		set(headerContentType, "application/json")
	message.body = body
	latest.write(message)
}

func (broker *testBroker) awaitSubscribe(t *testing.T, destination string) subscribeEvent {
	t.Helper()
	for {
		select {
		case event := <-broker.subscribes:
			if destination == "" || event.destination == destination {
				return event
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for SUBSCRIBE to %s", destination)
		}
	}
}

func (broker *testBroker) awaitUnsubscribe(t *testing.T) string {
	t.Helper()
	select {
	case subID := <-broker.unsubscribes:
		return subID
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UNSUBSCRIBE")
		return ""
	}
}

func (broker *testBroker) awaitSend(t *testing.T, destination string) sendEvent {
	t.Helper()
	for {
		select {
		case event := <-broker.sends:
			if destination == "" || event.destination == destination {
				return event
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for SEND to %s", destination)
		}
	}
}

func (broker *testBroker) assertNoSubscribe(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case event := <-broker.subscribes:
		t.Fatalf("unexpected SUBSCRIBE to %s", event.destination)
	case <-time.After(within):
	}
}
