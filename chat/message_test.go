package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDecodeChatMessage(t *testing.T) {
	raw := []byte(`{
		"id": 42,
		"matchId": 7,
		"senderId": 3,
		"senderName": "Alice",
		"senderRole": "CUSTOMER",
		"content": "hello",
		"messageType": "CHAT",
		"timestamp": "2026-08-29T10:15:30.123",
		"isDelivered": true,
		"isRead": false
	}`)

	message, err := decodeChatMessage(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !message.HasID() || *message.ID != 42 {
		t.Fatalf("id mangled: %+v", message.ID)
	}
	if message.ConversationID != 7 {
		t.Fatalf("expected conversation 7, got %d", message.ConversationID)
	}
	if message.Timestamp.Format(wireTimeLayout) != "2026-08-29T10:15:30.123" {
		t.Fatalf("timestamp mangled: %v", message.Timestamp)
	}
	if !message.IsDelivered || message.IsRead {
		t.Fatal("delivery flags mangled")
	}
}

func TestDecodeChatMessageDefaultsType(t *testing.T) {
	message, err := decodeChatMessage([]byte(`{"matchId":1,"content":"hi"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if message.MessageType != MessageTypeChat {
		t.Fatalf("missing messageType should default to CHAT, got %q", message.MessageType)
	}
}

func TestTimestampTolerantParsing(t *testing.T) {
	cases := []string{
		`"2026-08-29T10:15:30.123"`,
		`"2026-08-29T10:15:30"`,
		`"2026-08-29T10:15:30.123456789Z"`,
		`"2026-08-29T10:15:30Z"`,
	}
	for _, raw := range cases {
		var ts Timestamp
		if err := ts.UnmarshalJSON([]byte(raw)); err != nil {
			t.Errorf("%s: %v", raw, err)
		}
	}

	var ts Timestamp
	if err := ts.UnmarshalJSON([]byte(`"yesterday"`)); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestTimestampMarshalUsesWireLayout(t *testing.T) {
	ts := Timestamp{time.Date(2026, 8, 29, 10, 15, 30, 123_000_000, time.UTC)}
	data, err := ts.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"2026-08-29T10:15:30.123"` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestChatMessageOmitsUnassignedID(t *testing.T) {
	message := &ChatMessage{ConversationID: 1, Content: "hi", MessageType: MessageTypeChat, Timestamp: Now()}
	data, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Fatalf("outbound message must not carry an id: %s", data)
	}
}

func TestDecodeNotification(t *testing.T) {
	notification, err := decodeNotification([]byte(`{"type":"NEW_MESSAGE","deliveryId":9,"messageId":42}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if notification.Type != NotificationNewMessage {
		t.Fatalf("unexpected type %q", notification.Type)
	}
	if notification.ConversationID != 9 {
		t.Fatalf("expected conversation 9, got %d", notification.ConversationID)
	}
	if notification.MessageID == nil || *notification.MessageID != 42 {
		t.Fatalf("message id mangled: %+v", notification.MessageID)
	}
}
