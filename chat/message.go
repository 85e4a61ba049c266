package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType discriminates the payload of a ChatMessage.
type MessageType string

const (
	MessageTypeChat     MessageType = "CHAT"
	MessageTypeFile     MessageType = "FILE"
	MessageTypeLocation MessageType = "LOCATION"
	MessageTypeSystem   MessageType = "SYSTEM"
)

// wireTimeLayout is the broker's timestamp format: local date-time with
// millisecond precision and no zone designator.
const wireTimeLayout = "2006-01-02T15:04:05.000"

// Timestamp wraps time.Time with the broker's JSON encoding. Inbound values
// are parsed tolerantly since the broker emits millisecond local time while
// other producers use RFC 3339.
type Timestamp struct {
	time.Time
}

// Now returns the current instant as a wire Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now()}
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Format(wireTimeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		ts.Time = time.Time{}
		return nil
	}

	for _, layout := range []string{wireTimeLayout, "2006-01-02T15:04:05", time.RFC3339Nano, time.RFC3339} {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			ts.Time = parsed
			return nil
		}
	}

	return NewError(MalformedFrameError, "unparseable timestamp \""+raw+"\"")
}

// ChatMessage is one logical message in a conversation. ID is assigned by the
// server; a message created client-side for sending carries no ID until the
// broker echoes it back. FileURL/FileName are meaningful only for FILE
// messages, Latitude/Longitude only for LOCATION messages.
type ChatMessage struct {
	ID             *int64      `json:"id,omitempty"`
	ConversationID int64       `json:"matchId"`
	SenderID       int64       `json:"senderId"`
	SenderName     string      `json:"senderName"`
	SenderRole     string      `json:"senderRole"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	Latitude       *float64    `json:"latitude,omitempty"`
	Longitude      *float64    `json:"longitude,omitempty"`
	Timestamp      Timestamp   `json:"timestamp"`
	IsDelivered    bool        `json:"isDelivered"`
	IsRead         bool        `json:"isRead"`
}

// HasID reports whether the server has assigned an identity to the message.
func (message *ChatMessage) HasID() bool {
	return message != nil && message.ID != nil
}

func decodeChatMessage(data []byte) (*ChatMessage, error) {
	message := new(ChatMessage)
	if err := json.Unmarshal(data, message); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	if strings.TrimSpace(string(message.MessageType)) == "" {
		message.MessageType = MessageTypeChat
	}
	return message, nil
}

// NotificationType discriminates notification envelopes on the per-user queue.
type NotificationType string

const (
	NotificationNewMessage NotificationType = "NEW_MESSAGE"
)

// Notification is the envelope delivered on the per-user notification queue.
// Unknown types are forwarded untouched so the consumer can decide.
type Notification struct {
	Type           NotificationType `json:"type"`
	ConversationID int64            `json:"deliveryId"`
	MessageID      *int64           `json:"messageId,omitempty"`
	SenderName     string           `json:"senderName,omitempty"`
	Preview        string           `json:"preview,omitempty"`
}

func decodeNotification(data []byte) (*Notification, error) {
	notification := new(Notification)
	if err := json.Unmarshal(data, notification); err != nil {
		return nil, NewError(MalformedFrameError, err)
	}
	return notification, nil
}
