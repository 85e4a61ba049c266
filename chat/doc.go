// Package chat implements the real-time synchronization core of the
// delivery-hub chat: a STOMP-over-WebSocket client that maintains one broker
// connection per chat session, swaps per-conversation topic subscriptions,
// de-duplicates at-least-once redeliveries, and exposes the send/acknowledge
// surface the UI consumes.
//
// The primary lifecycle is:
//   - construct a Session with NewSession
//   - register handlers and the sender identity
//   - Start with a context governing background reconnection
//   - SetActiveConversation as the user navigates
//   - SendMessage / MarkAsRead / MarkAllAsRead while connected
//   - Stop when the chat UI goes away
//
// Send-side operations require an established connection and report failure
// synchronously; nothing is queued for later delivery. Inbound messages pass
// through the Deduplicator before reaching the message handler, so each
// logical message is delivered exactly once even when the broker replays
// after a reconnect.
//
// Handlers run on the transport read routine and must not block. Message
// ordering holds within one subscription; nothing is guaranteed across a
// resubscription boundary, where the HTTP history endpoint is the source of
// truth for gaps.
package chat
