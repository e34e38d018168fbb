package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeOpen  = "open"
	InboundTypeClose = "close"
	InboundTypeMsg   = "msg"
	InboundTypeSync  = "sync"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventHello   = "hello"
	EventHistory = "history"
	EventMessage = "message"
	EventResync  = "resync"
	EventClosed  = "closed"
	EventSent    = "sent"
)

// OpenData switches the connection to a conversation.
type OpenData struct {
	ConversationID int64 `json:"conversation_id"`
}

// MsgData is a chat message for the open conversation.
type MsgData struct {
	Content string `json:"content"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventHelloData is sent once after the connection is accepted.
type EventHelloData struct {
	Protocol  int    `json:"protocol"`
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Message is a persisted chat message as seen by clients.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Content        string `json:"content"`
	Seq            int64  `json:"seq"`
	TS             int64  `json:"ts"`
}

// EventBatch carries history, resync and message events.
type EventBatch struct {
	ConversationID int64     `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// EventClosedData tells the client its conversation view ended.
type EventClosedData struct {
	ConversationID int64  `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
