package websocket

import (
	"time"

	"github.com/defliez/temperature-chamber/internal/events"
)

// MessageType is the "type" field of every frame. Station events keep their
// event type name; the rest are connection-level messages.
type MessageType string

const (
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"

	// MessageTypeSnapshot carries the station status right after auth.
	MessageTypeSnapshot MessageType = "snapshot"
)

// Message is one frame sent to the presentation layer.
type Message struct {
	Type      MessageType `json:"type"`
	Source    string      `json:"source,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromEvent wraps a bus event for the wire.
func FromEvent(ev events.Event) Message {
	return Message{
		Type:      MessageType(ev.Type),
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

type AuthSuccessData struct {
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
}

type AuthFailedData struct {
	Reason string `json:"reason"`
}
