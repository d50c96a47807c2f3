package types

import (
	"encoding/json"
	"strings"
)

const (
	WireMessageTypeDirect = "direct"
	WireMessageTypeGroup  = "group"
	WireMessageTypeInfo   = "info"
	WireMessageTypeError  = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DirectEnvelope is an inbound/outbound one-to-one message frame.
type DirectEnvelope struct {
	Sender    int64  `json:"sender" mapstructure:"sender"`
	Recipient int64  `json:"recipient" mapstructure:"recipient"`
	Content   string `json:"content" mapstructure:"content"`
}

// GroupEnvelope is an inbound/outbound room message frame. SenderName is
// overwritten from the authenticated identity before fan-out, the client's
// value is never trusted.
type GroupEnvelope struct {
	SenderID   int64  `json:"sender_id" mapstructure:"sender_id"`
	SenderName string `json:"sender_name" mapstructure:"sender_name"`
	GroupID    int64  `json:"group_id" mapstructure:"group_id"`
	Content    string `json:"content" mapstructure:"content"`
}

// InfoMessage carries relay statistics to connected clients.
type InfoMessage struct {
	NoConnections int `json:"no_connections"`
}

// ErrorMessage is sent back to a sender whose frame was rejected.
type ErrorMessage struct {
	Error string `json:"error"`
}

// Envelope is the routed form of an inbound frame, a tagged union of exactly
// one direct or group payload.
type Envelope struct {
	Direct *DirectEnvelope
	Group  *GroupEnvelope
}

// SenderID returns the sender id the client claims in the payload.
func (e *Envelope) SenderID() int64 {
	if e.Direct != nil {
		return e.Direct.Sender
	}
	if e.Group != nil {
		return e.Group.SenderID
	}
	return 0
}

// Content returns the message body.
func (e *Envelope) Content() string {
	if e.Direct != nil {
		return e.Direct.Content
	}
	if e.Group != nil {
		return e.Group.Content
	}
	return ""
}

// Empty reports whether the trimmed content is empty.
func (e *Envelope) Empty() bool {
	return strings.TrimSpace(e.Content()) == ""
}
