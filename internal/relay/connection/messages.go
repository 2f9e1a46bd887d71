package connection

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ClientMessage is anything the host sends to the relay server.
type ClientMessage interface {
	messageType() string
	messageID() int64
}

type HostSession struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey"`
}

type IsLinked struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
}

type GetSessionConfig struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
}

type SetSessionConfig struct {
	ID         int64             `json:"id"`
	SessionID  string            `json:"sessionId"`
	WebhookID  string            `json:"webhookId,omitempty"`
	WebhookURL string            `json:"webhookUrl,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

type PublishEvent struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"sessionId"`
	Event       string `json:"event"`
	Data        string `json:"data"`
	CallWebhook bool   `json:"callWebhook"`
}

func (HostSession) messageType() string      { return "HostSession" }
func (IsLinked) messageType() string         { return "IsLinked" }
func (GetSessionConfig) messageType() string { return "GetSessionConfig" }
func (SetSessionConfig) messageType() string { return "SetSessionConfig" }
func (PublishEvent) messageType() string     { return "PublishEvent" }

func (m HostSession) messageID() int64      { return m.ID }
func (m IsLinked) messageID() int64         { return m.ID }
func (m GetSessionConfig) messageID() int64 { return m.ID }
func (m SetSessionConfig) messageID() int64 { return m.ID }
func (m PublishEvent) messageID() int64     { return m.ID }

// EncodeClientMessage renders m as a JSON text frame with its "type" field.
func EncodeClientMessage(m ClientMessage) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", m.messageType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("reshape %s: %w", m.messageType(), err)
	}
	fields["type"] = json.RawMessage(strconv.Quote(m.messageType()))
	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", m.messageType(), err)
	}
	return string(out), nil
}

// ServerMessage is anything the relay server sends. Heartbeat stands for the bare "h"
// echo.
type ServerMessage interface {
	// RequestID reports the id of the client message this replies to, if any.
	RequestID() (int64, bool)
}

type Heartbeat struct{}

type OK struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
}

type Fail struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

type IsLinkedOK struct {
	ID           int64  `json:"id"`
	SessionID    string `json:"sessionId"`
	Linked       bool   `json:"linked"`
	OnlineGuests int    `json:"onlineGuests"`
}

type Linked struct {
	ID           *int64 `json:"id,omitempty"`
	SessionID    string `json:"sessionId"`
	OnlineGuests int    `json:"onlineGuests"`
}

type GetSessionConfigOK struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"sessionId"`
	Metadata  map[string]string `json:"metadata"`
}

type SessionConfigUpdated struct {
	SessionID string            `json:"sessionId"`
	Metadata  map[string]string `json:"metadata"`
}

type PublishEventOK struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
}

type Event struct {
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
	Event     string `json:"event"`
	Data      string `json:"data"`
}

func (Heartbeat) RequestID() (int64, bool)            { return 0, false }
func (m OK) RequestID() (int64, bool)                 { return m.ID, true }
func (m Fail) RequestID() (int64, bool)               { return m.ID, true }
func (m IsLinkedOK) RequestID() (int64, bool)         { return m.ID, true }
func (m GetSessionConfigOK) RequestID() (int64, bool) { return m.ID, true }
func (SessionConfigUpdated) RequestID() (int64, bool) { return 0, false }
func (m PublishEventOK) RequestID() (int64, bool)     { return m.ID, true }
func (Event) RequestID() (int64, bool)                { return 0, false }

func (m Linked) RequestID() (int64, bool) {
	if m.ID == nil {
		return 0, false
	}
	return *m.ID, true
}

// DecodeServerMessage parses one text frame.
func DecodeServerMessage(frame string) (ServerMessage, error) {
	if frame == "h" {
		return Heartbeat{}, nil
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(frame), &head); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	switch head.Type {
	case "OK":
		return decodeAs[OK](frame)
	case "Fail":
		return decodeAs[Fail](frame)
	case "IsLinkedOK":
		return decodeAs[IsLinkedOK](frame)
	case "Linked":
		return decodeAs[Linked](frame)
	case "GetSessionConfigOK":
		return decodeAs[GetSessionConfigOK](frame)
	case "SessionConfigUpdated":
		return decodeAs[SessionConfigUpdated](frame)
	case "PublishEventOK":
		return decodeAs[PublishEventOK](frame)
	case "Event":
		return decodeAs[Event](frame)
	default:
		return nil, fmt.Errorf("unknown server message type %q", head.Type)
	}
}

func decodeAs[T ServerMessage](frame string) (ServerMessage, error) {
	var m T
	if err := json.Unmarshal([]byte(frame), &m); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	return m, nil
}
