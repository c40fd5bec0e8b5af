// Package schemas defines the wire-level message types exchanged with the
// browser agent over the control channel. Every frame is a JSON object with a
// mandatory "type" discriminator; each direction has a closed set of variants
// so dispatch can be exhaustive instead of string-stragglers falling through.
package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the "type" discriminator carried by every frame.
type MessageType string

// Inbound frame types (agent -> relay).
const (
	MsgHeartbeatResponse MessageType = "heartbeat-response"
	MsgCommandResult     MessageType = "command-result"
	MsgDOMSnapshot       MessageType = "dom-snapshot"
	MsgScreenshot        MessageType = "screenshot"
	MsgConsoleLog        MessageType = "console-log"
	MsgBrowserEvent      MessageType = "browser-event"
	MsgSessionConnected  MessageType = "session-connected"
)

// Outbound frame types (relay -> agent).
const (
	MsgHeartbeat         MessageType = "heartbeat"
	MsgCommand           MessageType = "command"
	MsgCaptureDOM        MessageType = "capture-dom"
	MsgCaptureScreenshot MessageType = "capture-screenshot"
)

// Envelope is the minimal frame used to peek at the discriminator before the
// payload is decoded into its concrete variant.
type Envelope struct {
	Type MessageType `json:"type"`
}

// InboundMessage is the closed set of frames the relay accepts from the agent.
// The unexported marker method keeps the set closed to this package.
type InboundMessage interface {
	inbound()
}

// HeartbeatResponse acknowledges a liveness probe.
type HeartbeatResponse struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// CommandResult is the asynchronous reply to a previously issued command,
// matched back to its origin by CorrelationID.
type CommandResult struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DOMSnapshot carries a serialized DOM tree. The payload is opaque to the
// relay; it is stored and forwarded, never parsed.
type DOMSnapshot struct {
	Type      MessageType `json:"type"`
	DOM       string      `json:"dom"`
	URL       string      `json:"url,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Screenshot carries an image payload, either raw base64 or a full
// "data:image/...;base64," data URL depending on the browser API that
// produced it.
type Screenshot struct {
	Type      MessageType `json:"type"`
	Data      string      `json:"data"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// ConsoleLog is one console entry observed in the page.
type ConsoleLog struct {
	Type      MessageType     `json:"type"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// BrowserEvent is one page/navigation event observed by the agent.
type BrowserEvent struct {
	Type      MessageType     `json:"type"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// SessionConnected is sent by the agent once after it establishes the control
// channel, carrying whatever identity metadata it wants logged.
type SessionConnected struct {
	Type      MessageType     `json:"type"`
	AgentInfo json.RawMessage `json:"agentInfo,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func (HeartbeatResponse) inbound() {}
func (CommandResult) inbound()     {}
func (DOMSnapshot) inbound()       {}
func (Screenshot) inbound()        {}
func (ConsoleLog) inbound()        {}
func (BrowserEvent) inbound()      {}
func (SessionConnected) inbound()  {}

// UnknownTypeError reports an inbound frame whose discriminator matches no
// known variant. Callers log and drop these; they are never fatal.
type UnknownTypeError struct {
	Type MessageType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown inbound message type %q", e.Type)
}

// DecodeInbound parses a raw frame into its concrete inbound variant.
// A frame that is not valid JSON, lacks a type, or carries an unrecognized
// type yields an error; the caller decides whether to drop or surface it.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case MsgHeartbeatResponse:
		var m HeartbeatResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case MsgCommandResult:
		var m CommandResult
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case MsgDOMSnapshot:
		var m DOMSnapshot
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case MsgScreenshot:
		var m Screenshot
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case MsgConsoleLog:
		var m ConsoleLog
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case MsgBrowserEvent:
		var m BrowserEvent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case MsgSessionConnected:
		var m SessionConnected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("malformed frame: missing type discriminator")
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

// -- Outbound frames --

// Heartbeat is the liveness probe. The agent must answer with a
// HeartbeatResponse; transport-level keepalive is not trusted because the
// agent may run in a runtime that suspends silently.
type Heartbeat struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// NewHeartbeat constructs a probe stamped with the current wall clock.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Type: MsgHeartbeat, Timestamp: time.Now().UnixMilli()}
}

// Command is an outbound action request. Fields beyond the correlation id are
// action-specific and flow through opaquely from the boundary caller.
type Command struct {
	Type          MessageType            `json:"type"`
	CorrelationID string                 `json:"correlationId"`
	Action        string                 `json:"action"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

// CaptureTrigger asks the agent to deliver one capture artifact. Type must be
// MsgCaptureDOM or MsgCaptureScreenshot.
type CaptureTrigger struct {
	Type MessageType `json:"type"`
}
