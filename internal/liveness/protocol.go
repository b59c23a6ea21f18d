package liveness

import (
	"encoding/json"
	"fmt"
)

// Action 是入站消息 action 字段的枚举，未知值统一落到 ActionUnknown。
type Action int

const (
	ActionUnknown Action = iota
	ActionAuth
	ActionPong
	ActionPing
)

func (a Action) String() string {
	switch a {
	case ActionAuth:
		return "AUTH"
	case ActionPong:
		return "PONG"
	case ActionPing:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// ParseAction maps the wire string to an Action.
func ParseAction(s string) Action {
	switch s {
	case "AUTH":
		return ActionAuth
	case "PONG":
		return ActionPong
	case "PING":
		return ActionPing
	default:
		return ActionUnknown
	}
}

// Inbound is a decoded server message. ID is kept raw so it is echoed back
// exactly as received.
type Inbound struct {
	Action    Action
	RawAction string
	ID        json.RawMessage
}

// DecodeInbound parses a server frame. Only non-JSON payloads are errors;
// an unknown or missing action decodes to ActionUnknown.
func DecodeInbound(data []byte) (Inbound, error) {
	var wire struct {
		Action string          `json:"action"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	return Inbound{Action: ParseAction(wire.Action), RawAction: wire.Action, ID: wire.ID}, nil
}

// PingPayload 是 AUTH 之后随 PING 一起发送的身份信息。
type PingPayload struct {
	UserID       string `json:"user_id"`
	BrowserID    string `json:"browser_id"`
	UserAgent    string `json:"user_agent"`
	Timestamp    int64  `json:"timestamp"`
	DeviceType   string `json:"device_type"`
	Version      string `json:"version"`
	Token        string `json:"token"`
	OriginAction string `json:"origin_action"`
}

// PingMessage is {id, action:"PING"} optionally flattened with a payload.
type PingMessage struct {
	ID      json.RawMessage
	Payload *PingPayload
}

// MarshalJSON flattens the payload next to id and action.
func (m PingMessage) MarshalJSON() ([]byte, error) {
	id := m.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if m.Payload == nil {
		return json.Marshal(struct {
			ID     json.RawMessage `json:"id"`
			Action string          `json:"action"`
		}{id, ActionPing.String()})
	}
	return json.Marshal(struct {
		ID     json.RawMessage `json:"id"`
		Action string          `json:"action"`
		*PingPayload
	}{id, ActionPing.String(), m.Payload})
}

// PongAck acknowledges a server PONG.
type PongAck struct {
	ID           json.RawMessage `json:"id"`
	OriginAction string          `json:"origin_action"`
}

// NewPongAck builds the acknowledgment for correlation id.
func NewPongAck(id json.RawMessage) PongAck {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return PongAck{ID: id, OriginAction: ActionPong.String()}
}
