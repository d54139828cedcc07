package gateway

import "encoding/json"

// FrameType identifies the kind of frame exchanged over a connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the wire envelope. Requests carry Method and Params; responses
// echo the request ID with either Result or Error set. Event frames are
// server-initiated and carry the event in Payload.
//
// A response may arrive long after its request when the call was parked
// for user approval; clients correlate strictly by ID, never by order.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
