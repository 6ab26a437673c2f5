// Package wire defines the transport-agnostic frame types exchanged with
// clients. Frames are JSON objects discriminated by the "op" field.
package wire

import "encoding/json"

// Op values.
const (
	OpHello    = "hello"
	OpHelloAck = "hello_ack"
	OpCall     = "call"
	OpAck      = "ack"
	OpProgress = "progress"
	OpResult   = "result"
	OpError    = "error"
)

// Frame is the envelope every message shares. Payload fields are inlined;
// unused fields stay empty per op.
type Frame struct {
	Op string `json:"op"`

	// hello
	SessionToken string `json:"session_token,omitempty"`

	// hello_ack
	SessionID string `json:"session_id,omitempty"`

	// call
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// progress: elapsed time only. A projected completion time is
	// deliberately absent from the protocol; step latency is not linear
	// and a derived ETA misleads.
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`

	// result
	Payload json.RawMessage `json:"payload,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Hello builds a handshake frame.
func Hello(sessionToken string) *Frame {
	return &Frame{Op: OpHello, SessionToken: sessionToken}
}

// HelloAck acknowledges a successful handshake.
func HelloAck(sessionID string) *Frame {
	return &Frame{Op: OpHelloAck, SessionID: sessionID}
}

// Ack acknowledges an accepted call.
func Ack(requestID string) *Frame {
	return &Frame{Op: OpAck, RequestID: requestID}
}

// Progress reports elapsed wall clock for an outstanding call.
func Progress(requestID string, elapsedSeconds float64) *Frame {
	return &Frame{Op: OpProgress, RequestID: requestID, ElapsedSeconds: elapsedSeconds}
}

// Result carries a terminal payload.
func Result(requestID string, payload json.RawMessage) *Frame {
	return &Frame{Op: OpResult, RequestID: requestID, Payload: payload}
}

// Error carries a terminal kind-tagged failure.
func Error(requestID, kind, message string) *Frame {
	return &Frame{Op: OpError, RequestID: requestID, Kind: kind, Message: message}
}
