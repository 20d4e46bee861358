// Package signaling is the realtime surface: it upgrades authenticated
// websocket connections, dispatches inbound events to the lifecycle and
// presence components, and carries their notifications back out.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"callgrid/internal/calls"
	"callgrid/internal/presence"
)

// Inbound event kinds.
const (
	EventCallInitiate       = "call:initiate"
	EventCallAnswer         = "call:answer"
	EventCallReject         = "call:reject"
	EventCallEnd            = "call:end"
	EventWebRTCOffer        = "webrtc:offer"
	EventWebRTCAnswer       = "webrtc:answer"
	EventWebRTCICECandidate = "webrtc:ice-candidate"
	EventStatusUpdate       = "status:update"
	EventPing               = "ping"
)

// Outbound event kinds owned by this package. Call lifecycle events are
// defined next to the lifecycle manager.
const (
	EventCallError = "call:error"
	EventError     = "error"
	EventPong      = "pong"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var errMissingEvent = errors.New("missing event kind")

func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errMissingEvent
	}
	return env, nil
}

// Inbound payload shapes.
type InitiateRequest struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

type CallRequest struct {
	CallID string `json:"callId"`
}

type RelayRequest struct {
	CallID  string          `json:"callId"`
	Payload json.RawMessage `json:"payload"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

// ErrorEvent is delivered only to the connection whose event failed.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire error codes.
const (
	CodeInvalidRequest  = "invalid_request"
	CodePeerUnreachable = "peer_unreachable"
	CodeInvalidCall     = "invalid_call"
	CodeUnauthorized    = "unauthorized"
	CodePersistence     = "persistence_failure"
	CodeInvalidStatus   = "invalid_status"
	CodeTooManyCalls    = "call_limit_reached"
	CodeUnknownEvent    = "unknown_event"
)

// errorEventFor maps a component error to its wire representation.
func errorEventFor(err error) ErrorEvent {
	switch {
	case errors.Is(err, calls.ErrInvalidRequest):
		return ErrorEvent{Code: CodeInvalidRequest, Message: "invalid request"}
	case errors.Is(err, calls.ErrPeerUnreachable):
		return ErrorEvent{Code: CodePeerUnreachable, Message: "user is not online"}
	case errors.Is(err, calls.ErrInvalidCall):
		return ErrorEvent{Code: CodeInvalidCall, Message: "invalid call"}
	case errors.Is(err, calls.ErrUnauthorized):
		return ErrorEvent{Code: CodeUnauthorized, Message: "not a participant of this call"}
	case errors.Is(err, calls.ErrTooManyCalls):
		return ErrorEvent{Code: CodeTooManyCalls, Message: "too many concurrent calls"}
	case errors.Is(err, presence.ErrInvalidStatus):
		return ErrorEvent{Code: CodeInvalidStatus, Message: "invalid status"}
	case errors.Is(err, calls.ErrPersistence):
		return ErrorEvent{Code: CodePersistence, Message: "operation could not be saved"}
	default:
		return ErrorEvent{Code: CodePersistence, Message: "internal error"}
	}
}
