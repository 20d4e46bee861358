// Package calls owns the call lifecycle: the durable record's state machine,
// the in-memory active-call table, and the transitions driven by signaling
// events. The active call is the authoritative live projection; the stored
// record is the audit trail, and a transition is applied in memory only
// after it has been durably committed.
package calls

import (
	"encoding/json"
	"errors"
	"time"

	"callgrid/internal/session"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusRejected  Status = "rejected"
	StatusMissed    Status = "missed"
	StatusEnded     Status = "ended"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusMissed, StatusEnded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine admits from -> to.
// Either participant may end a call before it is answered (caller cancel),
// so ended is reachable from every non-terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusInitiated:
		return to == StatusRinging || to == StatusRejected || to == StatusMissed || to == StatusEnded
	case StatusRinging:
		return to == StatusAnswered || to == StatusRejected || to == StatusMissed || to == StatusEnded
	case StatusAnswered:
		return to == StatusEnded
	default:
		return false
	}
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// ParseCallType validates a wire call type. Empty defaults to voice.
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case "":
		return CallTypeVoice, nil
	case CallTypeVoice, CallTypeVideo:
		return CallType(s), nil
	default:
		return "", ErrInvalidRequest
	}
}

// ActiveCall is the in-memory record of a call in a non-terminal state.
// It pins both parties' connections as they were at initiation. Mutated only
// under the table's per-call lock.
type ActiveCall struct {
	ID         string
	CallerID   string
	ReceiverID string

	CallerConn   session.Conn
	ReceiverConn session.Conn

	Type       CallType
	Status     Status
	AnsweredAt time.Time

	// CapHeld records whether this call actually took a concurrency-cap
	// slot; a cap that failed open at initiate must not be decremented on
	// teardown.
	CapHeld bool
}

func (c *ActiveCall) Involves(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// Peer returns the counter-party of userID: its connection and id.
func (c *ActiveCall) Peer(userID string) (session.Conn, string) {
	if c.CallerID == userID {
		return c.ReceiverConn, c.ReceiverID
	}
	return c.CallerConn, c.CallerID
}

// Error taxonomy. Each failure is reported only to the identity that
// triggered it, via a dedicated error event on its own connection.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrInvalidCall     = errors.New("invalid call")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrPersistence     = errors.New("persistence failure")
	ErrTooManyCalls    = errors.New("call limit reached")
)

// Outbound event kinds owned by the lifecycle manager.
const (
	EventIncoming  = "call:incoming"
	EventInitiated = "call:initiated"
	EventAnswered  = "call:answered"
	EventRejected  = "call:rejected"
	EventEnded     = "call:ended"
)

// ReasonPeerDisconnected marks terminations forced by a party's disconnect.
const ReasonPeerDisconnected = "peer_disconnected"

type CallerSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

// IncomingEvent is delivered to the receiver when a call is initiated.
type IncomingEvent struct {
	CallID   string        `json:"callId"`
	Caller   CallerSummary `json:"caller"`
	CallType CallType      `json:"callType"`
}

// CallEvent is the payload of call:initiated/answered/rejected/ended.
type CallEvent struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// RelayEvent carries an opaque handshake payload between the two parties.
// The payload is never inspected.
type RelayEvent struct {
	CallID  string          `json:"callId"`
	Payload json.RawMessage `json:"payload"`
}
