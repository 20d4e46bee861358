package signaling

import (
	"fmt"
	"testing"

	"callgrid/internal/calls"
	"callgrid/internal/presence"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"call:initiate","data":{"receiverId":"u2"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Event != EventCallInitiate {
		t.Fatalf("event = %q", env.Event)
	}
	if string(env.Data) != `{"receiverId":"u2"}` {
		t.Fatalf("data = %s", env.Data)
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if _, err := ParseEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for missing event kind")
	}
}

func TestErrorEventCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{calls.ErrInvalidRequest, CodeInvalidRequest},
		{calls.ErrPeerUnreachable, CodePeerUnreachable},
		{calls.ErrInvalidCall, CodeInvalidCall},
		{calls.ErrUnauthorized, CodeUnauthorized},
		{calls.ErrTooManyCalls, CodeTooManyCalls},
		{presence.ErrInvalidStatus, CodeInvalidStatus},
		{fmt.Errorf("%w: disk on fire", calls.ErrPersistence), CodePersistence},
		{fmt.Errorf("something else"), CodePersistence},
	}
	for _, tt := range tests {
		if got := errorEventFor(tt.err); got.Code != tt.code {
			t.Errorf("errorEventFor(%v).Code = %q, want %q", tt.err, got.Code, tt.code)
		}
	}
}
