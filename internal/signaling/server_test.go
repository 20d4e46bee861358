package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"callgrid/internal/auth"
	"callgrid/internal/calls"
	"callgrid/internal/config"
	"callgrid/internal/presence"
	"callgrid/internal/session"
	"callgrid/internal/store"
)

type wsFixture struct {
	t   *testing.T
	ts  *httptest.Server
	am  *auth.Manager
	st  *store.Memory
	reg *session.Registry
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	st.AddUser(store.User{ID: "a", Username: "alice", FullName: "Alice A", Status: "offline"})
	st.AddUser(store.User{ID: "b", Username: "bob", FullName: "Bob B", Status: "offline"})
	st.AddContact("a", "b", "")

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	log := slog.Default()
	reg := session.NewRegistry()
	cs := calls.NewService(st, reg, log, config.CallsConfig{PersistTimeout: 2 * time.Second})
	nt := presence.NewNotifier(st, reg, log, 2*time.Second)

	cfg := config.SignalingConfig{
		MaxMessageBytes:      64 << 10,
		MaxMessagesPerSecond: 200,
		WriteTimeout:         2 * time.Second,
		PongTimeout:          30 * time.Second,
		SendBuffer:           16,
	}
	srv := NewServer(cfg, am, st, reg, cs, nt, nil, log)

	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &wsFixture{t: t, ts: ts, am: am, st: st, reg: reg}
}

func (f *wsFixture) dial(userID string) *websocket.Conn {
	f.t.Helper()
	tok, err := f.am.Issue(time.Now(), userID)
	if err != nil {
		f.t.Fatalf("issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		f.t.Fatalf("dial as %s: %v", userID, err)
	}
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *wsFixture) send(conn *websocket.Conn, event string, data any) {
	f.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		f.t.Fatalf("marshal %s payload: %v", event, err)
	}
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		f.t.Fatalf("write %s: %v", event, err)
	}
}

// await reads frames until one with the wanted event kind arrives,
// skipping unrelated traffic such as presence notifications.
func (f *wsFixture) await(conn *websocket.Conn, want string) json.RawMessage {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for i := 0; i < 32; i++ {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			f.t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Event == want {
			return env.Data
		}
	}
	f.t.Fatalf("no %s frame within 32 reads", want)
	return nil
}

func TestHandleWSRejectsBadToken(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a valid token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestHandleWSRejectsUnknownUser(t *testing.T) {
	f := newWSFixture(t)

	tok, err := f.am.Issue(time.Now(), "ghost")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=" + tok
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail for a deleted user")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestCallFlowOverWebSocket(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial("a")
	bob := f.dial("b")

	f.send(alice, EventCallInitiate, InitiateRequest{ReceiverID: "b", CallType: "video"})

	var initiated calls.CallEvent
	if err := json.Unmarshal(f.await(alice, calls.EventInitiated), &initiated); err != nil {
		t.Fatalf("decode call:initiated: %v", err)
	}
	if initiated.CallID == "" {
		t.Fatal("call:initiated must carry the call id")
	}

	var incoming calls.IncomingEvent
	if err := json.Unmarshal(f.await(bob, calls.EventIncoming), &incoming); err != nil {
		t.Fatalf("decode call:incoming: %v", err)
	}
	if incoming.CallID != initiated.CallID {
		t.Fatalf("caller and receiver see different call ids: %q vs %q", initiated.CallID, incoming.CallID)
	}
	if incoming.Caller.Username != "alice" || incoming.CallType != calls.CallTypeVideo {
		t.Fatalf("unexpected incoming payload: %+v", incoming)
	}

	f.send(bob, EventCallAnswer, CallRequest{CallID: incoming.CallID})
	f.await(alice, calls.EventAnswered)
	f.await(bob, calls.EventAnswered)

	f.send(bob, EventWebRTCOffer, RelayRequest{CallID: incoming.CallID, Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	var relayed calls.RelayEvent
	if err := json.Unmarshal(f.await(alice, EventWebRTCOffer), &relayed); err != nil {
		t.Fatalf("decode relayed offer: %v", err)
	}
	if string(relayed.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("relay payload altered: %s", relayed.Payload)
	}

	f.send(alice, EventCallEnd, CallRequest{CallID: incoming.CallID})
	var ended calls.CallEvent
	if err := json.Unmarshal(f.await(bob, calls.EventEnded), &ended); err != nil {
		t.Fatalf("decode call:ended: %v", err)
	}
	if ended.CallID != incoming.CallID {
		t.Fatalf("ended wrong call: %+v", ended)
	}
}

func TestInitiateToOfflineUserFails(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial("a")

	f.send(alice, EventCallInitiate, InitiateRequest{ReceiverID: "b"})

	var ev ErrorEvent
	if err := json.Unmarshal(f.await(alice, EventCallError), &ev); err != nil {
		t.Fatalf("decode call:error: %v", err)
	}
	if ev.Code != CodePeerUnreachable {
		t.Fatalf("code = %q, want %q", ev.Code, CodePeerUnreachable)
	}
}

func TestUnknownEventKind(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial("a")

	f.send(alice, "call:teleport", map[string]string{"to": "mars"})

	var ev ErrorEvent
	if err := json.Unmarshal(f.await(alice, EventError), &ev); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if ev.Code != CodeUnknownEvent {
		t.Fatalf("code = %q, want %q", ev.Code, CodeUnknownEvent)
	}
}

func TestStatusUpdateReachesContacts(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial("a")
	bob := f.dial("b")

	// Alice has bob in her contacts, so bob hears about her status changes
	// through the reverse direction of the edge.
	f.send(alice, EventStatusUpdate, StatusRequest{Status: presence.StatusBusy})

	for {
		var ev presence.StatusEvent
		if err := json.Unmarshal(f.await(bob, presence.EventContactStatus), &ev); err != nil {
			t.Fatalf("decode contact:status: %v", err)
		}
		if ev.UserID == "a" && ev.Status == presence.StatusBusy {
			return
		}
	}
}

func TestInvalidStatusAnswersOnErrorEvent(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial("a")

	f.send(alice, EventStatusUpdate, StatusRequest{Status: "invisible"})

	// The rejection is the first frame on an otherwise idle connection, so
	// the event kind can be asserted directly: status failures use the
	// plain error event, not call:error.
	_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := alice.ReadJSON(&env); err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if env.Event != EventError {
		t.Fatalf("status rejection must arrive on %q, got %q", EventError, env.Event)
	}
	var ev ErrorEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if ev.Code != CodeInvalidStatus {
		t.Fatalf("code = %q, want %q", ev.Code, CodeInvalidStatus)
	}
}

func TestPingPong(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial("a")

	f.send(alice, EventPing, nil)
	f.await(alice, EventPong)
}
