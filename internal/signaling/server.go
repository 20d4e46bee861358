package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"callgrid/internal/auth"
	"callgrid/internal/calls"
	"callgrid/internal/config"
	"callgrid/internal/presence"
	"callgrid/internal/session"
	"callgrid/internal/store"
	"callgrid/pkg/logger"
)

// Server owns the websocket endpoint. Authentication happens before the
// upgrade; a request without a valid token never becomes a connection.
type Server struct {
	cfg      config.SignalingConfig
	auth     *auth.Manager
	store    store.Store
	registry *session.Registry
	calls    *calls.Service
	notifier *presence.Notifier
	status   *presence.StatusStore
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(
	cfg config.SignalingConfig,
	am *auth.Manager,
	st store.Store,
	reg *session.Registry,
	cs *calls.Service,
	nt *presence.Notifier,
	ss *presence.StatusStore,
	log *slog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		auth:     am,
		store:    st,
		registry: reg,
		calls:    cs,
		notifier: nt,
		status:   ss,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients authenticate with a bearer token, not a
			// cookie, so cross-origin upgrades carry no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS authenticates the request, upgrades it, and runs the
// connection until the client goes away. One goroutine per connection
// reads; a second one writes.
func (s *Server) HandleWS(c *gin.Context) {
	tok := auth.TokenFromRequest(c.Request)
	claims, err := s.auth.Verify(tok, time.Now())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	user, err := s.store.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}

	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Warn("websocket upgrade failed", "error", err, "user_id", user.ID)
		return
	}

	id := session.Identity{ID: user.ID, Username: user.Username, FullName: user.FullName}
	conn := newWSConn(sock, s.log, s.cfg.WriteTimeout, s.cfg.PongTimeout, s.cfg.SendBuffer)
	s.run(c.Request.Context(), id, conn)
}

// run drives one connection's lifetime: register, announce presence,
// pump events, and clean up on the way out.
func (s *Server) run(ctx context.Context, id session.Identity, conn *wsConn) {
	log := logger.ForConn(s.log, id.ID, conn.ID())

	if evicted := s.registry.Register(id, conn, presence.StatusOnline); evicted != nil {
		log.Info("superseding existing connection", "old_conn_id", evicted.Conn.ID())
		s.calls.ForceEndAllFor(ctx, id.ID)
		if old, ok := evicted.Conn.(*wsConn); ok {
			old.close(websocket.ClosePolicyViolation, "superseded by a newer connection")
		}
	}

	go conn.writePump()
	s.announce(ctx, id.ID, presence.StatusOnline)
	log.Info("connection established")

	d := s.dispatcherFor(id, conn, log)
	s.readLoop(ctx, conn, d, log)

	s.disconnect(ctx, id, conn, log)
}

// announce records the user's status durably and in redis, then fans it
// out to online contacts. Failures are logged; presence is advisory.
func (s *Server) announce(ctx context.Context, userID, status string) {
	if s.status != nil {
		if err := s.status.Set(ctx, userID, status); err != nil {
			s.log.Warn("presence store update failed", "error", err, "user_id", userID)
		}
	}
	if err := s.store.UpdateUserStatus(ctx, userID, status); err != nil {
		s.log.Warn("durable status update failed", "error", err, "user_id", userID)
	}
	s.notifier.Broadcast(ctx, userID, status)
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, d *dispatcher, log *slog.Logger) {
	conn.sock.SetReadLimit(s.cfg.MaxMessageBytes)
	resetDeadline := func() { _ = conn.sock.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout)) }
	resetDeadline()
	conn.sock.SetPongHandler(func(string) error { resetDeadline(); return nil })

	// Zero rate disables throttling; operators can opt out per environment.
	var bucket *tokenBucket
	if s.cfg.MaxMessagesPerSecond > 0 {
		bucket = newTokenBucket(nil, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))
	}

	for {
		mt, raw, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		resetDeadline()
		if mt != websocket.TextMessage {
			continue
		}

		if bucket != nil && !bucket.allow() {
			log.Warn("event rate exceeded, closing connection")
			conn.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := ParseEnvelope(raw)
		if err != nil {
			conn.Send(EventError, ErrorEvent{Code: CodeInvalidRequest, Message: "malformed message"})
			continue
		}
		if !d.dispatch(ctx, env.Event, env.Data) {
			conn.Send(EventError, ErrorEvent{Code: CodeUnknownEvent, Message: "unknown event: " + env.Event})
		}
	}
}

// disconnect tears down everything the connection owned. Cleanup is
// keyed to this connection: if a newer one already superseded it, the
// registry entry and presence state belong to the newer connection and
// are left alone.
func (s *Server) disconnect(ctx context.Context, id session.Identity, conn *wsConn, log *slog.Logger) {
	conn.close(websocket.CloseNormalClosure, "")

	if !s.registry.Unregister(id.ID, conn) {
		log.Debug("connection already superseded, skipping presence cleanup")
		return
	}

	ended := s.calls.ForceEndAllFor(ctx, id.ID)
	if s.status != nil {
		if err := s.status.Delete(ctx, id.ID); err != nil {
			log.Warn("presence store delete failed", "error", err)
		}
	}
	if err := s.store.UpdateUserStatus(ctx, id.ID, presence.StatusOffline); err != nil {
		log.Warn("durable status update failed", "error", err)
	}
	s.notifier.Broadcast(ctx, id.ID, presence.StatusOffline)
	log.Info("connection closed", "calls_ended", ended)
}

// dispatcherFor binds the event table for one connection. Every failure
// is reported only on this connection, never to the peer.
func (s *Server) dispatcherFor(id session.Identity, conn *wsConn, log *slog.Logger) *dispatcher {
	d := newDispatcher()

	// Call lifecycle failures answer on call:error; everything else (status
	// updates, malformed frames) uses the plain error event.
	reject := func(kind, event string, err error) {
		ev := errorEventFor(err)
		log.Info("event rejected", "event", event, "code", ev.Code, "error", err)
		conn.Send(kind, ev)
	}
	fail := func(event string, err error) { reject(EventCallError, event, err) }

	d.handle(EventCallInitiate, func(ctx context.Context, data json.RawMessage) {
		var req InitiateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			fail(EventCallInitiate, calls.ErrInvalidRequest)
			return
		}
		ct, err := calls.ParseCallType(req.CallType)
		if err != nil {
			fail(EventCallInitiate, err)
			return
		}
		callID, err := s.calls.Initiate(ctx, id, conn, req.ReceiverID, ct)
		if err != nil {
			fail(EventCallInitiate, err)
			return
		}
		conn.Send(calls.EventInitiated, calls.CallEvent{CallID: callID})
	})

	lifecycle := func(event string, op func(ctx context.Context, userID, callID string) error) handlerFunc {
		return func(ctx context.Context, data json.RawMessage) {
			var req CallRequest
			if err := json.Unmarshal(data, &req); err != nil || req.CallID == "" {
				fail(event, calls.ErrInvalidRequest)
				return
			}
			if err := op(ctx, id.ID, req.CallID); err != nil {
				fail(event, err)
			}
		}
	}
	d.handle(EventCallAnswer, lifecycle(EventCallAnswer, s.calls.Answer))
	d.handle(EventCallReject, lifecycle(EventCallReject, s.calls.Reject))
	d.handle(EventCallEnd, lifecycle(EventCallEnd, s.calls.End))

	relay := func(event string) handlerFunc {
		return func(ctx context.Context, data json.RawMessage) {
			var req RelayRequest
			if err := json.Unmarshal(data, &req); err != nil || req.CallID == "" {
				fail(event, calls.ErrInvalidRequest)
				return
			}
			if err := s.calls.Relay(event, id.ID, req.CallID, req.Payload); err != nil {
				fail(event, err)
			}
		}
	}
	d.handle(EventWebRTCOffer, relay(EventWebRTCOffer))
	d.handle(EventWebRTCAnswer, relay(EventWebRTCAnswer))
	d.handle(EventWebRTCICECandidate, relay(EventWebRTCICECandidate))

	d.handle(EventStatusUpdate, func(ctx context.Context, data json.RawMessage) {
		var req StatusRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reject(EventError, EventStatusUpdate, calls.ErrInvalidRequest)
			return
		}
		if !presence.ValidStatus(req.Status) {
			reject(EventError, EventStatusUpdate, presence.ErrInvalidStatus)
			return
		}
		s.registry.SetStatus(id.ID, req.Status)
		s.announce(ctx, id.ID, req.Status)
	})

	d.handle(EventPing, func(context.Context, json.RawMessage) {
		conn.Send(EventPong, nil)
	})

	return d
}
