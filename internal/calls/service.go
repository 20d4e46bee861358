package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callgrid/internal/config"
	"callgrid/internal/session"
	"callgrid/internal/store"
)

// Service drives call records through the state machine. Every durable
// write happens under the per-call lock and before the matching in-memory
// mutation, so the active table never runs ahead of the audit trail.
type Service struct {
	store    store.Store
	registry *session.Registry
	active   *table
	log      *slog.Logger

	cap ConcurrencyCap

	persistTimeout time.Duration
	// clock is injectable for deterministic duration tests.
	clock func() time.Time
}

func NewService(st store.Store, reg *session.Registry, log *slog.Logger, cfg config.CallsConfig) *Service {
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		store:          st,
		registry:       reg,
		active:         newTable(),
		log:            log,
		persistTimeout: timeout,
		clock:          time.Now,
	}
}

// SetCap installs an optional per-caller concurrency cap.
func (s *Service) SetCap(c ConcurrencyCap) { s.cap = c }

// ActiveCount reports the size of the active-call table.
func (s *Service) ActiveCount() int { return s.active.len() }

func (s *Service) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.persistTimeout)
}

// Initiate creates the durable record, installs the active call, advances it
// to ringing and delivers call:incoming to the receiver. No record is
// persisted when the receiver has no live session.
func (s *Service) Initiate(ctx context.Context, caller session.Identity, callerConn session.Conn, receiverID string, callType CallType) (string, error) {
	if receiverID == "" || receiverID == caller.ID {
		return "", ErrInvalidRequest
	}
	if callType != CallTypeVoice && callType != CallTypeVideo {
		return "", ErrInvalidRequest
	}

	receiver, ok := s.registry.Lookup(receiverID)
	if !ok {
		return "", ErrPeerUnreachable
	}

	capHeld := false
	if s.cap != nil {
		acquired, err := s.cap.Acquire(ctx, caller.ID)
		switch {
		case err != nil:
			// Cap storage being down must not block call setup; the call
			// proceeds without holding a slot.
			s.log.Warn("call cap acquire failed", "user_id", caller.ID, "err", err)
		case !acquired:
			return "", ErrTooManyCalls
		default:
			capHeld = true
		}
	}

	pctx, cancel := s.persistCtx(ctx)
	rec, err := s.store.CreateCall(pctx, caller.ID, receiverID, string(callType), string(StatusInitiated))
	cancel()
	if err != nil {
		if capHeld {
			s.releaseCap(ctx, caller.ID)
		}
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	call := &ActiveCall{
		ID:           rec.ID,
		CallerID:     caller.ID,
		ReceiverID:   receiverID,
		CallerConn:   callerConn,
		ReceiverConn: receiver.Conn,
		Type:         callType,
		Status:       StatusInitiated,
		CapHeld:      capHeld,
	}
	s.active.insert(call)

	err = s.active.with(rec.ID, func(c *ActiveCall) (bool, error) {
		// The receiver may have disconnected since the lookup, and its
		// disconnect sweep snapshotted the table before this entry existed.
		// Recheck the registration under the entry lock: once the ring
		// commits with the receiver still bound to this connection, any
		// later disconnect sweep is guaranteed to see the entry.
		cur, ok := s.registry.Lookup(c.ReceiverID)
		if !ok || cur.Conn != c.ReceiverConn {
			return false, ErrPeerUnreachable
		}

		pctx, cancel := s.persistCtx(ctx)
		perr := s.store.UpdateCallStatus(pctx, c.ID, store.CallUpdate{Status: string(StatusRinging)})
		cancel()
		if perr != nil {
			return false, fmt.Errorf("%w: %w", ErrPersistence, perr)
		}
		c.Status = StatusRinging

		c.ReceiverConn.Send(EventIncoming, IncomingEvent{
			CallID: c.ID,
			Caller: CallerSummary{
				ID:       caller.ID,
				Username: caller.Username,
				FullName: caller.FullName,
			},
			CallType: c.Type,
		})
		return false, nil
	})
	if err != nil {
		s.abortInitiate(ctx, rec.ID)
		return "", err
	}

	return rec.ID, nil
}

// abortInitiate unwinds a call whose ring could not be committed (or whose
// receiver vanished mid-setup): the active entry is destroyed, its cap slot
// released if one was taken, and the orphaned record closed out as missed so
// it does not linger in a non-terminal state.
func (s *Service) abortInitiate(ctx context.Context, callID string) {
	var callerID string
	capHeld := false
	_ = s.active.with(callID, func(c *ActiveCall) (bool, error) {
		callerID = c.CallerID
		capHeld = c.CapHeld
		return true, nil
	})
	if capHeld {
		s.releaseCap(ctx, callerID)
	}

	now := s.clock().UTC()
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	if err := s.store.UpdateCallStatus(pctx, callID, store.CallUpdate{Status: string(StatusMissed), EndTime: &now}); err != nil {
		s.log.Error("abort initiate: close orphan record", "call_id", callID, "err", err)
	}
}

// Answer moves a ringing call to answered and notifies both parties.
// Only the call's receiver may answer.
func (s *Service) Answer(ctx context.Context, userID, callID string) error {
	return s.active.with(callID, func(c *ActiveCall) (bool, error) {
		if c.ReceiverID != userID {
			return false, ErrUnauthorized
		}
		if !CanTransition(c.Status, StatusAnswered) {
			return false, ErrInvalidCall
		}

		now := s.clock()
		answeredAt := now.UTC()
		pctx, cancel := s.persistCtx(ctx)
		err := s.store.UpdateCallStatus(pctx, callID, store.CallUpdate{Status: string(StatusAnswered), AnsweredTime: &answeredAt})
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrPersistence, err)
		}

		c.Status = StatusAnswered
		c.AnsweredAt = now

		ev := CallEvent{CallID: callID}
		c.CallerConn.Send(EventAnswered, ev)
		c.ReceiverConn.Send(EventAnswered, ev)
		return false, nil
	})
}

// Reject declines a not-yet-answered call, notifies the caller and destroys
// the active entry. Only the call's receiver may reject.
func (s *Service) Reject(ctx context.Context, userID, callID string) error {
	var callerID string
	capHeld := false
	err := s.active.with(callID, func(c *ActiveCall) (bool, error) {
		if c.ReceiverID != userID {
			return false, ErrUnauthorized
		}
		if !CanTransition(c.Status, StatusRejected) {
			return false, ErrInvalidCall
		}

		now := s.clock().UTC()
		pctx, cancel := s.persistCtx(ctx)
		err := s.store.UpdateCallStatus(pctx, callID, store.CallUpdate{Status: string(StatusRejected), EndTime: &now})
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrPersistence, err)
		}

		c.Status = StatusRejected
		callerID = c.CallerID
		capHeld = c.CapHeld
		c.CallerConn.Send(EventRejected, CallEvent{CallID: callID})
		return true, nil
	})
	if err == nil && capHeld {
		s.releaseCap(ctx, callerID)
	}
	return err
}

// End terminates a call from either side. Duration is whole seconds between
// entering answered and now, zero when the call was never answered.
func (s *Service) End(ctx context.Context, userID, callID string) error {
	var callerID string
	capHeld := false
	err := s.active.with(callID, func(c *ActiveCall) (bool, error) {
		if !c.Involves(userID) {
			return false, ErrUnauthorized
		}
		if err := s.endCallLocked(ctx, c, userID, ""); err != nil {
			return false, err
		}
		callerID = c.CallerID
		capHeld = c.CapHeld
		return true, nil
	})
	if err == nil && capHeld {
		s.releaseCap(ctx, callerID)
	}
	return err
}

// endCallLocked commits the ended transition and notifies userID's
// counter-party. Must run under the call's lock.
func (s *Service) endCallLocked(ctx context.Context, c *ActiveCall, userID, reason string) error {
	if !CanTransition(c.Status, StatusEnded) {
		return ErrInvalidCall
	}

	now := s.clock()
	duration := 0
	if c.Status == StatusAnswered {
		duration = int(now.Sub(c.AnsweredAt).Seconds())
	}

	end := now.UTC()
	pctx, cancel := s.persistCtx(ctx)
	err := s.store.UpdateCallStatus(pctx, c.ID, store.CallUpdate{
		Status:          string(StatusEnded),
		EndTime:         &end,
		DurationSeconds: &duration,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.Status = StatusEnded
	peerConn, _ := c.Peer(userID)
	peerConn.Send(EventEnded, CallEvent{CallID: c.ID, Reason: reason})
	return nil
}

// ForceEndAllFor terminates every active call involving userID with reason
// peer_disconnected, notifying each remaining party. Invoked on disconnect;
// returns the number of calls ended. Idempotent: calls already closed by a
// superseding connection are gone from the table and skipped.
func (s *Service) ForceEndAllFor(ctx context.Context, userID string) int {
	count := 0
	for _, id := range s.active.idsInvolving(userID) {
		err := s.active.with(id, func(c *ActiveCall) (bool, error) {
			if !c.Involves(userID) {
				return false, ErrInvalidCall
			}
			if err := s.endCallLocked(ctx, c, userID, ReasonPeerDisconnected); err != nil {
				// The party is gone; the entry must not outlive its
				// connection even when the durable write fails.
				s.log.Error("force end: persist failed", "call_id", c.ID, "err", err)
			}
			if c.CapHeld {
				s.releaseCap(ctx, c.CallerID)
			}
			return true, nil
		})
		if err == nil {
			count++
		}
	}
	return count
}

// Relay forwards an opaque handshake payload to sender's counter-party
// under the same event kind. The payload is never inspected; delivery is
// best-effort and an unreachable counter-party drops the message silently.
func (s *Service) Relay(event, userID, callID string, payload json.RawMessage) error {
	return s.active.with(callID, func(c *ActiveCall) (bool, error) {
		if !c.Involves(userID) {
			return false, ErrInvalidCall
		}
		peerConn, _ := c.Peer(userID)
		peerConn.Send(event, RelayEvent{CallID: callID, Payload: payload})
		return false, nil
	})
}

// UpdateStatusREST applies a transition to a stored call outside the
// signaling path. Calls still live in the active table are refused; their
// state belongs to the signaling handlers.
func (s *Service) UpdateStatusREST(ctx context.Context, userID, callID string, to Status) error {
	if s.active.contains(callID) {
		return ErrInvalidRequest
	}

	pctx, cancel := s.persistCtx(ctx)
	defer cancel()

	rec, err := s.store.GetCall(pctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCall
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if rec.CallerID != userID && rec.ReceiverID != userID {
		return ErrUnauthorized
	}
	if !CanTransition(Status(rec.Status), to) {
		return ErrInvalidCall
	}

	now := s.clock().UTC()
	upd := store.CallUpdate{Status: string(to)}
	switch {
	case to == StatusAnswered:
		upd.AnsweredTime = &now
	case to.Terminal():
		upd.EndTime = &now
		// Duration counts talk time only; ring time before the answered
		// marker is excluded, and a call that was never answered stays 0.
		if to == StatusEnded && Status(rec.Status) == StatusAnswered && rec.AnsweredTime != nil {
			d := int(now.Sub(*rec.AnsweredTime).Seconds())
			upd.DurationSeconds = &d
		}
	}
	if err := s.store.UpdateCallStatus(pctx, callID, upd); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *Service) releaseCap(ctx context.Context, callerID string) {
	if s.cap == nil || callerID == "" {
		return
	}
	if err := s.cap.Release(ctx, callerID); err != nil {
		s.log.Warn("call cap release failed", "user_id", callerID, "err", err)
	}
}
