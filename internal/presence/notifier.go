package presence

import (
	"context"
	"log/slog"
	"time"

	"callgrid/internal/session"
	"callgrid/internal/store"
)

// Notifier fans a status change out to everyone who can see the user: the
// union of both contact-edge directions, so a one-sided add still grants
// visibility to the adder.
type Notifier struct {
	store    store.Store
	registry *session.Registry
	log      *slog.Logger
	timeout  time.Duration
}

func NewNotifier(st store.Store, reg *session.Registry, log *slog.Logger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{store: st, registry: reg, log: log, timeout: timeout}
}

// Broadcast delivers {userId, status} to every member of userID's fan-out
// set that currently has a live session. Each member is notified at most
// once; a failed delivery is logged and never blocks the rest of the set.
// Returns the number of successful deliveries.
func (n *Notifier) Broadcast(ctx context.Context, userID, status string) int {
	fctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	contacts, err := n.store.ListContacts(fctx, userID)
	if err != nil {
		n.log.Error("presence: list contacts", "user_id", userID, "err", err)
	}
	reverse, err := n.store.ListReverseContacts(fctx, userID)
	if err != nil {
		n.log.Error("presence: list reverse contacts", "user_id", userID, "err", err)
	}

	seen := make(map[string]struct{}, len(contacts)+len(reverse))
	ev := StatusEvent{UserID: userID, Status: status}
	delivered := 0

	for _, id := range append(contacts, reverse...) {
		if id == userID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		sess, ok := n.registry.Lookup(id)
		if !ok {
			continue
		}
		if !sess.Conn.Send(EventContactStatus, ev) {
			n.log.Warn("presence: delivery dropped", "user_id", userID, "contact_id", id)
			continue
		}
		delivered++
	}
	return delivered
}
