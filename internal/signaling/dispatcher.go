package signaling

import (
	"context"
	"encoding/json"
)

// handlerFunc processes the decoded data of one inbound envelope.
type handlerFunc func(ctx context.Context, data json.RawMessage)

// dispatcher routes inbound envelopes by event kind. One handler per
// kind; registration happens once per connection before the read loop
// starts, so no locking is needed.
type dispatcher struct {
	handlers map[string]handlerFunc
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]handlerFunc)}
}

func (d *dispatcher) handle(event string, fn handlerFunc) {
	d.handlers[event] = fn
}

// dispatch invokes the handler for event and reports whether one was
// registered.
func (d *dispatcher) dispatch(ctx context.Context, event string, data json.RawMessage) bool {
	fn, ok := d.handlers[event]
	if !ok {
		return false
	}
	fn(ctx, data)
	return true
}
