package bridge

import (
	"sync"

	"github.com/tabular/ar-preview/internal/protocol"
)

// Handler receives an inbound engine envelope.
type Handler func(env protocol.Envelope)

type subscription struct {
	seq    uint64
	fn     Handler
	active bool
}

// Registry routes inbound envelopes to per-type subscribers plus a set of
// any-type subscribers used for diagnostics. Subscribers for one type are
// invoked in registration order. Unsubscribing takes effect immediately:
// a handler removed during dispatch of the current envelope is not invoked
// for it, nor for any later envelope.
type Registry struct {
	mu      sync.Mutex
	nextSeq uint64
	byType  map[protocol.MessageType][]*subscription
	anyType []*subscription
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[protocol.MessageType][]*subscription),
	}
}

// On registers a handler for envelopes of the given type and returns its
// unsubscribe handle. The handle is idempotent.
func (r *Registry) On(t protocol.MessageType, fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &subscription{seq: r.nextSeq, fn: fn, active: true}
	r.nextSeq++
	r.byType[t] = append(r.byType[t], sub)

	return func() { r.remove(t, sub) }
}

// OnAny registers a handler invoked for every inbound envelope, including
// types outside the known vocabulary.
func (r *Registry) OnAny(fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &subscription{seq: r.nextSeq, fn: fn, active: true}
	r.nextSeq++
	r.anyType = append(r.anyType, sub)

	return func() { r.removeAny(sub) }
}

func (r *Registry) remove(t protocol.MessageType, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.active = false
	subs := r.byType[t]
	for i, s := range subs {
		if s == sub {
			r.byType[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (r *Registry) removeAny(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.active = false
	for i, s := range r.anyType {
		if s == sub {
			r.anyType = append(r.anyType[:i:i], r.anyType[i+1:]...)
			return
		}
	}
}

// Dispatch delivers an envelope to the any-type subscribers first, then to
// the subscribers for its concrete type. The handler list is snapshotted so
// handlers may subscribe or unsubscribe during dispatch; the active flag is
// re-checked per handler so a mid-dispatch unsubscribe suppresses the call.
func (r *Registry) Dispatch(env protocol.Envelope) {
	r.mu.Lock()
	snapshot := make([]*subscription, 0, len(r.anyType)+len(r.byType[env.Type]))
	snapshot = append(snapshot, r.anyType...)
	snapshot = append(snapshot, r.byType[env.Type]...)
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.mu.Lock()
		active := sub.active
		r.mu.Unlock()
		if active {
			sub.fn(env)
		}
	}
}
