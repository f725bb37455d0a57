package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
)

// DefaultRequestTimeout bounds a correlated call when the caller does not
// supply its own deadline.
const DefaultRequestTimeout = 10 * time.Second

// Surface is the attachable transport target on the engine side of the
// boundary. A gorilla websocket connection satisfies it through a thin
// adapter in the server package.
type Surface interface {
	WriteMessage(data []byte) error
}

type settlement struct {
	env protocol.Envelope
	err error
}

type pendingRequest struct {
	messageID    string
	expectedType protocol.MessageType
	seq          uint64
	done         chan settlement
}

// Bridge is the typed message transport across the native/engine boundary.
// Sends are fire-and-forget; SendAndWait layers request/response correlation
// on top. The bridge owns the pending-request map exclusively.
type Bridge struct {
	logger   *logging.Logger
	registry *Registry

	mu      sync.Mutex
	surface Surface
	pending map[string]*pendingRequest

	createdAt int64 // unix nanos, part of every message ID
	counter   uint64
}

// New creates a detached bridge with its own handler registry.
func New(logger *logging.Logger) *Bridge {
	return &Bridge{
		logger:    logger.With("component", "bridge"),
		registry:  NewRegistry(),
		pending:   make(map[string]*pendingRequest),
		createdAt: time.Now().UnixNano(),
	}
}

// Registry exposes the inbound handler registry for subscriptions.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// nextMessageID returns a globally unique ID for this bridge instance:
// a monotonic counter scoped by the bridge's creation time. IDs are never
// reused.
func (b *Bridge) nextMessageID() string {
	b.counter++
	return fmt.Sprintf("msg_%d_%d", b.createdAt, b.counter)
}

// Attach binds the engine surface. An already-attached bridge is rebound;
// outstanding requests keep waiting since responses may still arrive on the
// new surface.
func (b *Bridge) Attach(surface Surface) {
	b.mu.Lock()
	b.surface = surface
	b.mu.Unlock()
	b.logger.Info("Engine surface attached")
}

// Detach unbinds the surface and rejects every outstanding request exactly
// once with ErrDetached. No request is left hanging.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.surface = nil
	orphaned := make([]*pendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		orphaned = append(orphaned, p)
	}
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range orphaned {
		p.done <- settlement{err: ErrDetached}
	}

	if len(orphaned) > 0 {
		b.logger.Warn("Rejected outstanding requests on detach", "count", len(orphaned))
	}
}

// Attached reports whether an engine surface is currently bound.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.surface != nil
}

// Send builds and delivers a fire-and-forget envelope. Delivery is never
// confirmed; with no surface attached the envelope is logged and dropped so
// callers never block on the engine being present. The built envelope is
// returned either way.
func (b *Bridge) Send(t protocol.MessageType, payload interface{}) (protocol.Envelope, error) {
	if !t.IsOutbound() {
		return protocol.Envelope{}, fmt.Errorf("bridge: %s is not a native-to-engine type", t)
	}

	b.mu.Lock()
	id := b.nextMessageID()
	surface := b.surface
	b.mu.Unlock()

	env, err := protocol.NewEnvelope(t, payload, id)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("bridge: failed to build %s envelope: %w", t, err)
	}

	b.deliver(env, surface)
	return env, nil
}

func (b *Bridge) deliver(env protocol.Envelope, surface Surface) {
	if surface == nil {
		b.logger.Warn("No engine surface attached, dropping message",
			"type", env.Type,
			"message_id", env.MessageID,
		)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return
	}

	if err := surface.WriteMessage(data); err != nil {
		b.logger.Error("Failed to write to engine surface",
			"type", env.Type,
			"message_id", env.MessageID,
			"error", err,
		)
	}
}

// SendAndWait sends an envelope and blocks until the correlated response
// arrives, the timeout elapses (ErrTimeout), the surface detaches
// (ErrDetached) or ctx is cancelled. Pass timeout <= 0 for the default 10s.
//
// Correlation is strictly by message ID whenever the engine echoes replyTo
// in the response payload; responses without replyTo fall back to
// first-response-of-the-expected-type, oldest request first. With an engine
// that echoes IDs, concurrent calls expecting the same response type are
// fully distinguishable.
func (b *Bridge) SendAndWait(ctx context.Context, t protocol.MessageType, payload interface{}, expected protocol.MessageType, timeout time.Duration) (protocol.Envelope, error) {
	if !expected.IsInbound() {
		return protocol.Envelope{}, fmt.Errorf("bridge: %s is not an engine-to-native type", expected)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	if !t.IsOutbound() {
		return protocol.Envelope{}, fmt.Errorf("bridge: %s is not a native-to-engine type", t)
	}

	b.mu.Lock()
	id := b.nextMessageID()
	surface := b.surface
	req := &pendingRequest{
		messageID:    id,
		expectedType: expected,
		seq:          b.counter,
		done:         make(chan settlement, 1),
	}
	b.pending[id] = req
	b.mu.Unlock()

	env, err := protocol.NewEnvelope(t, payload, id)
	if err != nil {
		b.abandon(id)
		return protocol.Envelope{}, fmt.Errorf("bridge: failed to build %s envelope: %w", t, err)
	}

	b.deliver(env, surface)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-req.done:
		return s.env, s.err
	case <-timer.C:
		if b.abandon(id) {
			b.logger.Warn("Request timed out",
				"type", t,
				"expected", expected,
				"message_id", id,
				"timeout", timeout,
			)
			return protocol.Envelope{}, ErrTimeout
		}
		// Settled between the timer firing and the map check; take the result.
		s := <-req.done
		return s.env, s.err
	case <-ctx.Done():
		if b.abandon(id) {
			return protocol.Envelope{}, ctx.Err()
		}
		s := <-req.done
		return s.env, s.err
	}
}

// abandon removes a pending request from the map. It reports whether the
// request was still outstanding; removal is the settle gate, so whichever
// path removes it owns the single settlement.
func (b *Bridge) abandon(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	return true
}

// HandleInbound parses a raw engine message and feeds it to the any-type
// subscribers, the type subscribers and then pending-request settlement.
// Malformed data is logged and dropped, never surfaced to the read loop.
func (b *Bridge) HandleInbound(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("Dropping malformed engine message", "error", err, "bytes", len(raw))
		return
	}
	if env.Type == "" {
		b.logger.Warn("Dropping engine message without type", "bytes", len(raw))
		return
	}

	b.registry.Dispatch(env)
	b.settle(env)
}

func (b *Bridge) settle(env protocol.Envelope) {
	replyTo := env.ReplyTo()

	b.mu.Lock()
	var match *pendingRequest
	if replyTo != "" {
		p, ok := b.pending[replyTo]
		switch {
		case !ok:
			// Response for a request already timed out or detached.
		case env.Type == p.expectedType:
			match = p
		case env.Type == protocol.ARError || env.Type == protocol.ModelError || env.Type == protocol.ScanFailed:
			// An engine-reported failure echoing the request ID rejects it.
			match = p
		}
	} else {
		// Legacy engine builds do not echo IDs; the oldest request expecting
		// this response type wins.
		for _, p := range b.pending {
			if p.expectedType != env.Type {
				continue
			}
			if match == nil || p.seq < match.seq {
				match = p
			}
		}
	}
	if match != nil {
		delete(b.pending, match.messageID)
	}
	b.mu.Unlock()

	if match == nil {
		return
	}

	if env.Type == match.expectedType {
		match.done <- settlement{env: env}
		return
	}
	match.done <- settlement{err: engineErrorFrom(env)}
}

func engineErrorFrom(env protocol.Envelope) error {
	decoded, err := protocol.DecodeInbound(env)
	if err != nil {
		return &EngineError{Code: protocol.ErrCodeInternal, Message: "undecodable engine error"}
	}
	switch p := decoded.(type) {
	case protocol.ARErrorPayload:
		return &EngineError{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable}
	case protocol.ModelErrorPayload:
		return &EngineError{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable}
	case protocol.ScanFailedPayload:
		return &EngineError{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable}
	default:
		return &EngineError{Code: protocol.ErrCodeInternal, Message: fmt.Sprintf("unexpected %s response", env.Type)}
	}
}

// PendingCount reports the number of outstanding correlated requests.
// Exposed for the stats endpoint and tests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
