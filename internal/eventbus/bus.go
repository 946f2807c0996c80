// Package eventbus provides the ordered, correlated event stream for a
// single agent run. Unlike a process-wide pub/sub bus, one Bus is
// scoped to exactly one (sessionID, branchID) run: AgentLoop emits into
// it, a single subscriber drains it, and PermissionBroker/clienttool
// correlate paired request/response events through it.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// DefaultBuffer is the channel capacity used when a caller doesn't
// need backpressure tuned to its own run size.
const DefaultBuffer = 256

// Bus is a single-run event stream with a paired correlation table for
// request/response events (permission, clarification, continuation,
// client-tool invocation).
type Bus struct {
	mu sync.Mutex

	out    chan types.Event
	closed bool

	// pubsub is kept as watermill infrastructure backing this bus, the
	// same way the process-wide bus in this codebase's ancestor keeps
	// one around for future routing/middleware use; ordering here is
	// guaranteed by out instead, since a run's subscriber is always
	// exactly one reader.
	pubsub *gochannel.GoChannel

	// pending maps a correlation id (permissionId, clarificationId,
	// continuationId, or client-tool requestId) to the channel a
	// suspended waiter is blocked on.
	pending map[string]chan any
}

// New creates a Bus for one run with the given output buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		out: make(chan types.Event, buffer),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: int64(buffer), Persistent: false},
			watermill.NopLogger{},
		),
		pending: make(map[string]chan any),
	}
}

// isTerminal reports whether an event type ends the run's event stream.
func isTerminal(t types.EventType) bool {
	return t == types.EventMessageTurnFinished || t == types.EventMessageTurnError
}

// Emit appends an event to the run's stream. It never blocks past the
// buffer capacity the bus was created with; AgentLoop is expected to
// size the buffer to the run or drain concurrently with producing, per
// the single-threaded cooperative model. Emitting a terminal event
// closes the stream after delivering it and cancels any requests still
// pending a response.
func (b *Bus) Emit(event types.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	terminal := isTerminal(event.Type)
	b.mu.Unlock()

	b.out <- event

	if terminal {
		b.closeStream()
	}
}

// Subscribe returns the finite, ordered event sequence for this run.
// The channel closes when a terminal event has been delivered or the
// bus is explicitly closed.
func (b *Bus) Subscribe() <-chan types.Event {
	return b.out
}

// closeStream closes the output channel and cancels all pending
// correlated waiters exactly once.
func (b *Bus) closeStream() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.out)
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	_ = b.pubsub.Close()
}

// Close terminates the bus without emitting a terminal event, used
// when a run is torn down by cancellation before it reaches one
// itself.
func (b *Bus) Close() {
	b.closeStream()
}

// Await registers correlationID as awaiting a response and blocks
// until Respond delivers one, the context is cancelled, or the run
// terminates (in which case the wait fails with ErrBusClosed).
func (b *Bus) Await(ctx context.Context, correlationID string) (any, error) {
	ch := make(chan any, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.pending[correlationID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
	}()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrBusClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond delivers a correlated response to exactly one waiter,
// matched by correlation id. Returns false if no waiter is currently
// registered for that id (already answered, timed out, or never
// asked).
func (b *Bus) Respond(correlationID string, response any) bool {
	b.mu.Lock()
	ch, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- response:
		return true
	default:
		return false
	}
}

// ErrBusClosed is returned by Await when the run's event stream
// terminates (or the bus is closed) before a correlated response
// arrives.
var ErrBusClosed = fmt.Errorf("eventbus: closed before response arrived")
