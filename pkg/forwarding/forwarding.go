// Package forwarding implements the stacked batching gateway on the
// connection between a scene authority and the cluster head:
// BeginForward/EndForward delimit a run of opaque payload frames
// that must be fanned out to a subset of game worker connections once
// the outermost EndForward closes the stack.
package forwarding

import (
	"fmt"
	"sync"

	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/metrics"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// DefaultMaxBufferedBytes caps the total bytes a single connection's
// forwarding stack may buffer before the connection is judged
// adversarial and closed, so a peer can't grow the buffer without
// bound.
const DefaultMaxBufferedBytes = 8 << 20

var (
	beginForwardHash = wire.TypeHash("BeginForward")
	endForwardHash   = wire.TypeHash("EndForward")
)

// WorkerSender delivers one buffered frame to one destination worker
// connection. It reports false when the worker connection isn't live;
// the flush is best-effort and does not retry.
type WorkerSender interface {
	SendFrame(workerID uint32, f wire.Frame) bool
}

// Gateway is the forwarding stack for a single scene-authority
// connection. It is driven only from that connection's
// owning tick, but HandleFrame takes its own lock so a caller polling
// metrics from another goroutine can still read Depth safely.
type Gateway struct {
	ConnID           string
	maxBufferedBytes int

	workers WorkerSender

	mu            sync.Mutex
	stack         []*types.ForwardingContext
	popped        []*types.ForwardingContext
	totalBuffered int
	faulted       bool
}

// New constructs a Gateway over the given worker connection registry.
func New(connID string, workers WorkerSender) *Gateway {
	return &Gateway{
		ConnID:           connID,
		workers:          workers,
		maxBufferedBytes: DefaultMaxBufferedBytes,
	}
}

// WithMaxBufferedBytes overrides the buffer cap, mainly for tests that
// want to exercise the overflow path without allocating 8MB.
func (g *Gateway) WithMaxBufferedBytes(n int) *Gateway {
	g.maxBufferedBytes = n
	return g
}

// Depth reports the total bytes currently buffered across the whole
// stack, for the swgcluster_forwarding_buffer_depth gauge.
func (g *Gateway) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalBuffered
}

// HandleFrame processes one inbound frame.
// onDefault is invoked, outside any lock, for frames that fall through
// to the default receive path (no active forwarding context): the
// scene authority's ordinary control messages. It returns true when the
// connection must be closed because of a protocol fault.
func (g *Gateway) HandleFrame(f wire.Frame, onDefault func(wire.Frame)) (closeConn bool) {
	switch f.TypeHash {
	case beginForwardHash:
		return g.handleBegin(f)
	case endForwardHash:
		return g.handleEnd()
	default:
		return g.handlePayload(f, onDefault)
	}
}

func (g *Gateway) handlePayload(f wire.Frame, onDefault func(wire.Frame)) bool {
	g.mu.Lock()
	if g.faulted {
		g.mu.Unlock()
		return true
	}
	if len(g.stack) == 0 {
		g.mu.Unlock()
		onDefault(f)
		return false
	}
	top := g.stack[len(g.stack)-1]
	raw := wire.EncodeRaw(f)
	top.BufferedFrames = append(top.BufferedFrames, raw)
	top.BufferedBytes += len(raw)
	g.totalBuffered += len(raw)
	overflow := g.totalBuffered > g.maxBufferedBytes
	depth := g.totalBuffered
	g.mu.Unlock()

	metrics.ForwardingBufferDepth.WithLabelValues(g.ConnID).Set(float64(depth))
	if overflow {
		g.fault("buffer overflow", "buffer_overflow")
		return true
	}
	return false
}

func (g *Gateway) handleBegin(f wire.Frame) bool {
	msg, ok, err := wire.Decode(f)
	if err != nil || !ok {
		g.fault("malformed BeginForward frame", "unbalanced_end")
		return true
	}
	begin, ok := msg.(*wire.BeginForward)
	if !ok {
		g.fault("malformed BeginForward frame", "unbalanced_end")
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.faulted {
		return true
	}
	if len(g.stack) > 0 {
		top := g.stack[len(g.stack)-1]
		if sameDestinations(top.Destinations, begin.WorkerIDs) {
			top.BeginCount++
			return false
		}
	}
	g.stack = append(g.stack, &types.ForwardingContext{
		Destinations: append([]uint32(nil), begin.WorkerIDs...),
		BeginCount:   1,
	})
	return false
}

func (g *Gateway) handleEnd() bool {
	g.mu.Lock()
	if g.faulted {
		g.mu.Unlock()
		return true
	}
	if len(g.stack) == 0 {
		g.mu.Unlock()
		g.fault("EndForward with empty stack", "unbalanced_end")
		return true
	}

	top := g.stack[len(g.stack)-1]
	top.BeginCount--
	if top.BeginCount > 0 {
		g.mu.Unlock()
		return false
	}

	g.stack = g.stack[:len(g.stack)-1]
	g.totalBuffered -= top.BufferedBytes
	g.popped = append(g.popped, top)

	if len(g.stack) > 0 {
		g.mu.Unlock()
		return false
	}

	toFlush := g.popped
	g.popped = nil
	g.mu.Unlock()

	metrics.ForwardingBufferDepth.WithLabelValues(g.ConnID).Set(0)
	g.flush(toFlush)
	return false
}

// flush dispatches every buffered frame of every popped context to its
// own destinations, in the order each context was popped. A context
// with no destinations (BeginForward([])) is permitted but its buffer
// is simply discarded.
func (g *Gateway) flush(contexts []*types.ForwardingContext) {
	for _, ctx := range contexts {
		if len(ctx.Destinations) == 0 {
			continue
		}
		for _, raw := range ctx.BufferedFrames {
			frame, ok := wire.DecodeRaw(raw)
			if !ok {
				continue
			}
			for _, workerID := range ctx.Destinations {
				if g.workers.SendFrame(workerID, frame) {
					metrics.ForwardingFramesForwardedTotal.WithLabelValues(fmt.Sprint(workerID)).Inc()
				}
			}
		}
	}
}

func (g *Gateway) fault(reason, kind string) {
	g.mu.Lock()
	g.faulted = true
	g.stack = nil
	g.popped = nil
	g.totalBuffered = 0
	g.mu.Unlock()

	metrics.ForwardingProtocolFaultsTotal.WithLabelValues(kind).Inc()
	metrics.ForwardingBufferDepth.WithLabelValues(g.ConnID).Set(0)
	forwardingLogger := log.WithComponent("forwarding")
	forwardingLogger.Warn().
		Str("conn", g.ConnID).
		Str("reason", reason).
		Msg("forwarding protocol fault, closing connection")
}

func sameDestinations(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
