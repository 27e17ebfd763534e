/*
Package transport implements the control plane's two connection kinds:
a reliable, ordered TCP stream connection used for control-plane
traffic, and a best-effort-turned-reliable UDP datagram channel used for
high-frequency, low-value traffic (keep-alives, the time-sync check)
where a dropped and retransmitted packet is cheaper than holding a TCP
connection open per purpose.

Both connection kinds carry the same pkg/wire frames: a 4-byte
big-endian type hash and a JSON-encoded payload. On a TCP connection
each frame is preceded by its 4-byte big-endian payload length; a
datagram instead starts with a 1-byte kind (data or ack) and a 4-byte
big-endian sequence number ahead of the type hash, and its payload runs
to the end of the datagram.

# Single-threaded consumer model

A connection's read side runs on its own goroutine, but decoded frames
are never
dispatched to caller code directly from that goroutine. Instead they are
buffered on an inbound channel, and the owning component drains that
channel once per tick from its own single main loop, so handler code
never has to reason about concurrent invocation and messages on a single
connection are processed in wire order.

	reader goroutine --> inbound channel --> Conn.Drain() on owner's tick

Writes are symmetric: Send enqueues onto an outbound channel and a writer
goroutine drains it onto the socket, so callers never block on I/O.
*/
package transport
