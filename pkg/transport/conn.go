package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/swgcluster/controlplane/pkg/wire"
)

const (
	maxFrameBytes    = 16 << 20
	outboundCapacity = 256
	inboundCapacity  = 256
)

// Conn is a reliable, ordered byte connection to a single peer, carrying
// wire.Frame-encoded messages. It is safe to call Send from any
// goroutine; Drain must only be called from the owning component's main
// loop.
type Conn struct {
	nc          net.Conn
	Role        wire.Role
	RemoteLabel string

	outbound chan wire.Frame
	inbound  chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	mu        sync.Mutex
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:       nc,
		outbound: make(chan wire.Frame, outboundCapacity),
		inbound:  make(chan wire.Frame, inboundCapacity),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send encodes msg and enqueues it for delivery. It returns an error only
// if the connection is already closed; a full outbound buffer applies
// backpressure rather than dropping the message.
func (c *Conn) Send(msg wire.Message) error {
	f, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return fmt.Errorf("transport: send on closed connection: %w", c.closeErr)
	}
}

// SendFrame enqueues an already-encoded frame directly, bypassing
// wire.Encode. pkg/forwarding uses this to replay buffered frames
// without needing to know their concrete message type.
func (c *Conn) SendFrame(f wire.Frame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return fmt.Errorf("transport: send on closed connection: %w", c.closeErr)
	}
}

// Drain delivers every frame currently buffered on the inbound channel to
// handler, in receive order, without blocking for more to arrive. Call
// once per tick from the owning component's main loop.
func (c *Conn) Drain(handler func(wire.Frame)) {
	for {
		select {
		case f := <-c.inbound:
			handler(f)
		default:
			return
		}
	}
}

// Closed reports whether the peer has disconnected.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// RemoteAddr reports the address of the peer on the other end of the
// connection, e.g. so the cluster head can learn a scene authority's
// host without that host needing to self-report it on the wire.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(c.nc, header); err != nil {
			c.setCloseErr(err)
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		typeHash := binary.BigEndian.Uint32(header[4:8])
		if length > maxFrameBytes {
			c.setCloseErr(fmt.Errorf("transport: frame of %d bytes exceeds limit", length))
			return
		}
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.nc, payload); err != nil {
				c.setCloseErr(err)
				return
			}
		}
		select {
		case c.inbound <- wire.Frame{TypeHash: typeHash, Payload: payload}:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	header := make([]byte, 8)
	for {
		select {
		case f := <-c.outbound:
			binary.BigEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
			binary.BigEndian.PutUint32(header[4:8], f.TypeHash)
			if _, err := c.nc.Write(header); err != nil {
				c.setCloseErr(err)
				c.Close()
				return
			}
			if len(f.Payload) > 0 {
				if _, err := c.nc.Write(f.Payload); err != nil {
					c.setCloseErr(err)
					c.Close()
					return
				}
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		c.closeErr = err
	}
}

// Dial opens a TCP connection and performs the TaskConnectionId
// handshake, declaring this side's role.
func Dial(addr string, role wire.Role, commandLine, clusterName, nodeLabel string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c := newConn(nc)
	c.Role = role
	if err := c.Send(&wire.TaskConnectionId{
		Role:        role,
		CommandLine: commandLine,
		ClusterName: clusterName,
		NodeLabel:   nodeLabel,
	}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Listener accepts incoming peer connections on a TCP address.
type Listener struct {
	ln net.Listener
}

func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for the next incoming connection and wraps it without
// performing a handshake; the caller reads the first inbound frame as
// the peer's TaskConnectionId.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(nc), nil
}

// ReceiveHandshake blocks (with a bounded timeout) for the peer's
// TaskConnectionId frame, which must be the first frame on a freshly
// accepted connection.
func ReceiveHandshake(c *Conn, timeout time.Duration) (*wire.TaskConnectionId, error) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.inbound:
			msg, ok, err := wire.Decode(f)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			id, ok := msg.(*wire.TaskConnectionId)
			if !ok {
				return nil, fmt.Errorf("transport: expected TaskConnectionId, got %T", msg)
			}
			c.Role = id.Role
			c.RemoteLabel = id.NodeLabel
			return id, nil
		case <-deadline:
			return nil, fmt.Errorf("transport: handshake timed out after %s", timeout)
		case <-c.closed:
			return nil, fmt.Errorf("transport: connection closed during handshake")
		}
	}
}
