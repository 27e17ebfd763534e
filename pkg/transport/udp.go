package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/swgcluster/controlplane/pkg/wire"
)

// DatagramChannel is the reliable-ordered UDP connection kind, used
// for high-frequency, low-value traffic (worker keep-alives, the
// time-sync check, load reports) where a dropped packet should be
// retransmitted rather than paid for with an open TCP connection.
// Each datagram carries a monotonic sequence number; the receiver
// delivers frames in sequence order and acks each sequence it has
// seen, and the sender retransmits anything un-acked after
// retransmitTimeout up to maxDatagramRetries times before giving up on
// that frame.
//
// A channel is obtained either by DialDatagram (it owns its own
// socket) or from a DatagramListener (many channels share the
// listener's socket, one per remote peer).
type DatagramChannel struct {
	pc          net.PacketConn
	ownsSocket  bool
	remote      net.Addr
	RemoteLabel string

	inbound chan wire.Frame

	mu           sync.Mutex
	nextSend     uint32
	pending      map[uint32]*pendingDatagram
	nextDeliver  uint32
	reorder      map[uint32]datagramFrame
	highestAcked uint32

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type pendingDatagram struct {
	seq     uint32
	raw     []byte
	sentAt  time.Time
	retries int
}

type datagramFrame struct {
	seq   uint32
	frame wire.Frame
}

const (
	datagramHeaderBytes = 9 // 1 byte kind + 4 byte seq + 4 byte type hash
	maxDatagramBytes    = 1200
	retransmitTimeout   = 200 * time.Millisecond
	maxDatagramRetries  = 8
	ackPollInterval     = 50 * time.Millisecond
	datagramInboundCap  = 256

	// maxDatagramPeers bounds how many distinct remote addresses a
	// single DatagramListener will track, so a scanner spraying the
	// port can't grow the peer table without limit.
	maxDatagramPeers = 1024
)

const (
	datagramKindData byte = iota
	datagramKindAck
)

// DialDatagram opens a UDP socket to addr and begins the reliable
// delivery loop. The caller is responsible for exchanging a
// TaskConnectionId over the paired TCP connection first; the datagram
// channel itself carries no handshake.
func DialDatagram(addr string) (*DatagramChannel, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open udp socket: %w", err)
	}
	d := newDatagramChannel(pc, raddr, true)
	go d.readLoop()
	return d, nil
}

func newDatagramChannel(pc net.PacketConn, remote net.Addr, ownsSocket bool) *DatagramChannel {
	d := &DatagramChannel{
		pc:         pc,
		ownsSocket: ownsSocket,
		remote:     remote,
		inbound:    make(chan wire.Frame, datagramInboundCap),
		pending:    make(map[uint32]*pendingDatagram),
		reorder:    make(map[uint32]datagramFrame),
		closed:     make(chan struct{}),
	}
	go d.retransmitLoop()
	return d
}

// Send encodes msg and transmits it, retrying until acked or
// maxDatagramRetries is exceeded.
func (d *DatagramChannel) Send(msg wire.Message) error {
	f, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if len(f.Payload)+datagramHeaderBytes > maxDatagramBytes {
		return fmt.Errorf("transport: datagram payload of %d bytes exceeds %d byte limit", len(f.Payload), maxDatagramBytes-datagramHeaderBytes)
	}
	select {
	case <-d.closed:
		return fmt.Errorf("transport: send on closed datagram channel")
	default:
	}

	d.mu.Lock()
	seq := d.nextSend
	d.nextSend++
	raw := encodeDatagram(datagramKindData, seq, f)
	d.pending[seq] = &pendingDatagram{seq: seq, raw: raw, sentAt: time.Now()}
	d.mu.Unlock()

	return d.write(raw)
}

// Drain delivers every in-order frame currently buffered, matching
// Conn.Drain's once-per-tick contract.
func (d *DatagramChannel) Drain(handler func(wire.Frame)) {
	for {
		select {
		case f := <-d.inbound:
			handler(f)
		default:
			return
		}
	}
}

func (d *DatagramChannel) Closed() <-chan struct{} { return d.closed }

// RemoteAddr reports the peer this channel exchanges datagrams with.
func (d *DatagramChannel) RemoteAddr() net.Addr { return d.remote }

func (d *DatagramChannel) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.ownsSocket {
			_ = d.pc.Close()
		}
	})
	return nil
}

func (d *DatagramChannel) write(raw []byte) error {
	d.mu.Lock()
	remote := d.remote
	d.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("transport: datagram channel has no remote peer yet")
	}
	_, err := d.pc.WriteTo(raw, remote)
	return err
}

// readLoop runs only on dial-side channels; a listener-side channel is
// fed by its DatagramListener's shared read loop instead.
func (d *DatagramChannel) readLoop() {
	defer d.Close()
	buf := make([]byte, 2048)
	for {
		n, _, err := d.pc.ReadFrom(buf)
		if err != nil {
			d.setCloseErr(err)
			return
		}
		kind, seq, f, ok := decodeDatagram(buf[:n])
		if !ok {
			continue
		}
		d.dispatch(kind, seq, f)
	}
}

// dispatch routes one decoded datagram into this channel's ack or
// delivery path. Called from the owning read loop, whether that is the
// channel's own (dial side) or the listener's (accept side).
func (d *DatagramChannel) dispatch(kind byte, seq uint32, f wire.Frame) {
	switch kind {
	case datagramKindAck:
		d.handleAck(seq)
	case datagramKindData:
		d.handleData(seq, f)
		_ = d.write(encodeDatagram(datagramKindAck, seq, wire.Frame{}))
	}
}

func (d *DatagramChannel) handleAck(seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, seq)
	if seq >= d.highestAcked {
		d.highestAcked = seq
	}
}

// handleData delivers frames to the inbound channel in sequence order,
// buffering out-of-order arrivals in reorder until the gap closes.
func (d *DatagramChannel) handleData(seq uint32, f wire.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq < d.nextDeliver {
		return // duplicate of an already-delivered frame
	}
	d.reorder[seq] = datagramFrame{seq: seq, frame: f}

	for {
		next, ok := d.reorder[d.nextDeliver]
		if !ok {
			return
		}
		delete(d.reorder, d.nextDeliver)
		d.nextDeliver++
		select {
		case d.inbound <- next.frame:
		case <-d.closed:
			return
		}
	}
}

func (d *DatagramChannel) retransmitLoop() {
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.retransmitDue()
		case <-d.closed:
			return
		}
	}
}

func (d *DatagramChannel) retransmitDue() {
	now := time.Now()
	var toSend [][]byte
	var toDrop []uint32

	d.mu.Lock()
	for seq, p := range d.pending {
		if now.Sub(p.sentAt) < retransmitTimeout {
			continue
		}
		if p.retries >= maxDatagramRetries {
			toDrop = append(toDrop, seq)
			continue
		}
		p.retries++
		p.sentAt = now
		toSend = append(toSend, p.raw)
	}
	for _, seq := range toDrop {
		delete(d.pending, seq)
	}
	d.mu.Unlock()

	for _, raw := range toSend {
		_ = d.write(raw)
	}
}

func (d *DatagramChannel) setCloseErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr == nil {
		d.closeErr = err
	}
}

// DatagramListener owns one UDP socket and demultiplexes inbound
// datagrams into one DatagramChannel per remote peer address, so a
// supervisor can serve every local worker's keep-alive stream and
// every slave's gossip stream off a single port. The first datagram
// from a new address creates its channel and surfaces it via Accept.
type DatagramListener struct {
	pc *net.UDPConn

	mu    sync.Mutex
	peers map[string]*DatagramChannel

	acceptCh  chan *DatagramChannel
	closeOnce sync.Once
	closed    chan struct{}
}

// ListenDatagram opens a UDP socket bound to addr and begins
// demultiplexing inbound datagrams.
func ListenDatagram(addr string) (*DatagramListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}
	l := &DatagramListener{
		pc:       pc,
		peers:    make(map[string]*DatagramChannel),
		acceptCh: make(chan *DatagramChannel, 64),
		closed:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *DatagramListener) Addr() net.Addr { return l.pc.LocalAddr() }

// Accept blocks for the next remote peer's channel, mirroring
// Listener.Accept so both connection kinds wire up the same way.
func (l *DatagramListener) Accept() (*DatagramChannel, error) {
	select {
	case d := <-l.acceptCh:
		return d, nil
	case <-l.closed:
		return nil, fmt.Errorf("transport: datagram listener closed")
	}
}

func (l *DatagramListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.pc.Close()
		l.mu.Lock()
		for _, d := range l.peers {
			d.Close()
		}
		l.mu.Unlock()
	})
	return nil
}

func (l *DatagramListener) readLoop() {
	defer l.Close()
	buf := make([]byte, 2048)
	for {
		n, addr, err := l.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		kind, seq, f, ok := decodeDatagram(buf[:n])
		if !ok {
			continue
		}

		key := addr.String()
		l.mu.Lock()
		d, known := l.peers[key]
		if !known {
			if len(l.peers) >= maxDatagramPeers {
				l.mu.Unlock()
				continue
			}
			d = newDatagramChannel(l.pc, addr, false)
			l.peers[key] = d
		}
		l.mu.Unlock()

		if !known {
			select {
			case l.acceptCh <- d:
			case <-l.closed:
				return
			}
		}
		d.dispatch(kind, seq, f)
	}
}

func encodeDatagram(kind byte, seq uint32, f wire.Frame) []byte {
	raw := make([]byte, datagramHeaderBytes+len(f.Payload))
	raw[0] = kind
	binary.BigEndian.PutUint32(raw[1:5], seq)
	binary.BigEndian.PutUint32(raw[5:9], f.TypeHash)
	copy(raw[datagramHeaderBytes:], f.Payload)
	return raw
}

func decodeDatagram(raw []byte) (kind byte, seq uint32, f wire.Frame, ok bool) {
	if len(raw) < datagramHeaderBytes {
		return 0, 0, wire.Frame{}, false
	}
	kind = raw[0]
	seq = binary.BigEndian.Uint32(raw[1:5])
	typeHash := binary.BigEndian.Uint32(raw[5:9])
	payload := append([]byte(nil), raw[datagramHeaderBytes:]...)
	return kind, seq, wire.Frame{TypeHash: typeHash, Payload: payload}, true
}
