package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swgcluster/controlplane/pkg/health"
	"github.com/swgcluster/controlplane/pkg/transport"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// systemTimeCheckInterval is how often a slave reports its wall clock to
// the master. Not operator-configurable; the tolerance
// compared against is.
const systemTimeCheckInterval = 10 * time.Second

// reconnectRetryInterval is the cadence a dropped peer is re-queued
// for redial at.
const reconnectRetryInterval = time.Second

// handshakeTimeout bounds how long an accepted connection gets to send
// its TaskConnectionId before peerManager gives up on it.
const handshakeTimeout = 5 * time.Second

// loadReportInterval is how often a slave sends the master its
// authoritative current/maximum load, superseding whatever optimistic
// figure the master has accumulated since the last report.
const loadReportInterval = 5 * time.Second

// peerLink is one other node's TaskManager connection, from this node's
// point of view, plus the load/connectivity figures this node is
// tracking for it (this node's own copy of the peer's load accounting, kept
// current either by authoritative heartbeats from the peer or by this
// node's own optimistic IncrementLoad calls when it is the master).
type peerLink struct {
	conn    *transport.Conn
	label   string
	current float64
	maximum float64

	lastHeartbeat    time.Time
	lastWallClockSec int64
	timeMismatch     bool

	disconnectedSince time.Time
}

// reportedLoad is a peer's last authoritative load report, kept by
// label rather than by link so a report that lands before (or between)
// link registrations isn't lost. Gossip arrives over the datagram
// listener, which has no ordering relationship with the TCP handshake.
type reportedLoad struct {
	current float64
	maximum float64
}

// registeredConn is a freshly accepted connection whose TaskConnectionId
// handshake has completed, waiting to be claimed by the main loop.
type registeredConn struct {
	conn *transport.Conn
	id   *wire.TaskConnectionId
}

// peerManager owns every connection a node supervisor has to its peer
// TaskManagers: accepting inbound links, dialing outbound ones to
// lower-indexed peers, and tracking each peer's reported
// load for pkg/scheduler's PeerRegistry interface.
type peerManager struct {
	cfg    Config
	logger zerolog.Logger

	registeredCh chan registeredConn

	mu                 sync.Mutex
	links              map[string]*peerLink
	nextRetryAt        map[string]time.Time
	checkers           map[string]*health.TCPChecker
	probeStatus        map[string]*health.Status
	gossip             *transport.DatagramChannel // slave's datagram channel to the master
	reportedLoads      map[string]reportedLoad    // latest authoritative report per label
	lastTimeCheckSent  time.Time
	lastLoadReportSent time.Time

	fatalMu  sync.Mutex
	fatalErr error
}

func newPeerManager(cfg Config, logger zerolog.Logger) *peerManager {
	return &peerManager{
		cfg:           cfg,
		logger:        logger,
		registeredCh:  make(chan registeredConn, 32),
		links:         make(map[string]*peerLink),
		nextRetryAt:   make(map[string]time.Time),
		checkers:      make(map[string]*health.TCPChecker),
		probeStatus:   make(map[string]*health.Status),
		reportedLoads: make(map[string]reportedLoad),
	}
}

// startAccepting runs ln's accept loop in the background. Each accepted
// connection's handshake is also performed off the main loop (it can
// block up to handshakeTimeout), but the resulting registeredConn is
// only ever consumed by acceptRegistered, from the main loop.
func (pm *peerManager) startAccepting(ln *transport.Listener, clusterName string) {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				id, err := transport.ReceiveHandshake(conn, handshakeTimeout)
				if err != nil {
					pm.logger.Warn().Err(err).Msg("peer handshake failed")
					conn.Close()
					return
				}
				pm.registeredCh <- registeredConn{conn: conn, id: id}
			}()
		}
	}()
}

// connectToLowerIndexPeers dials every configured peer whose index is
// smaller than ours; the higher-indexed side of every pair is the one
// that dials.
func (pm *peerManager) connectToLowerIndexPeers(clusterName, label string, ownIndex int) {
	for _, n := range pm.cfg.Nodes {
		if n.Label == label || n.Index >= ownIndex {
			continue
		}
		pm.dial(n, clusterName, label)
	}
}

func (pm *peerManager) dial(n types.NodeEntry, clusterName, label string) {
	conn, err := transport.Dial(n.Address, wire.RoleTaskManager, "", clusterName, label)
	if err != nil {
		pm.logger.Debug().Err(err).Str("peer", n.Label).Msg("peer dial failed, will retry")
		pm.mu.Lock()
		pm.nextRetryAt[n.Label] = time.Now().Add(reconnectRetryInterval)
		pm.mu.Unlock()
		return
	}
	pm.registeredCh <- registeredConn{conn: conn, id: &wire.TaskConnectionId{
		Role: wire.RoleTaskManager, ClusterName: clusterName, NodeLabel: n.Label,
	}}
}

// acceptRegistered claims every connection whose handshake has completed
// since the last call, registers TaskManager peers as live links, and
// invokes onReconnected for each one so the scheduler can resynchronize
// outstanding spawn acks. Non-TaskManager roles (Game,
// Planet, Database, ...: the local worker processes this supervisor
// spawned, dialing back in to heartbeat) are handed to onWorker instead
// of being tracked as peer links.
func (pm *peerManager) acceptRegistered(onReconnected func(label string), onWorker func(conn *transport.Conn, id *wire.TaskConnectionId)) {
	for {
		select {
		case rc := <-pm.registeredCh:
			pm.register(rc, onReconnected, onWorker)
		default:
			return
		}
	}
}

func (pm *peerManager) register(rc registeredConn, onReconnected func(label string), onWorker func(conn *transport.Conn, id *wire.TaskConnectionId)) {
	if rc.id.Role != wire.RoleTaskManager {
		onWorker(rc.conn, rc.id)
		return
	}
	if rc.id.ClusterName != pm.cfg.ClusterName {
		// Only the master treats this as fatal; a slave just refuses the
		// link and keeps running.
		if pm.cfg.Label == pm.cfg.MasterLabel {
			pm.setFatal(fmt.Errorf("supervisor: peer %q reports clusterName %q, expected %q",
				rc.id.NodeLabel, rc.id.ClusterName, pm.cfg.ClusterName))
		} else {
			pm.logger.Warn().Str("peer", rc.id.NodeLabel).Str("clusterName", rc.id.ClusterName).
				Msg("rejecting peer with mismatched clusterName")
		}
		rc.conn.Close()
		return
	}

	label := rc.id.NodeLabel
	pm.mu.Lock()
	link := &peerLink{conn: rc.conn, label: label, lastHeartbeat: time.Now()}
	if rl, ok := pm.reportedLoads[label]; ok {
		link.current, link.maximum = rl.current, rl.maximum
	}
	pm.links[label] = link
	delete(pm.nextRetryAt, label)
	pm.mu.Unlock()

	pm.logger.Info().Str("peer", label).Msg("peer connected")
	onReconnected(label)
}

// setFatal records a cluster-name mismatch, the one peer fault that is fatal,
// for the caller to observe and terminate the process.
func (pm *peerManager) setFatal(err error) {
	pm.fatalMu.Lock()
	defer pm.fatalMu.Unlock()
	if pm.fatalErr == nil {
		pm.fatalErr = err
	}
}

// FatalError reports a cluster-name mismatch that requires the process
// to exit.
func (pm *peerManager) FatalError() error {
	pm.fatalMu.Lock()
	defer pm.fatalMu.Unlock()
	return pm.fatalErr
}

// drainAll delivers every buffered frame from every connected peer to
// handler, labeling each with the sending peer, and drops links whose
// connection has closed. A non-nil budget bounds how long each link's
// drain may run per tick.
func (pm *peerManager) drainAll(budget *transport.DispatchBudget, handler func(label string, f wire.Frame)) {
	pm.mu.Lock()
	links := make([]*peerLink, 0, len(pm.links))
	for _, l := range pm.links {
		links = append(links, l)
	}
	pm.mu.Unlock()

	for _, l := range links {
		select {
		case <-l.conn.Closed():
			pm.dropLink(l.label)
			continue
		default:
		}
		l.conn.DrainBudget(budget, func(f wire.Frame) { handler(l.label, f) })
	}
}

func (pm *peerManager) dropLink(label string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.links[label]; !ok {
		return
	}
	delete(pm.links, label)
	pm.nextRetryAt[label] = time.Now()
}

// retryDisconnected re-dials every lower-indexed peer that isn't
// currently connected, at most once per reconnectRetryInterval per peer
// per peer.
func (pm *peerManager) retryDisconnected(now time.Time, clusterName, label string) {
	ownIndex := 0
	for _, n := range pm.cfg.Nodes {
		if n.Label == label {
			ownIndex = n.Index
		}
	}
	for _, n := range pm.cfg.Nodes {
		if n.Label == label || n.Index >= ownIndex {
			continue
		}
		pm.mu.Lock()
		_, connected := pm.links[n.Label]
		next, scheduled := pm.nextRetryAt[n.Label]
		pm.mu.Unlock()
		if connected {
			continue
		}
		if scheduled && next.After(now) {
			continue
		}
		if !pm.probe(n) {
			pm.mu.Lock()
			pm.nextRetryAt[n.Label] = now.Add(reconnectRetryInterval)
			pm.mu.Unlock()
			continue
		}
		pm.dial(n, clusterName, label)
	}
}

// probe runs a cheap TCP reachability check against n before paying for
// a full dial and handshake, so a peer that isn't listening costs one
// refused connect per retry instead of a handshake timeout.
func (pm *peerManager) probe(n types.NodeEntry) bool {
	pm.mu.Lock()
	checker, ok := pm.checkers[n.Label]
	if !ok {
		checker = health.NewTCPChecker(n.Address).WithTimeout(500 * time.Millisecond)
		pm.checkers[n.Label] = checker
		pm.probeStatus[n.Label] = health.NewStatus()
	}
	status := pm.probeStatus[n.Label]
	pm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cfg := health.DefaultConfig()
	wasHealthy := status.Healthy
	status.Update(checker.Check(ctx), cfg)
	if wasHealthy && !status.Healthy {
		pm.logger.Warn().Str("peer", n.Label).Int("failures", status.ConsecutiveFailures).
			Msg("peer unreachable past retry threshold")
	}
	return status.LastResult.Healthy
}

// Connected implements scheduler.PeerRegistry.
func (pm *peerManager) Connected() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]string, 0, len(pm.links))
	for label := range pm.links {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Load implements scheduler.PeerRegistry.
func (pm *peerManager) Load(label string) (current, maximum float64, ok bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	l, found := pm.links[label]
	if !found {
		return 0, 0, false
	}
	return l.current, l.maximum, true
}

// IncrementLoad implements scheduler.PeerRegistry: applies the master's
// optimistic load delta ahead of the peer's next authoritative report.
func (pm *peerManager) IncrementLoad(label string, delta float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if l, ok := pm.links[label]; ok {
		l.current += delta
	}
}

// ReportLoad records an authoritative load figure from label's own
// heartbeat, overriding any optimistic accounting applied so far. The
// figure is kept even when no link is registered yet, and applied once
// one is.
func (pm *peerManager) ReportLoad(label string, current, maximum float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.reportedLoads[label] = reportedLoad{current: current, maximum: maximum}
	if l, ok := pm.links[label]; ok {
		l.current, l.maximum = current, maximum
		l.lastHeartbeat = time.Now()
	}
}

// Send implements scheduler.PeerRegistry.
func (pm *peerManager) Send(label string, msg wire.Message) error {
	pm.mu.Lock()
	l, ok := pm.links[label]
	pm.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: peer %q is not connected", label)
	}
	return l.conn.Send(msg)
}

// gossipState reports label's current view for metrics.ClusterView /
// the operator dashboard.
func (pm *peerManager) gossipState(label string) types.NodeGossipState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	l, ok := pm.links[label]
	if !ok {
		return types.NodeGossipState{Label: label, Connected: false}
	}
	return types.NodeGossipState{
		Label:            label,
		Connected:        true,
		CurrentLoad:      l.current,
		MaximumLoad:      l.maximum,
		LastHeartbeat:    l.lastHeartbeat,
		LastWallClockSec: l.lastWallClockSec,
		TimeMismatch:     l.timeMismatch,
	}
}

// runSystemTimeCheck drives the time-sync check. A slave sends its wall-clock
// seconds to the master every systemTimeCheckInterval; the master
// compares every incoming SystemTimeCheck against its own clock as it
// arrives (see onSystemTimeCheck) and simply throttles how often it
// itself needs to originate one, which master nodes don't.
func (pm *peerManager) runSystemTimeCheck(now time.Time, label string, tolerance time.Duration, isMaster bool) {
	if isMaster {
		return
	}
	pm.mu.Lock()
	due := pm.lastTimeCheckSent.IsZero() || now.Sub(pm.lastTimeCheckSent) >= systemTimeCheckInterval
	if due {
		pm.lastTimeCheckSent = now
	}
	masterLabel := pm.cfg.MasterLabel
	pm.mu.Unlock()
	if !due {
		return
	}
	pm.sendGossip(masterLabel, &wire.SystemTimeCheck{Label: label, Seconds: now.Unix()})
}

// sendGossip delivers one of the periodic heartbeat messages
// (SystemTimeCheck, TaskNodeLoadReport) to the master over the
// reliable datagram channel, dialing it lazily on first use. The TCP
// peer link is the fallback when the channel can't be opened, so a
// cluster with UDP blocked still gossips, just on the heavier
// transport.
func (pm *peerManager) sendGossip(masterLabel string, msg wire.Message) {
	pm.mu.Lock()
	g := pm.gossip
	pm.mu.Unlock()

	if g != nil {
		select {
		case <-g.Closed():
			pm.mu.Lock()
			pm.gossip = nil
			pm.mu.Unlock()
			g = nil
		default:
		}
	}
	if g == nil {
		var masterAddr string
		for _, n := range pm.cfg.Nodes {
			if n.Label == masterLabel {
				masterAddr = n.Address
			}
		}
		if masterAddr != "" {
			if d, err := transport.DialDatagram(masterAddr); err == nil {
				pm.mu.Lock()
				pm.gossip = d
				pm.mu.Unlock()
				g = d
			}
		}
	}
	if g != nil && g.Send(msg) == nil {
		return
	}
	_ = pm.Send(masterLabel, msg)
}

// runLoadReport is the authoritative side of the load accounting: a
// non-master node periodically
// tells the master its own current/maximum load, which the master's
// scheduler uses for placement via Load/bestServer. Master nodes never
// report to themselves.
func (pm *peerManager) runLoadReport(now time.Time, label string, current, maximum float64, isMaster bool) {
	if isMaster {
		return
	}
	pm.mu.Lock()
	due := pm.lastLoadReportSent.IsZero() || now.Sub(pm.lastLoadReportSent) >= loadReportInterval
	if due {
		pm.lastLoadReportSent = now
	}
	masterLabel := pm.cfg.MasterLabel
	pm.mu.Unlock()
	if !due {
		return
	}
	pm.sendGossip(masterLabel, &wire.TaskNodeLoadReport{Label: label, CurrentLoad: current, MaximumLoad: maximum})
}

// onSystemTimeCheck records a slave's reported wall clock and flags a
// mismatch beyond tolerance.
func (pm *peerManager) onSystemTimeCheck(msg *wire.SystemTimeCheck, now time.Time, tolerance time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	l, ok := pm.links[msg.Label]
	if !ok {
		return
	}
	l.lastWallClockSec = msg.Seconds
	delta := now.Unix() - msg.Seconds
	if delta < 0 {
		delta = -delta
	}
	l.timeMismatch = time.Duration(delta)*time.Second > tolerance
}

// DisconnectedLabels reports every configured peer this node currently
// has no live connection to, for the master's periodic
// DisconnectedTaskManagerMessage report to the cluster head.
func (pm *peerManager) DisconnectedLabels(label string) []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var out []string
	for _, n := range pm.cfg.Nodes {
		if n.Label == label {
			continue
		}
		if _, ok := pm.links[n.Label]; !ok {
			out = append(out, n.Label)
		}
	}
	sort.Strings(out)
	return out
}

// DisconnectedCSV joins DisconnectedLabels into the comma-separated list
// DisconnectedTaskManagerMessage carries.
func DisconnectedCSV(labels []string) string {
	return strings.Join(labels, ",")
}
