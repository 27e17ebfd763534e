package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swgcluster/controlplane/pkg/catalog"
	"github.com/swgcluster/controlplane/pkg/events"
	"github.com/swgcluster/controlplane/pkg/host"
	"github.com/swgcluster/controlplane/pkg/liveness"
	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/metrics"
	"github.com/swgcluster/controlplane/pkg/scheduler"
	"github.com/swgcluster/controlplane/pkg/transport"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// Config carries the knobs a Supervisor needs, mostly a reshaping of
// config.Cluster into the specific values this node's instance cares
// about.
type Config struct {
	Label       string
	MasterLabel string
	ClusterName string
	ListenAddr  string
	Nodes       []types.NodeEntry
	MaxLoad     float64

	KeepAliveTimeout      time.Duration
	ForceCoreWindow       time.Duration
	TimeMismatchTolerance time.Duration
	RestartSentinelPath   string

	// AdaptiveDispatch enables the adaptive dispatch budget on the
	// per-tick inbound drains.
	AdaptiveDispatch bool

	// DisableCentralRestart turns off automatic respawn of a crashed
	// CentralServer (the one restart class gated by configuration).
	DisableCentralRestart bool
}

// Supervisor is the node supervisor (Task Manager): one instance per
// node, running as its own OS process.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	catalog *catalog.Catalog
	host    host.Host
	bus     *events.Broker

	scheduler *scheduler.Scheduler
	keepAlive *liveness.KeepAliveTracker
	restarts  *liveness.RestartQueue
	peers     *peerManager

	clusterHead *transport.Conn // this node's link to the cluster head, if any
	budget      *transport.DispatchBudget

	datagrams  *transport.DatagramListener
	datagramCh chan *transport.DatagramChannel

	mu                   sync.Mutex
	children             map[int]*types.ChildProcess
	workerConns          map[uint64]*transport.Conn // local workers heartbeating in
	nextWorkerConn       uint64
	datagramConns        []*transport.DatagramChannel
	public               bool // operator "public"/"private" toggle
	lastDisconnectReport time.Time
}

// New constructs a Supervisor. Everything it observes is published on
// bus; a durable history is the bus consumer's concern (see
// diagnostics.Recorder), not this type's.
func New(cfg Config, cat *catalog.Catalog, h host.Host, bus *events.Broker) *Supervisor {
	logger := log.WithComponent("supervisor")
	s := &Supervisor{
		cfg:         cfg,
		logger:      logger,
		catalog:     cat,
		host:        h,
		bus:         bus,
		children:    make(map[int]*types.ChildProcess),
		workerConns: make(map[uint64]*transport.Conn),
		datagramCh:  make(chan *transport.DatagramChannel, 32),
		public:      true,
	}
	if cfg.AdaptiveDispatch {
		s.budget = transport.NewDispatchBudget(transport.DefaultBudgetConfig())
	}
	s.peers = newPeerManager(cfg, logger)
	s.scheduler = scheduler.New(cfg.Label, cfg.MasterLabel, cat, s.peers, s, cfg.MaxLoad)
	s.keepAlive = liveness.NewKeepAliveTracker(h, cfg.KeepAliveTimeout, cfg.ForceCoreWindow)
	s.restarts = liveness.NewRestartQueue(catalog.RestartClass, cfg.RestartSentinelPath)
	s.restarts.SetCentralRestart(!cfg.DisableCentralRestart)
	return s
}

// IsMaster reports whether this node is the cluster's elected master.
func (s *Supervisor) IsMaster() bool {
	return s.scheduler.IsMaster()
}

// Start opens the two listeners other processes dial into: the TCP
// listener for peer/control links, and the UDP datagram listener on
// the same address for the high-frequency traffic (worker keep-alives,
// slave gossip). Accepted connections of both kinds are handed to the
// main loop via Tick, never dispatched directly from an accept
// goroutine.
func (s *Supervisor) Start() error {
	ln, err := transport.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	dl, err := transport.ListenDatagram(s.cfg.ListenAddr)
	if err != nil {
		ln.Close()
		return err
	}
	s.datagrams = dl
	go func() {
		for {
			d, err := dl.Accept()
			if err != nil {
				return
			}
			s.datagramCh <- d
		}
	}()

	s.peers.startAccepting(ln, s.cfg.ClusterName)
	s.peers.connectToLowerIndexPeers(s.cfg.ClusterName, s.cfg.Label, s.nodeIndex())
	return nil
}

func (s *Supervisor) nodeIndex() int {
	for _, n := range s.cfg.Nodes {
		if n.Label == s.cfg.Label {
			return n.Index
		}
	}
	return 0
}

// AttachClusterHead registers conn as this node's link to the cluster
// head, e.g. after the master spawns and dials it.
func (s *Supervisor) AttachClusterHead(conn *transport.Conn) {
	s.mu.Lock()
	s.clusterHead = conn
	s.mu.Unlock()
}

// Spawn is the node's public spawn contract:
// spawn(processName, options, nodeLabel, spawnDelaySeconds) -> pid | 0.
// Failures are logged and reported as pid 0, never returned as an error
// to the caller's operator-facing surface.
func (s *Supervisor) Spawn(processName string, options []string, nodeLabel string, spawnDelay time.Duration) int {
	pid, err := s.scheduler.RequestSpawn(processName, options, nodeLabel, spawnDelay)
	if err != nil {
		s.logger.Error().Err(err).Str("process", processName).Msg("spawn failed")
		metrics.ProcessSpawnsTotal.WithLabelValues(processName, "failed").Inc()
		return 0
	}
	return pid
}

// SpawnLocal implements scheduler.LocalSpawner: actually launches a
// process on this node via the configured ProcessHost: build the
// command line, launch, record the child, announce it (currentLoad is
// adjusted by the caller, pkg/scheduler, once this returns
// successfully).
func (s *Supervisor) SpawnLocal(tmpl types.ProcessTemplate, options []string) (int, error) {
	commandLine := append(append([]string{tmpl.Executable}, tmpl.DefaultOptions...), options...)
	pid, err := s.host.Spawn(commandLine)
	if err != nil {
		metrics.ProcessSpawnsTotal.WithLabelValues(tmpl.Name, "failed").Inc()
		s.bus.Publish(&events.Event{
			Type:     events.EventSpawnFailed,
			Message:  fmt.Sprintf("%s: %v", tmpl.Name, err),
			Metadata: map[string]string{"process": tmpl.Name, "host": s.cfg.Label},
		})
		return 0, fmt.Errorf("supervisor: spawn %s: %w", tmpl.Name, err)
	}

	now := time.Now()
	s.mu.Lock()
	s.children[pid] = &types.ChildProcess{
		ProcessName: tmpl.Name,
		CommandLine: commandLine,
		PID:         pid,
		NodeLabel:   s.cfg.Label,
		SpawnedAt:   now,
	}
	s.mu.Unlock()

	s.keepAlive.Track(pid, tmpl.Name, now)
	metrics.ProcessSpawnsTotal.WithLabelValues(tmpl.Name, "ok").Inc()
	metrics.ProcessesRunning.WithLabelValues(tmpl.Name).Inc()

	s.bus.Publish(&events.Event{
		Type:     events.EventProcessStarted,
		Message:  fmt.Sprintf("%s started as pid %d", tmpl.Name, pid),
		Metadata: map[string]string{"process": tmpl.Name, "host": s.cfg.Label},
	})
	s.logger.Info().Str("process", tmpl.Name).Int("pid", pid).Msg("process started")
	return pid, nil
}

// Kill terminates (or force-cores) a local child by PID: acted on
// only when hostName names this node; requests for a remote host are
// silently ignored here (the caller is expected to route those to the
// right node instead).
func (s *Supervisor) Kill(hostName string, pid int, forceCore bool) {
	if hostName != s.cfg.Label {
		return
	}
	var err error
	if forceCore {
		err = s.host.ForceCore(pid)
	} else {
		err = s.host.Terminate(pid)
	}
	if err != nil {
		s.logger.Error().Err(err).Int("pid", pid).Bool("forceCore", forceCore).Msg("kill failed")
	}
}

// Tick drives one cooperative pass: network I/O dispatch,
// periodic checks (peer reconnection, keep-alive, exit detection,
// queued/delayed/deferred spawn promotion, system time check). The
// caller is responsible for the frame-rate limiter between calls.
func (s *Supervisor) Tick(now time.Time) {
	s.peers.acceptRegistered(s.onPeerReconnected, s.onWorkerRegistered)
	s.peers.drainAll(s.budget, s.handlePeerFrame)
	s.drainClusterHead()
	s.drainWorkerConns(now)
	s.drainDatagrams(now)

	s.peers.retryDisconnected(now, s.cfg.ClusterName, s.cfg.Label)

	for _, esc := range s.keepAlive.CheckTimeouts(now) {
		s.bus.Publish(&events.Event{
			Type:    events.EventServerHang,
			Message: fmt.Sprintf("%s pid=%d", esc.Kind, esc.PID),
			Metadata: map[string]string{
				"process": esc.ProcessName,
				"kind":    esc.Kind,
			},
		})
	}

	s.detectExitedChildren(now)

	if req, ok := s.restarts.PromoteOne(now); ok {
		s.Spawn(req.ProcessName, req.Options, "local", 0)
	}

	s.scheduler.RunQueuedSpawns()
	s.scheduler.RunDelayedSpawns(now)

	s.peers.runSystemTimeCheck(now, s.cfg.Label, s.cfg.TimeMismatchTolerance, s.IsMaster())
	current, maximum := s.scheduler.OwnLoad()
	s.peers.runLoadReport(now, s.cfg.Label, current, maximum, s.IsMaster())
	s.reportDisconnectedPeers(now)

	metrics.OutstandingSpawnAcks.Set(float64(s.scheduler.OutstandingAckCount()))
	metrics.QueuedSpawnRequests.Set(float64(s.scheduler.QueuedSpawnCount() + s.scheduler.DeferredSpawnCount()))
}

// FatalError reports a cluster-name mismatch from a connecting peer
// (fatal on the master), for cmd/supervisor's main loop to observe
// and terminate the process on.
func (s *Supervisor) FatalError() error {
	return s.peers.FatalError()
}

// detectExitedChildren is the child-exit half of liveness:
// each tick, query OS liveness for every local PID; on exit, notify and
// consider the process for automatic restart.
func (s *Supervisor) detectExitedChildren(now time.Time) {
	s.mu.Lock()
	var exited []*types.ChildProcess
	for pid, c := range s.children {
		if !s.host.IsAlive(pid) {
			exited = append(exited, c)
			delete(s.children, pid)
		}
	}
	s.mu.Unlock()

	for _, c := range exited {
		s.scheduler.AdjustOwnLoad(-catalog.LoadCost(c.ProcessName))
		s.keepAlive.Forget(c.PID)
		metrics.ProcessDeathsTotal.WithLabelValues(c.ProcessName).Inc()
		metrics.ProcessesRunning.WithLabelValues(c.ProcessName).Dec()

		commandLine := joinCommandLine(c.CommandLine)
		s.bus.Publish(&events.Event{
			Type:    events.EventProcessAborted,
			Message: fmt.Sprintf("%s (pid %d) exited", c.ProcessName, c.PID),
			Metadata: map[string]string{
				"process":     c.ProcessName,
				"host":        s.cfg.Label,
				"commandLine": commandLine,
			},
		})
		s.logger.Warn().Str("process", c.ProcessName).Int("pid", c.PID).Msg("process exited")

		s.notifyProcessDied(c.PID, commandLine)
		s.restarts.OnProcessExited(c.ProcessName, nil, commandLine, now)
	}
}

// notifyProcessDied reports a local exit to the master (if this node
// isn't it) or the cluster head (if it is).
func (s *Supervisor) notifyProcessDied(pid int, commandLine string) {
	msg := &wire.ProcessDied{PID: pid, CommandLine: commandLine}
	if !s.IsMaster() {
		_ = s.peers.Send(s.cfg.MasterLabel, msg)
		return
	}
	s.mu.Lock()
	ch := s.clusterHead
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Send(msg)
	}
}

// onPeerReconnected resyncs outstanding spawn acknowledgments once a
// peer's handshake completes, so no spawn is lost across a reconnect.
func (s *Supervisor) onPeerReconnected(label string) {
	s.scheduler.OnPeerReconnected(label)
}

// onWorkerRegistered tracks a local worker process's connection back to
// its supervisor. Workers carry no clusterName check; only TaskManager
// peers do.
func (s *Supervisor) onWorkerRegistered(conn *transport.Conn, id *wire.TaskConnectionId) {
	s.mu.Lock()
	s.nextWorkerConn++
	s.workerConns[s.nextWorkerConn] = conn
	s.mu.Unlock()
	s.logger.Info().Str("role", string(id.Role)).Str("commandLine", id.CommandLine).Msg("worker connected")
}

// drainWorkerConns delivers each local worker's buffered frames, feeding
// WorkerKeepAlive heartbeats into the liveness tracker and reaping
// closed connections.
func (s *Supervisor) drainWorkerConns(now time.Time) {
	s.mu.Lock()
	conns := make(map[uint64]*transport.Conn, len(s.workerConns))
	for id, c := range s.workerConns {
		conns[id] = c
	}
	s.mu.Unlock()

	for id, conn := range conns {
		select {
		case <-conn.Closed():
			s.mu.Lock()
			delete(s.workerConns, id)
			s.mu.Unlock()
			continue
		default:
		}
		conn.DrainBudget(s.budget, func(f wire.Frame) {
			msg, ok, err := wire.Decode(f)
			if err != nil || !ok {
				return
			}
			if ka, isKA := msg.(*wire.WorkerKeepAlive); isKA {
				s.keepAlive.OnKeepAlive(ka.PID, now)
			}
		})
	}
}

// drainDatagrams claims newly seen datagram peers and delivers each
// one's buffered frames. The datagram side carries only the
// high-frequency message set: WorkerKeepAlive from local workers, and
// SystemTimeCheck/TaskNodeLoadReport gossip from slaves when this node
// is the master. Anything else is dropped; control traffic belongs on
// the TCP links.
func (s *Supervisor) drainDatagrams(now time.Time) {
	s.claimDatagramPeers()

	s.mu.Lock()
	conns := append([]*transport.DatagramChannel(nil), s.datagramConns...)
	s.mu.Unlock()

	var live []*transport.DatagramChannel
	for _, d := range conns {
		select {
		case <-d.Closed():
			continue
		default:
		}
		live = append(live, d)
		d.Drain(func(f wire.Frame) {
			msg, ok, err := wire.Decode(f)
			if err != nil || !ok {
				return
			}
			switch m := msg.(type) {
			case *wire.WorkerKeepAlive:
				s.keepAlive.OnKeepAlive(m.PID, now)
			case *wire.SystemTimeCheck:
				s.peers.onSystemTimeCheck(m, time.Now(), s.cfg.TimeMismatchTolerance)
			case *wire.TaskNodeLoadReport:
				s.peers.ReportLoad(m.Label, m.CurrentLoad, m.MaximumLoad)
			}
		})
	}
	if len(live) != len(conns) {
		s.mu.Lock()
		s.datagramConns = live
		s.mu.Unlock()
	}
}

func (s *Supervisor) claimDatagramPeers() {
	for {
		select {
		case d := <-s.datagramCh:
			s.mu.Lock()
			s.datagramConns = append(s.datagramConns, d)
			s.mu.Unlock()
		default:
			return
		}
	}
}

// WorkerConnectionCount reports how many local worker processes are
// currently connected.
func (s *Supervisor) WorkerConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workerConns)
}

func joinCommandLine(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// NodeStates satisfies metrics.ClusterView, reporting this node's view
// of every configured node's connectivity and load.
func (s *Supervisor) NodeStates() []types.NodeGossipState {
	out := make([]types.NodeGossipState, 0, len(s.cfg.Nodes))
	for _, n := range s.cfg.Nodes {
		if n.Label == s.cfg.Label {
			current, maximum := s.scheduler.OwnLoad()
			out = append(out, types.NodeGossipState{
				Label:         n.Label,
				Connected:     true,
				CurrentLoad:   current,
				MaximumLoad:   maximum,
				LastHeartbeat: time.Now(),
			})
			continue
		}
		state := s.peers.gossipState(n.Label)
		out = append(out, state)
	}
	return out
}

// RunningProcessCounts satisfies metrics.ClusterView, reporting the
// number of local children per process name.
func (s *Supervisor) RunningProcessCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, c := range s.children {
		counts[c.ProcessName]++
	}
	return counts
}

// SceneCounts satisfies metrics.ClusterView. The node supervisor has no
// scene topology view; pkg/clusterhead.Head reports this half.
func (s *Supervisor) SceneCounts() (ready, attaching int) { return 0, 0 }

// PendingAttachmentCounts satisfies metrics.ClusterView; see SceneCounts.
func (s *Supervisor) PendingAttachmentCounts() map[string]int { return nil }
