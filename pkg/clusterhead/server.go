package clusterhead

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swgcluster/controlplane/pkg/forwarding"
	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/transport"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// handshakeTimeout bounds how long a freshly accepted connection gets
// to send its TaskConnectionId before the server gives up on it.
const handshakeTimeout = 5 * time.Second

// ServerConfig carries the network-facing knobs the cluster head's
// connection dispatcher needs, separate from Config's scene-lifecycle
// policy knobs.
type ServerConfig struct {
	ListenAddr string
	ScenePort  int // port game workers should dial a ready scene authority on
}

// sceneConn tracks the forwarding gateway and bookkeeping for one
// scene-authority connection.
type sceneConn struct {
	conn    *transport.Conn
	gateway *forwarding.Gateway
	sceneID string
}

// Server is the cluster head's connection dispatcher: it accepts every
// inbound role (TaskManager from the master, Planet from scene
// authorities, Game from game workers, Chat/Connection/Database from
// peripheral workers) and drives a *Head through them. One instance
// runs per cluster, in the process the master
// supervisor spawns for the CentralServer role.
type Server struct {
	cfg    ServerConfig
	head   *Head
	logger zerolog.Logger
	ln     *transport.Listener
	budget *transport.DispatchBudget

	registeredCh chan registeredConn

	mu           sync.Mutex
	masterConn   *transport.Conn
	nextConnID   uint64
	nextWorkerID uint32

	scenes       map[uint64]*sceneConn
	sceneByID    map[string]uint64
	workers      map[uint32]*transport.Conn
	workerScenes map[uint32]map[string]bool
	peripheral   map[wire.Role]map[uint64]*transport.Conn
	nextTxn      uint64
}

// NewServer constructs a Server with no Head attached yet. A caller
// wiring a cluster head process needs a *Server to build the
// masterSpawner a Head's SceneSpawner binds to (see NewMasterSpawner),
// and needs a *Head to build that Server's dispatch target, so the two
// are necessarily constructed in two steps: NewServer, then New with a
// masterSpawner over it, then SetHead before Start/Tick are called.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:          cfg,
		logger:       log.WithComponent("clusterhead-server"),
		scenes:       make(map[uint64]*sceneConn),
		sceneByID:    make(map[string]uint64),
		workers:      make(map[uint32]*transport.Conn),
		workerScenes: make(map[uint32]map[string]bool),
		peripheral:   make(map[wire.Role]map[uint64]*transport.Conn),
	}
}

// SetHead attaches the Head this Server dispatches every accepted
// connection into. Must be called before Start or Tick.
func (s *Server) SetHead(head *Head) {
	s.head = head
}

// SetDispatchBudget enables the adaptive dispatch budget on this
// server's per-tick connection drains. Call before Start.
func (s *Server) SetDispatchBudget(b *transport.DispatchBudget) {
	s.budget = b
}

// Start opens the listener and begins accepting connections in the
// background; as with pkg/supervisor, accepted connections are only
// ever dispatched from Tick, never from the accept goroutine itself.
func (s *Server) Start() error {
	ln, err := transport.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	registered := make(chan registeredConn, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				id, err := transport.ReceiveHandshake(conn, handshakeTimeout)
				if err != nil {
					conn.Close()
					return
				}
				registered <- registeredConn{conn: conn, id: id}
			}()
		}
	}()
	s.registeredCh = registered
	return nil
}

type registeredConn struct {
	conn *transport.Conn
	id   *wire.TaskConnectionId
}

// Tick drives one cooperative pass: claim newly registered connections,
// then dispatch every buffered frame from every tracked connection, and
// finally reap any connection that has disconnected since the last
// call. Call once per control-plane tick, same cadence as
// supervisor.Supervisor.Tick.
func (s *Server) Tick() {
	s.claimRegistered()
	s.drainMaster()
	s.drainScenes()
	s.drainWorkers()
	s.reapPeripheral()
	s.head.UploadMetrics(time.Now())
}

func (s *Server) claimRegistered() {
	for {
		select {
		case rc := <-s.registeredCh:
			s.register(rc)
		default:
			return
		}
	}
}

func (s *Server) register(rc registeredConn) {
	switch rc.id.Role {
	case wire.RoleTaskManager:
		s.mu.Lock()
		s.masterConn = rc.conn
		s.mu.Unlock()
		s.logger.Info().Msg("master connected")

	case wire.RolePlanet:
		s.mu.Lock()
		s.nextConnID++
		connID := s.nextConnID
		s.scenes[connID] = &sceneConn{
			conn:    rc.conn,
			gateway: forwarding.New(fmt.Sprint(connID), s),
		}
		s.mu.Unlock()
		s.logger.Info().Uint64("conn", connID).Msg("scene authority connected")

	case wire.RoleGame:
		s.mu.Lock()
		s.nextWorkerID++
		workerID := s.nextWorkerID
		s.workers[workerID] = rc.conn
		s.workerScenes[workerID] = make(map[string]bool)
		s.mu.Unlock()
		s.head.OnGameWorkerConnected()
		s.logger.Info().Uint32("worker", workerID).Msg("game worker connected")

	case wire.RoleChat, wire.RoleConnection, wire.RoleDatabase:
		s.mu.Lock()
		s.nextConnID++
		connID := s.nextConnID
		if s.peripheral[rc.id.Role] == nil {
			s.peripheral[rc.id.Role] = make(map[uint64]*transport.Conn)
		}
		s.peripheral[rc.id.Role][connID] = rc.conn
		s.mu.Unlock()
		_ = s.head.RegisterPeripheral(rc.id.Role, fmt.Sprint(connID))

	default:
		rc.conn.Close()
	}
}

func (s *Server) drainMaster() {
	s.mu.Lock()
	mc := s.masterConn
	s.mu.Unlock()
	if mc == nil {
		return
	}
	select {
	case <-mc.Closed():
		s.mu.Lock()
		s.masterConn = nil
		s.mu.Unlock()
		return
	default:
	}
	mc.DrainBudget(s.budget, func(f wire.Frame) {
		msg, ok, err := wire.Decode(f)
		if err != nil || !ok {
			return
		}
		switch m := msg.(type) {
		case *wire.DisconnectedTaskManagerMessage:
			s.logger.Warn().Str("disconnected", m.CSVList).Msg("master reports disconnected nodes")
		case *wire.TaskSpawnAck:
			// Fire-and-forget from this side; nothing to reconcile.
		}
	})
}

func (s *Server) drainScenes() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.scenes))
	for id := range s.scenes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		sc, ok := s.scenes[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-sc.conn.Closed():
			s.onSceneClosed(id, sc)
			continue
		default:
		}
		sc.conn.DrainBudget(s.budget, func(f wire.Frame) {
			if closeConn := sc.gateway.HandleFrame(f, func(f wire.Frame) { s.handleSceneControlFrame(id, sc, f) }); closeConn {
				sc.conn.Close()
			}
		})
	}
}

func (s *Server) handleSceneControlFrame(connID uint64, sc *sceneConn, f wire.Frame) {
	msg, ok, err := wire.Decode(f)
	if err != nil || !ok {
		return
	}
	switch m := msg.(type) {
	case *wire.AttachSceneAuthority:
		sc.sceneID = m.SceneID
		s.mu.Lock()
		s.sceneByID[m.SceneID] = connID
		s.mu.Unlock()
		if err := s.head.AttachSceneAuthority(m.SceneID, connID); err != nil {
			s.logger.Warn().Err(err).Str("scene", m.SceneID).Msg("attach rejected")
		}
	case *wire.PlanetObjectIdMessage:
		addr := hostOf(sc.conn.RemoteAddr())
		if err := s.head.MarkReady(m.SceneID, m.PlanetObjectID, addr, s.cfg.ScenePort); err != nil {
			s.logger.Warn().Err(err).Str("scene", m.SceneID).Msg("mark-ready rejected")
		}
	}
}

func (s *Server) onSceneClosed(connID uint64, sc *sceneConn) {
	s.mu.Lock()
	delete(s.scenes, connID)
	if sc.sceneID != "" {
		delete(s.sceneByID, sc.sceneID)
	}
	s.mu.Unlock()
	if sc.sceneID != "" {
		_ = s.head.OnAuthorityClosed(sc.sceneID)
	}
}

func (s *Server) drainWorkers() {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, workerID := range ids {
		s.mu.Lock()
		conn, ok := s.workers[workerID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-conn.Closed():
			s.onWorkerClosed(workerID)
			continue
		default:
		}
		conn.DrainBudget(s.budget, func(f wire.Frame) { s.handleWorkerFrame(workerID, f) })
	}
}

func (s *Server) handleWorkerFrame(workerID uint32, f wire.Frame) {
	msg, ok, err := wire.Decode(f)
	if err != nil || !ok {
		return
	}
	if m, isAttach := msg.(*wire.AttachSceneAuthority); isAttach {
		if err := s.head.RequestAttach(m.SceneID, workerID); err != nil {
			s.logger.Warn().Err(err).Str("scene", m.SceneID).Uint32("worker", workerID).Msg("attach request rejected")
			return
		}
		s.mu.Lock()
		if s.workerScenes[workerID] == nil {
			s.workerScenes[workerID] = make(map[string]bool)
		}
		s.workerScenes[workerID][m.SceneID] = true
		s.mu.Unlock()
	}
}

func (s *Server) onWorkerClosed(workerID uint32) {
	s.mu.Lock()
	scenes := s.workerScenes[workerID]
	delete(s.workers, workerID)
	delete(s.workerScenes, workerID)
	s.mu.Unlock()
	s.head.OnGameWorkerDisconnected()
	for sceneID := range scenes {
		s.head.RemovePendingWorker(sceneID, workerID)
	}
}

func (s *Server) reapPeripheral() {
	s.mu.Lock()
	type closedEntry struct {
		role wire.Role
		id   uint64
	}
	var closed []closedEntry
	for role, conns := range s.peripheral {
		for id, conn := range conns {
			select {
			case <-conn.Closed():
				closed = append(closed, closedEntry{role, id})
			default:
			}
		}
	}
	for _, ce := range closed {
		delete(s.peripheral[ce.role], ce.id)
	}
	s.mu.Unlock()

	for _, ce := range closed {
		s.head.UnregisterPeripheral(ce.role, fmt.Sprint(ce.id))
	}
}

// SendFrame implements forwarding.WorkerSender: best-effort delivery of
// one already-encoded frame to a single game worker connection.
func (s *Server) SendFrame(workerID uint32, f wire.Frame) bool {
	s.mu.Lock()
	conn, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return conn.SendFrame(f) == nil
}

// sendToWorker delivers msg to a single game worker, for
// workerNotifier's WorkerNotifier implementation.
func (s *Server) sendToWorker(workerID uint32, msg wire.Message) bool {
	s.mu.Lock()
	conn, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return conn.Send(msg) == nil
}

// workerNotifier adapts Server to clusterhead.WorkerNotifier; Server
// itself can't implement both WorkerNotifier and DatabaseNotifier
// directly since both interfaces name their method Send with different
// signatures.
type workerNotifier struct{ srv *Server }

// NewWorkerNotifier returns the WorkerNotifier a Head should be
// constructed with, bound to srv's connection table.
func NewWorkerNotifier(srv *Server) WorkerNotifier { return workerNotifier{srv: srv} }

func (w workerNotifier) Send(workerID uint32, msg wire.Message) bool {
	return w.srv.sendToWorker(workerID, msg)
}

// databaseNotifier adapts Server to clusterhead.DatabaseNotifier,
// sending to any one currently registered database worker connection.
type databaseNotifier struct{ srv *Server }

// NewDatabaseNotifier returns the DatabaseNotifier a Head should be
// constructed with, bound to srv's connection table.
func NewDatabaseNotifier(srv *Server) DatabaseNotifier { return databaseNotifier{srv: srv} }

func (d databaseNotifier) Send(msg wire.Message) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	for _, conn := range d.srv.peripheral[wire.RoleDatabase] {
		return conn.Send(msg)
	}
	return fmt.Errorf("clusterhead: no database worker connected")
}

// masterSpawner adapts Server's master connection to
// clusterhead.SceneSpawner, sending a TaskSpawnProcess over the wire
// instead of calling an in-process scheduler, since the cluster head
// and the master supervisor are separate OS processes.
// The pid this returns is always 0: the master acknowledges the spawn
// asynchronously, and the cluster head only needs to know the request
// was sent, not the resulting pid.
type masterSpawner struct{ srv *Server }

// NewMasterSpawner returns the SceneSpawner a Head should be
// constructed with, bound to srv's master connection.
func NewMasterSpawner(srv *Server) SceneSpawner { return masterSpawner{srv: srv} }

func (m masterSpawner) RequestSpawn(processName string, options []string, nodeLabel string, spawnDelay time.Duration) (int, error) {
	m.srv.mu.Lock()
	mc := m.srv.masterConn
	m.srv.nextTxn++
	txn := m.srv.nextTxn
	m.srv.mu.Unlock()
	if mc == nil {
		return 0, fmt.Errorf("clusterhead: no connection to master supervisor")
	}
	return 0, mc.Send(&wire.TaskSpawnProcess{
		NodeLabel:     nodeLabel,
		ProcessName:   processName,
		Options:       options,
		TransactionID: txn,
		SpawnDelayMS:  spawnDelay.Milliseconds(),
	})
}

func hostOf(addr net.Addr) string {
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return strings.TrimSuffix(s, ":0")
}
