package supervisor

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/catalog"
	"github.com/swgcluster/controlplane/pkg/events"
	"github.com/swgcluster/controlplane/pkg/transport"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// freeLoopbackAddr reserves an ephemeral loopback port and releases it
// immediately so a Supervisor can bind the same address shortly after.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// fakeHost is a minimal in-memory host.Host for exercising Supervisor
// without touching real OS processes.
type fakeHost struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	killed  map[int]bool
	aborted map[int]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextPID: 100,
		alive:   make(map[int]bool),
		killed:  make(map[int]bool),
		aborted: make(map[int]bool),
	}
}

func (h *fakeHost) Spawn(commandLine []string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextPID++
	pid := h.nextPID
	h.alive[pid] = true
	return pid, nil
}

func (h *fakeHost) IsAlive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive[pid]
}

func (h *fakeHost) Terminate(pid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed[pid] = true
	h.alive[pid] = false
	return nil
}

func (h *fakeHost) ForceCore(pid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted[pid] = true
	return nil
}

func (h *fakeHost) ReadCommandLine(pid int) (string, bool) { return "", false }

func (h *fakeHost) kill(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive[pid] = false
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse(strings.NewReader("SwgGameServer_7 any ./SwgGameServer\nLogServer local ./logserver\n"))
	require.NoError(t, err)
	return cat
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeHost) {
	t.Helper()
	h := newFakeHost()
	cfg := Config{
		Label:            "node0",
		MasterLabel:      "node0",
		ClusterName:      "test-cluster",
		MaxLoad:          5,
		KeepAliveTimeout: time.Minute,
		ForceCoreWindow:  time.Minute,
	}
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	s := New(cfg, testCatalog(t), h, bus)
	return s, h
}

func TestSpawnLocalTracksChildAndLoad(t *testing.T) {
	s, _ := newTestSupervisor(t)

	pid := s.Spawn("SwgGameServer_7", nil, "local", 0)
	require.NotZero(t, pid, "expected a nonzero pid from a known catalog entry")

	current, _ := s.scheduler.OwnLoad()
	assert.Greater(t, current, 0.0)
	assert.Equal(t, 1, s.RunningProcessCounts()["SwgGameServer_7"])
}

func TestSpawnUnknownProcessReturnsZero(t *testing.T) {
	s, _ := newTestSupervisor(t)
	assert.Zero(t, s.Spawn("NoSuchProcess", nil, "local", 0))
}

func TestTickDetectsExitAndConservesLoad(t *testing.T) {
	s, h := newTestSupervisor(t)

	pid := s.Spawn("SwgGameServer_7", nil, "local", 0)
	require.NotZero(t, pid)
	loadAfterSpawn, _ := s.scheduler.OwnLoad()

	h.kill(pid)
	s.Tick(time.Now())

	loadAfterExit, _ := s.scheduler.OwnLoad()
	assert.Equal(t, loadAfterSpawn-catalog.LoadCost("SwgGameServer_7"), loadAfterExit)
	assert.Equal(t, 0, s.RunningProcessCounts()["SwgGameServer_7"])
}

func TestExecuteCommandStartStop(t *testing.T) {
	s, _ := newTestSupervisor(t)

	reply := s.ExecuteCommand("start SwgGameServer_7")
	require.True(t, strings.HasPrefix(reply, "ok:"), "reply: %q", reply)

	var pid int
	_, err := fmt.Sscanf(reply, "ok: started SwgGameServer_7 as pid %d", &pid)
	require.NoError(t, err)

	stopReply := s.ExecuteCommand(fmt.Sprintf("stop %d", pid))
	assert.True(t, strings.HasPrefix(stopReply, "ok:"), "reply: %q", stopReply)
}

func TestExecuteCommandPublicPrivateToggle(t *testing.T) {
	s, _ := newTestSupervisor(t)
	require.True(t, s.IsPublic(), "expected node to default public")

	s.ExecuteCommand("private")
	assert.False(t, s.IsPublic())

	s.ExecuteCommand("public")
	assert.True(t, s.IsPublic())
}

func TestExecuteCommandUnknown(t *testing.T) {
	s, _ := newTestSupervisor(t)
	reply := s.ExecuteCommand("bogus")
	assert.True(t, strings.HasPrefix(reply, "error:"), "reply: %q", reply)
}

func TestExecuteCommandRunState(t *testing.T) {
	s, _ := newTestSupervisor(t)
	reply := s.ExecuteCommand("runState")
	assert.Contains(t, reply, "label=node0")
	assert.Contains(t, reply, "master=true")
}

// TestLoadReportPopulatesPeerMaximumForPlacement drives two real
// Supervisors over real loopback TCP end to end: the slave's own
// periodic load report must reach the master's peerManager and raise
// its recorded maximum above zero, which is what unblocks
// scheduler.bestServer from ever selecting that peer for an "any"
// placement.
func TestLoadReportPopulatesPeerMaximumForPlacement(t *testing.T) {
	masterAddr := freeLoopbackAddr(t)
	slaveAddr := freeLoopbackAddr(t)

	nodes := []types.NodeEntry{
		{Label: "master", Address: masterAddr, Index: 0},
		{Label: "node1", Address: slaveAddr, Index: 1},
	}

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	masterCfg := Config{
		Label:            "master",
		MasterLabel:      "master",
		ClusterName:      "test-cluster",
		ListenAddr:       masterAddr,
		Nodes:            nodes,
		MaxLoad:          5,
		KeepAliveTimeout: time.Minute,
		ForceCoreWindow:  time.Minute,
	}
	slaveCfg := Config{
		Label:            "node1",
		MasterLabel:      "master",
		ClusterName:      "test-cluster",
		ListenAddr:       slaveAddr,
		Nodes:            nodes,
		MaxLoad:          9,
		KeepAliveTimeout: time.Minute,
		ForceCoreWindow:  time.Minute,
	}

	master := New(masterCfg, testCatalog(t), newFakeHost(), bus)
	slave := New(slaveCfg, testCatalog(t), newFakeHost(), bus)

	require.NoError(t, master.Start())
	require.NoError(t, slave.Start())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		master.Tick(now)
		slave.Tick(now)

		if _, maximum, ok := master.peers.Load("node1"); ok && maximum > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	current, maximum, ok := master.peers.Load("node1")
	require.True(t, ok, "expected master to have a peer link for node1")
	assert.Equal(t, 9.0, maximum, "expected slave's authoritative maxLoad to reach the master")
	assert.Equal(t, 0.0, current)

	// With node1's maximum known, placeAny/bestServer can now actually
	// select it instead of queuing forever: request an "any" spawn and
	// drive both nodes until it lands on the slave.
	_, err := master.scheduler.RequestSpawn("SwgGameServer_7", nil, "any", 0)
	require.NoError(t, err)

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		master.Tick(now)
		slave.Tick(now)
		if slave.RunningProcessCounts()["SwgGameServer_7"] == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, slave.RunningProcessCounts()["SwgGameServer_7"],
		"expected the master to place the \"any\" spawn on node1 now that its load is known")
	assert.Zero(t, master.scheduler.QueuedSpawnCount(), "expected no spawn stuck in the placement queue")
}

// TestWorkerKeepAliveReachesTracker connects as a local worker process
// (role Game) and heartbeats; the supervisor must register the
// connection and feed the WorkerKeepAlive into its liveness tracker
// so a hung worker can be detected.
func TestWorkerKeepAliveReachesTracker(t *testing.T) {
	addr := freeLoopbackAddr(t)

	cfg := Config{
		Label:            "node0",
		MasterLabel:      "node0",
		ClusterName:      "test-cluster",
		ListenAddr:       addr,
		Nodes:            []types.NodeEntry{{Label: "node0", Address: addr, Index: 0}},
		MaxLoad:          5,
		KeepAliveTimeout: time.Minute,
		ForceCoreWindow:  time.Minute,
	}
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	s := New(cfg, testCatalog(t), newFakeHost(), bus)
	require.NoError(t, s.Start())

	worker, err := transport.Dial(addr, wire.RoleGame, "./SwgGameServer", "test-cluster", "")
	require.NoError(t, err)
	defer worker.Close()
	require.NoError(t, worker.Send(&wire.WorkerKeepAlive{PID: 4242}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if s.keepAlive.Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 1, s.WorkerConnectionCount(), "expected the worker connection to be registered")
	assert.Equal(t, 1, s.keepAlive.Count(), "expected the heartbeat to reach the liveness tracker")
	assert.Equal(t, "ok: 1", s.ExecuteCommand("taskConnectionCount"))

	worker.Close()
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if s.WorkerConnectionCount() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, s.WorkerConnectionCount(), "expected the closed worker connection to be reaped")
}

// TestWorkerKeepAliveOverDatagramChannel heartbeats over the UDP
// datagram side instead of a TCP worker connection; the supervisor's
// datagram listener must deliver it to the same liveness tracker.
func TestWorkerKeepAliveOverDatagramChannel(t *testing.T) {
	addr := freeLoopbackAddr(t)

	cfg := Config{
		Label:            "node0",
		MasterLabel:      "node0",
		ClusterName:      "test-cluster",
		ListenAddr:       addr,
		Nodes:            []types.NodeEntry{{Label: "node0", Address: addr, Index: 0}},
		MaxLoad:          5,
		KeepAliveTimeout: time.Minute,
		ForceCoreWindow:  time.Minute,
	}
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	s := New(cfg, testCatalog(t), newFakeHost(), bus)
	require.NoError(t, s.Start())

	worker, err := transport.DialDatagram(addr)
	require.NoError(t, err)
	defer worker.Close()
	require.NoError(t, worker.Send(&wire.WorkerKeepAlive{PID: 7777}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if s.keepAlive.Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, s.keepAlive.Count(), "expected the datagram heartbeat to reach the liveness tracker")
}
