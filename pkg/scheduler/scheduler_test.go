package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/catalog"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

const testCatalog = `
SwgGameServer_7 any SwgGameServer
ConnectionServer_1 local ConnectionServer
CentralServer_1 node2 CentralServer
`

type fakePeer struct {
	current, maximum float64
}

type fakeRegistry struct {
	peers map[string]*fakePeer
	sent  []sentMsg
}

type sentMsg struct {
	label string
	msg   wire.Message
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{peers: make(map[string]*fakePeer)}
}

func (r *fakeRegistry) Connected() []string {
	out := make([]string, 0, len(r.peers))
	for label := range r.peers {
		out = append(out, label)
	}
	return out
}

func (r *fakeRegistry) Load(label string) (float64, float64, bool) {
	p, ok := r.peers[label]
	if !ok {
		return 0, 0, false
	}
	return p.current, p.maximum, true
}

func (r *fakeRegistry) IncrementLoad(label string, delta float64) {
	if p, ok := r.peers[label]; ok {
		p.current += delta
	}
}

func (r *fakeRegistry) Send(label string, msg wire.Message) error {
	r.sent = append(r.sent, sentMsg{label: label, msg: msg})
	return nil
}

type fakeLocal struct {
	spawns  []string
	nextPID int
}

func (l *fakeLocal) SpawnLocal(tmpl types.ProcessTemplate, options []string) (int, error) {
	l.nextPID++
	l.spawns = append(l.spawns, tmpl.Name)
	return l.nextPID, nil
}

func newTestScheduler(t *testing.T, label, master string, registry *fakeRegistry, local *fakeLocal) *Scheduler {
	t.Helper()
	cat, err := catalog.Parse(strings.NewReader(testCatalog))
	require.NoError(t, err)
	return New(label, master, cat, registry, local, 10)
}

// Property 1: placement monotonicity. Among qualifying peers the
// scheduler always picks the minimum current/maximum ratio, tying
// lexicographically on label.
func TestBestServerPicksMinimumLoadRatio(t *testing.T) {
	registry := newFakeRegistry()
	registry.peers["node1"] = &fakePeer{current: 4, maximum: 10}
	registry.peers["node2"] = &fakePeer{current: 1, maximum: 10}
	registry.peers["node3"] = &fakePeer{current: 1, maximum: 10}

	local := &fakeLocal{}
	s := newTestScheduler(t, "node0", "node0", registry, local)

	label, ok := s.bestServer("SwgGameServer", 2.5)
	require.True(t, ok)
	assert.Equal(t, "node2", label, "ties break lexicographically, node2 sorts before node3")
}

func TestBestServerExcludesPeersWithoutRoom(t *testing.T) {
	registry := newFakeRegistry()
	registry.peers["node1"] = &fakePeer{current: 9, maximum: 10}
	registry.peers["node2"] = &fakePeer{current: 8, maximum: 10}

	local := &fakeLocal{}
	s := newTestScheduler(t, "node0", "node0", registry, local)

	_, ok := s.bestServer("SwgGameServer", 2.5)
	assert.False(t, ok, "neither peer has room for a 2.5 cost spawn")
}

// The master places an "any" spawn on the best peer and
// the peer's load is incremented optimistically ahead of its next
// heartbeat.
func TestRequestSpawnAnyOnMasterForwardsToBestPeer(t *testing.T) {
	registry := newFakeRegistry()
	registry.peers["node1"] = &fakePeer{current: 5, maximum: 10}
	registry.peers["node2"] = &fakePeer{current: 1, maximum: 10}

	local := &fakeLocal{}
	s := newTestScheduler(t, "node0", "node0", registry, local)

	_, err := s.RequestSpawn("SwgGameServer_7", nil, "", 0)
	require.NoError(t, err)

	require.Len(t, registry.sent, 1)
	assert.Equal(t, "node2", registry.sent[0].label)
	assert.Equal(t, 1, s.OutstandingAckCount())
	assert.InDelta(t, 3.5, registry.peers["node2"].current, 0.0001, "optimistic load increment applied immediately")
}

// Property 2: load conservation. currentLoad after the spawned
// process later exits equals currentLoad before the spawn.
func TestLoadConservationAcrossSpawnAndExit(t *testing.T) {
	registry := newFakeRegistry()
	local := &fakeLocal{}
	s := newTestScheduler(t, "node0", "node0", registry, local)

	before, _ := s.OwnLoad()
	_, err := s.RequestSpawn("ConnectionServer_1", nil, "", 0)
	require.NoError(t, err)

	afterSpawn, _ := s.OwnLoad()
	assert.NotEqual(t, before, afterSpawn)

	s.AdjustOwnLoad(-catalogLoadCost(t, s, "ConnectionServer_1"))
	afterExit, _ := s.OwnLoad()
	assert.Equal(t, before, afterExit)
}

func catalogLoadCost(t *testing.T, s *Scheduler, name string) float64 {
	t.Helper()
	tmpl, ok := s.Catalog.Lookup(name)
	require.True(t, ok)
	return tmpl.LoadCost
}

func TestRequestSpawnPinnedTargetDefersWhenPeerAbsent(t *testing.T) {
	registry := newFakeRegistry()
	local := &fakeLocal{}
	s := newTestScheduler(t, "node1", "node0", registry, local)

	_, err := s.RequestSpawn("CentralServer_1", nil, "", 0)
	require.NoError(t, err)
	assert.Empty(t, registry.sent, "pinned target node2 isn't connected, spawn should defer not send")
}

// Property 9: ack resynchronization. On reconnect, every outstanding
// spawn for that peer is retransmitted before any new spawn is sent.
func TestOnPeerReconnectedRetransmitsOutstandingAcksInOrder(t *testing.T) {
	registry := newFakeRegistry()
	registry.peers["node1"] = &fakePeer{current: 0, maximum: 10}
	local := &fakeLocal{}
	s := newTestScheduler(t, "node0", "node0", registry, local)

	_, err := s.placeOnSpecificPeerForTest("SwgGameServer", nil, "node1")
	require.NoError(t, err)
	_, err = s.placeOnSpecificPeerForTest("ConnectionServer", nil, "node1")
	require.NoError(t, err)

	registry.sent = nil
	s.OnPeerReconnected("node1")

	require.Len(t, registry.sent, 2)
	first := registry.sent[0].msg.(*wire.TaskSpawnProcess)
	second := registry.sent[1].msg.(*wire.TaskSpawnProcess)
	assert.True(t, first.TransactionID < second.TransactionID, "resync replays outstanding spawns oldest first")
}

func (s *Scheduler) placeOnSpecificPeerForTest(processName string, options []string, label string) (int, error) {
	tmpl, ok := s.Catalog.Lookup(processName)
	if !ok {
		tmpl = types.ProcessTemplate{Name: processName, LoadCost: 1}
	}
	return 0, s.placeOnSpecificPeer(tmpl, options, label)
}

func TestRunDelayedSpawnsPromotesAfterDelayElapses(t *testing.T) {
	registry := newFakeRegistry()
	local := &fakeLocal{}
	s := newTestScheduler(t, "node0", "node0", registry, local)

	_, err := s.RequestSpawn("ConnectionServer_1", nil, "", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, local.spawns, "delayed spawn hasn't promoted yet")

	s.RunDelayedSpawns(time.Now().Add(-time.Millisecond))
	assert.Empty(t, local.spawns, "delay hasn't elapsed relative to the checked time")

	s.RunDelayedSpawns(time.Now().Add(time.Hour))
	assert.Equal(t, []string{"ConnectionServer_1"}, local.spawns)
}
