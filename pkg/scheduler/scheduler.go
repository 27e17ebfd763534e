// Package scheduler implements the load-aware placement policy: given
// a spawn request, decide whether to run it locally, forward it to a
// specific peer, or (on the master) pick the best-loaded peer among
// those with "any" targetHost.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swgcluster/controlplane/pkg/catalog"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// PeerRegistry is the scheduler's view of connected peers: their
// current/maximum load and a way to send a message to one of them.
// pkg/supervisor's connection manager satisfies this.
type PeerRegistry interface {
	// Connected returns the labels of every currently connected peer.
	Connected() []string
	// Load returns a peer's most recently reported load figures.
	Load(label string) (current, maximum float64, ok bool)
	// IncrementLoad applies an optimistic load delta ahead of the
	// peer's next authoritative heartbeat report.
	IncrementLoad(label string, delta float64)
	// Send delivers msg to the named peer.
	Send(label string, msg wire.Message) error
}

// LocalSpawner starts a process on this node.
type LocalSpawner interface {
	SpawnLocal(tmpl types.ProcessTemplate, options []string) (pid int, err error)
}

type outstandingAck struct {
	types.OutstandingSpawnAck
	msg *wire.TaskSpawnProcess
}

// Scheduler places spawn requests across the cluster.
// One instance runs per node; only the node elected master exercises
// the "any" placement branch that picks among peers.
type Scheduler struct {
	Label       string
	MasterLabel string
	Catalog     *catalog.Catalog
	Peers       PeerRegistry
	Local       LocalSpawner

	mu                sync.Mutex
	ownLoad           float64
	ownMaxLoad        float64
	queuedSpawns      []types.QueuedSpawnRequest
	delayedSpawns     []types.QueuedSpawnRequest
	deferredSpawns    []types.QueuedSpawnRequest
	outstanding       map[uint64]outstandingAck
	nextTransactionID uint64
}

// New constructs a Scheduler. ownMaxLoad is this node's configured
// maximum load (Locator::getMyMaximumLoad() in the original).
func New(label, masterLabel string, cat *catalog.Catalog, peers PeerRegistry, local LocalSpawner, ownMaxLoad float64) *Scheduler {
	return &Scheduler{
		Label:       label,
		MasterLabel: masterLabel,
		Catalog:     cat,
		Peers:       peers,
		Local:       local,
		ownMaxLoad:  ownMaxLoad,
		outstanding: make(map[uint64]outstandingAck),
	}
}

// IsMaster reports whether this node is the master (node0-equivalent),
// the only node that ever resolves an "any" target to a specific peer.
func (s *Scheduler) IsMaster() bool {
	return s.Label == s.MasterLabel
}

// AdjustOwnLoad applies delta (positive on spawn, negative on exit) to
// this node's currentLoad.
func (s *Scheduler) AdjustOwnLoad(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownLoad += delta
}

// OwnLoad reports this node's current and maximum load.
func (s *Scheduler) OwnLoad() (current, maximum float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownLoad, s.ownMaxLoad
}

// RequestSpawn places a spawn request. spawnDelay > 0
// queues the request for promotion on a later tick instead of acting
// immediately.
func (s *Scheduler) RequestSpawn(processName string, options []string, nodeLabel string, spawnDelay time.Duration) (pid int, err error) {
	tmpl, ok := s.Catalog.Lookup(processName)
	if !ok {
		return 0, fmt.Errorf("scheduler: unknown process %q", processName)
	}

	if spawnDelay > 0 {
		s.mu.Lock()
		s.delayedSpawns = append(s.delayedSpawns, types.QueuedSpawnRequest{
			ProcessName: processName,
			Options:     options,
			NodeLabel:   nodeLabel,
			TimeQueued:  time.Now(),
			SpawnDelay:  spawnDelay,
		})
		s.mu.Unlock()
		return 0, nil
	}

	switch {
	case tmpl.TargetHost == "local" || tmpl.TargetHost == s.Label || nodeLabel == s.Label || nodeLabel == "local":
		return s.placeLocalOrForwardToMaster(tmpl, options)
	case tmpl.TargetHost == "any":
		return 0, s.placeAny(tmpl, options, nodeLabel)
	default:
		return 0, s.placeOnSpecificPeer(tmpl, options, tmpl.TargetHost)
	}
}

// placeLocalOrForwardToMaster handles a local-target spawn: place
// locally if there's room or no peers are reachable, else forward to
// the master.
func (s *Scheduler) placeLocalOrForwardToMaster(tmpl types.ProcessTemplate, options []string) (int, error) {
	s.mu.Lock()
	fits := s.ownLoad+tmpl.LoadCost <= s.ownMaxLoad
	noPeers := len(s.Peers.Connected()) == 0
	s.mu.Unlock()

	if fits || noPeers {
		pid, err := s.Local.SpawnLocal(tmpl, options)
		if err != nil {
			return 0, err
		}
		s.AdjustOwnLoad(tmpl.LoadCost)
		return pid, nil
	}
	return 0, s.placeOnSpecificPeer(tmpl, options, s.MasterLabel)
}

// placeAny handles targetHost == "any": best-peer selection on the
// master, forward-to-master on a slave.
func (s *Scheduler) placeAny(tmpl types.ProcessTemplate, options []string, nodeLabel string) error {
	if !s.IsMaster() {
		return s.placeOnSpecificPeer(tmpl, options, s.MasterLabel)
	}

	label, ok := s.bestServer(tmpl.Name, tmpl.LoadCost)
	if !ok {
		s.mu.Lock()
		hasPeers := len(s.Peers.Connected()) > 0
		if hasPeers {
			s.queuedSpawns = append(s.queuedSpawns, types.QueuedSpawnRequest{
				ProcessName: tmpl.Name,
				Options:     options,
				NodeLabel:   nodeLabel,
				TimeQueued:  time.Now(),
			})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		_, err := s.Local.SpawnLocal(tmpl, options)
		if err == nil {
			s.AdjustOwnLoad(tmpl.LoadCost)
		}
		return err
	}
	return s.sendSpawn(tmpl, options, label)
}

// placeOnSpecificPeer forwards a spawn to a named peer. absent peers defer
// the spawn until the node is available (spec's deferredSpawns).
func (s *Scheduler) placeOnSpecificPeer(tmpl types.ProcessTemplate, options []string, label string) error {
	for _, l := range s.Peers.Connected() {
		if l == label {
			return s.sendSpawn(tmpl, options, label)
		}
	}
	s.mu.Lock()
	s.deferredSpawns = append(s.deferredSpawns, types.QueuedSpawnRequest{
		ProcessName: tmpl.Name,
		Options:     options,
		NodeLabel:   label,
		TimeQueued:  time.Now(),
	})
	s.mu.Unlock()
	return nil
}

// bestServer picks the connected peer with the minimum
// currentLoad/maximumLoad ratio among those with room for cost,
// tie-breaking lexicographically on label.
func (s *Scheduler) bestServer(processName string, cost float64) (string, bool) {
	labels := append([]string(nil), s.Peers.Connected()...)
	sort.Strings(labels)

	best := ""
	bestRatio := 0.0
	found := false
	for _, label := range labels {
		current, maximum, ok := s.Peers.Load(label)
		if !ok || maximum <= 0 {
			continue
		}
		if current+cost > maximum {
			continue
		}
		ratio := current / maximum
		if !found || ratio < bestRatio {
			best, bestRatio, found = label, ratio, true
		}
	}
	return best, found
}

func (s *Scheduler) sendSpawn(tmpl types.ProcessTemplate, options []string, label string) error {
	s.mu.Lock()
	s.nextTransactionID++
	txn := s.nextTransactionID
	s.mu.Unlock()

	msg := &wire.TaskSpawnProcess{
		NodeLabel:     label,
		ProcessName:   tmpl.Name,
		Options:       options,
		TransactionID: txn,
	}
	if err := s.Peers.Send(label, msg); err != nil {
		return err
	}
	s.Peers.IncrementLoad(label, tmpl.LoadCost)

	s.mu.Lock()
	s.outstanding[txn] = outstandingAck{
		OutstandingSpawnAck: types.OutstandingSpawnAck{
			TargetNodeLabel: label,
			TransactionID:   txn,
			QueuedAt:        time.Now(),
		},
		msg: msg,
	}
	s.mu.Unlock()
	return nil
}

// AckSpawn clears the outstanding record for transactionID, in
// response to a TaskSpawnAck.
func (s *Scheduler) AckSpawn(transactionID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, transactionID)
}

// OnPeerReconnected retransmits every outstanding spawn addressed to
// label before any new spawn is sent to it. Callers invoke this once a
// dropped peer reconnects.
func (s *Scheduler) OnPeerReconnected(label string) {
	s.mu.Lock()
	var pending []outstandingAck
	for _, ack := range s.outstanding {
		if ack.TargetNodeLabel == label {
			pending = append(pending, ack)
		}
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	for _, ack := range pending {
		_ = s.Peers.Send(label, ack.msg)
	}

	s.mu.Lock()
	var retry []types.QueuedSpawnRequest
	var remaining []types.QueuedSpawnRequest
	for _, req := range s.deferredSpawns {
		if req.NodeLabel == label {
			retry = append(retry, req)
		} else {
			remaining = append(remaining, req)
		}
	}
	s.deferredSpawns = remaining
	s.mu.Unlock()

	for _, req := range retry {
		_, _ = s.RequestSpawn(req.ProcessName, req.Options, req.NodeLabel, 0)
	}
}

// DeferredSpawnCount reports how many spawns are waiting on a target
// node that isn't currently connected, for metrics.
func (s *Scheduler) DeferredSpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferredSpawns)
}

// RunQueuedSpawns retries every entry in queuedSpawns exactly once per
// call, mirroring TaskManager::runSpawnRequestQueue(): entries that
// can't place again simply get re-queued by RequestSpawn.
func (s *Scheduler) RunQueuedSpawns() {
	s.mu.Lock()
	pending := s.queuedSpawns
	s.queuedSpawns = nil
	s.mu.Unlock()

	for _, req := range pending {
		_, _ = s.RequestSpawn(req.ProcessName, req.Options, req.NodeLabel, 0)
	}
}

// RunDelayedSpawns promotes at most one elapsed delayed spawn per call,
// spreading placement load across ticks rather than bursting every
// elapsed entry at once.
func (s *Scheduler) RunDelayedSpawns(now time.Time) {
	s.mu.Lock()
	idx := -1
	for i, req := range s.delayedSpawns {
		due := req.TimeQueued.Add(req.SpawnDelay)
		if due.Before(now) || due.Equal(now) {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return
	}
	req := s.delayedSpawns[idx]
	s.delayedSpawns = append(s.delayedSpawns[:idx], s.delayedSpawns[idx+1:]...)
	s.mu.Unlock()

	_, _ = s.RequestSpawn(req.ProcessName, req.Options, req.NodeLabel, 0)
}

// QueuedSpawnCount reports how many spawns are currently queued
// waiting for a placement to free up, for metrics.
func (s *Scheduler) QueuedSpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queuedSpawns)
}

// OutstandingAckCount reports how many spawns are awaiting
// acknowledgment cluster-wide, for metrics.
func (s *Scheduler) OutstandingAckCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}
