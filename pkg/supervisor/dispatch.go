package supervisor

import (
	"strconv"
	"time"

	"github.com/swgcluster/controlplane/pkg/events"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// disconnectedReportInterval is how often the master reports its
// disconnected-but-not-reconnected slaves to the cluster head for
// operator alerting.
const disconnectedReportInterval = 30 * time.Second

// handlePeerFrame dispatches one inbound frame from a connected
// TaskManager peer, identified by label. Unrecognized frames are
// logged and dropped; this is the control plane's narrow
// TaskManager-to-TaskManager message set, not the forwarding gateway's
// opaque payload path.
func (s *Supervisor) handlePeerFrame(label string, f wire.Frame) {
	msg, ok, err := wire.Decode(f)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", label).Msg("failed to decode peer frame")
		return
	}
	if !ok {
		s.logger.Warn().Str("peer", label).Uint32("typeHash", f.TypeHash).Msg("unrecognized peer frame")
		return
	}

	switch m := msg.(type) {
	case *wire.TaskSpawnProcess:
		s.onTaskSpawnProcess(label, m)
	case *wire.TaskSpawnAck:
		s.scheduler.AckSpawn(m.TransactionID)
	case *wire.TaskKillProcess:
		s.Kill(m.Host, m.PID, m.ForceCore)
	case *wire.ProcessDied:
		// Only the master receives this, from a slave reporting a local
		// exit; nothing further to do beyond the event trail, since
		// restart policy is decided on the node that owned the process.
		s.bus.Publish(&events.Event{
			Type:     events.EventProcessDied,
			Message:  m.CommandLine,
			Metadata: map[string]string{"peer": label, "pid": strconv.Itoa(m.PID)},
		})
	case *wire.SystemTimeCheck:
		s.peers.onSystemTimeCheck(m, time.Now(), s.cfg.TimeMismatchTolerance)
	case *wire.ExcommunicateGameServerMessage:
		s.Kill(m.Host, m.PID, true)
	case *wire.TaskNodeLoadReport:
		s.peers.ReportLoad(m.Label, m.CurrentLoad, m.MaximumLoad)
	default:
		name, _ := wire.NameForHash(f.TypeHash)
		s.logger.Debug().Str("peer", label).Str("type", name).Msg("peer frame not handled")
	}
}

// onTaskSpawnProcess handles a spawn request forwarded by another node:
// a non-master forwarding to the master (rule 1/2), or the master
// forwarding to a specific node it picked (rule 2/4). Either way, by
// the time this frame arrives the request is meant for *this* node, so
// it's run with nodeLabel "local" and acknowledged on success.
func (s *Supervisor) onTaskSpawnProcess(label string, m *wire.TaskSpawnProcess) {
	pid := s.Spawn(m.ProcessName, m.Options, "local", 0)
	if pid == 0 {
		s.logger.Error().Str("process", m.ProcessName).Str("from", label).Msg("forwarded spawn request failed")
		return
	}
	_ = s.peers.Send(label, &wire.TaskSpawnAck{TransactionID: m.TransactionID})
}

// drainClusterHead processes frames arriving on this node's link to the
// cluster head, when one is attached (only the master has one).
func (s *Supervisor) drainClusterHead() {
	s.mu.Lock()
	ch := s.clusterHead
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch.Closed():
		s.mu.Lock()
		s.clusterHead = nil
		s.mu.Unlock()
		return
	default:
	}
	ch.DrainBudget(s.budget, func(f wire.Frame) {
		msg, ok, err := wire.Decode(f)
		if err != nil || !ok {
			return
		}
		switch m := msg.(type) {
		case *wire.TaskSpawnProcess:
			delay := time.Duration(m.SpawnDelayMS) * time.Millisecond
			pid := s.Spawn(m.ProcessName, m.Options, m.NodeLabel, delay)
			if pid != 0 || m.NodeLabel == "any" || m.NodeLabel == "local" {
				_ = ch.Send(&wire.TaskSpawnAck{TransactionID: m.TransactionID})
			}
		case *wire.TaskKillProcess:
			s.Kill(m.Host, m.PID, m.ForceCore)
		}
	})
}

// reportDisconnectedPeers sends the master's view of unreachable slaves
// to the cluster head at most once per disconnectedReportInterval.
func (s *Supervisor) reportDisconnectedPeers(now time.Time) {
	if !s.IsMaster() {
		return
	}
	s.mu.Lock()
	due := s.lastDisconnectReport.IsZero() || now.Sub(s.lastDisconnectReport) >= disconnectedReportInterval
	if due {
		s.lastDisconnectReport = now
	}
	ch := s.clusterHead
	s.mu.Unlock()
	if !due || ch == nil {
		return
	}
	labels := s.peers.DisconnectedLabels(s.cfg.Label)
	_ = ch.Send(&wire.DisconnectedTaskManagerMessage{CSVList: DisconnectedCSV(labels)})
}
