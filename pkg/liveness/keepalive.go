package liveness

import (
	"sync"
	"time"

	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/metrics"
	"github.com/swgcluster/controlplane/pkg/types"
)

// Terminator is the narrow slice of the process-hosting capability the
// keep-alive tracker needs: enough to escalate against a pid
// and to recover its command line for diagnostics.
type Terminator interface {
	Terminate(pid int) error
	ForceCore(pid int) error
	ReadCommandLine(pid int) (string, bool)
}

// Escalation describes one action KeepAliveTracker took against a hung
// worker, for the caller to turn into a DiagnosticEvent/log line.
type Escalation struct {
	PID         int
	ProcessName string
	Kind        string // "forceCore" or "kill"
}

// KeepAliveTracker watches WorkerKeepAlive arrivals and escalates per
// a two-tier timeout: forceCore past timeout, kill past
// 2×timeout, with forceCore rate-limited to once per ForceCoreWindow so
// a worker stuck in the (timeout, 2×timeout] band isn't core-dumped
// every tick.
type KeepAliveTracker struct {
	host            Terminator
	timeout         time.Duration
	forceCoreWindow time.Duration

	mu       sync.Mutex
	children map[int]*types.ChildProcess
}

// NewKeepAliveTracker constructs a tracker. timeout and forceCoreWindow
// come from the cluster config.
func NewKeepAliveTracker(host Terminator, timeout, forceCoreWindow time.Duration) *KeepAliveTracker {
	return &KeepAliveTracker{
		host:            host,
		timeout:         timeout,
		forceCoreWindow: forceCoreWindow,
		children:        make(map[int]*types.ChildProcess),
	}
}

// Track registers pid as a worker to watch, without waiting for its
// first keep-alive. Supervisors call this at spawn time so a worker
// that locks up before ever sending a heartbeat still times out.
func (k *KeepAliveTracker) Track(pid int, processName string, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.children[pid]; ok {
		return
	}
	k.children[pid] = &types.ChildProcess{
		PID:               pid,
		ProcessName:       processName,
		LastKeepAliveTick: now,
	}
}

// OnKeepAlive records a heartbeat for pid. A keep-alive that arrives
// earlier than the last one recorded indicates clock skew on the
// worker's host; it is logged but not trusted to push the timeout
// forward.
func (k *KeepAliveTracker) OnKeepAlive(pid int, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	c, ok := k.children[pid]
	if !ok {
		c = &types.ChildProcess{PID: pid}
		if cmd, found := k.host.ReadCommandLine(pid); found {
			c.CommandLine = []string{cmd}
		}
		k.children[pid] = c
	}

	if !c.LastKeepAliveTick.IsZero() && now.Before(c.LastKeepAliveTick) {
		keepaliveLogger := log.WithComponent("liveness")
		keepaliveLogger.Warn().
			Int("pid", pid).
			Time("previous", c.LastKeepAliveTick).
			Time("received", now).
			Msg("keep-alive moved backward, clock skew suspected")
		return
	}
	c.LastKeepAliveTick = now
}

// Forget drops pid's tracking state once its process has exited, so a
// reused PID starts with a clean escalation history.
func (k *KeepAliveTracker) Forget(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.children, pid)
}

// CheckTimeouts runs one tick of the detection loop, returning
// every escalation this call issued.
func (k *KeepAliveTracker) CheckTimeouts(now time.Time) []Escalation {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []Escalation
	logger := log.WithComponent("liveness")
	for pid, c := range k.children {
		if c.LastKeepAliveTick.IsZero() {
			continue
		}
		delta := now.Sub(c.LastKeepAliveTick)

		switch {
		case delta > 2*k.timeout:
			if c.LoggedKill {
				continue
			}
			c.LoggedKill = true
			_ = k.host.Terminate(pid)
			metrics.KillEventsTotal.WithLabelValues(c.ProcessName).Inc()
			logger.Warn().Int("pid", pid).Str("process", c.ProcessName).
				Dur("since_keepalive", delta).Msg("ServerHang: killing unresponsive worker")
			out = append(out, Escalation{PID: pid, ProcessName: c.ProcessName, Kind: "kill"})

		case delta > k.timeout:
			if c.LoggedForceCore && now.Sub(c.FirstKillAttemptTick) < k.forceCoreWindow {
				continue
			}
			c.LoggedForceCore = true
			c.FirstKillAttemptTick = now
			_ = k.host.ForceCore(pid)
			metrics.ForceCoreEventsTotal.WithLabelValues(c.ProcessName).Inc()
			logger.Warn().Int("pid", pid).Str("process", c.ProcessName).
				Dur("since_keepalive", delta).Msg("ServerHang: forcing core dump on unresponsive worker")
			out = append(out, Escalation{PID: pid, ProcessName: c.ProcessName, Kind: "forceCore"})
		}
	}
	return out
}

// Count reports how many workers are currently tracked, for metrics.
func (k *KeepAliveTracker) Count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.children)
}
