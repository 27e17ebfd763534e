package liveness

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/types"
)

// NoRestartSentinel is the file whose presence on this node disables
// every automatic restart.
const NoRestartSentinel = ".norestart"

// ClassLookup reports whether processName belongs to one of the
// always-restart classes and, if so, its configured restart delay.
// pkg/catalog's RestartClass satisfies this.
type ClassLookup func(processName string) (delay time.Duration, ok bool)

// RestartQueue implements the automatic restart policy: a crashed process
// belonging to an always-restart class (CentralServer, LogServer,
// MetricsServer, CommoditiesServer/CommodityServer, TransferServer) is
// queued for respawn and promoted at most once per tick, so a wave of
// simultaneous crashes doesn't reprovision everything at once.
type RestartQueue struct {
	lookup       ClassLookup
	sentinelPath string

	mu             sync.Mutex
	pending        []types.RestartRequest
	restartCentral bool
}

// centralFamily is the one always-restart class whose respawn is
// additionally gated by configuration rather than unconditional.
const centralFamily = "CentralServer"

// NewRestartQueue constructs a queue. An empty sentinelPath defaults to
// NoRestartSentinel resolved relative to the process's working
// directory. CentralServer restarts start enabled; see
// SetCentralRestart.
func NewRestartQueue(lookup ClassLookup, sentinelPath string) *RestartQueue {
	if sentinelPath == "" {
		sentinelPath = NoRestartSentinel
	}
	return &RestartQueue{lookup: lookup, sentinelPath: sentinelPath, restartCentral: true}
}

// SetCentralRestart toggles automatic respawn of the CentralServer
// family, the one restart class gated by configuration.
func (q *RestartQueue) SetCentralRestart(enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restartCentral = enabled
}

// OnProcessExited considers an exited process for automatic restart. It
// is a no-op when the sentinel file is present or processName doesn't
// match an always-restart class.
func (q *RestartQueue) OnProcessExited(processName string, options []string, commandLine string, now time.Time) {
	restartLogger := log.WithComponent("liveness")
	if _, err := os.Stat(q.sentinelPath); err == nil {
		restartLogger.Info().
			Str("process", processName).
			Msg("restart suppressed by .norestart sentinel")
		return
	}
	delay, ok := q.lookup(processName)
	if !ok {
		return
	}

	q.mu.Lock()
	if !q.restartCentral && strings.Contains(processName, centralFamily) {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, types.RestartRequest{
		ProcessName: processName,
		Options:     options,
		CommandLine: commandLine,
		TimeQueued:  now,
		Delay:       delay,
	})
	q.mu.Unlock()

	restartLogger.Info().
		Str("process", processName).
		Dur("delay", delay).
		Msg("queued automatic restart")
}

// PromoteOne promotes at most one eligible restart request per call.
// ok is false when nothing in the queue is eligible yet.
func (q *RestartQueue) PromoteOne(now time.Time) (req types.RestartRequest, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.pending {
		if r.TimeQueued.Add(r.Delay).After(now) {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		return r, true
	}
	return types.RestartRequest{}, false
}

// PendingCount reports how many restarts are currently queued, for
// metrics and diagnostics.
func (q *RestartQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
