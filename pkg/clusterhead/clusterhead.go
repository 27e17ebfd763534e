package clusterhead

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

// SceneSpawner asks the local supervisor to place a new scene
// authority on any node when a worker wants a scene nobody is
// serving. pkg/scheduler's Scheduler.RequestSpawn satisfies this.
type SceneSpawner interface {
	RequestSpawn(processName string, options []string, nodeLabel string, spawnDelay time.Duration) (pid int, err error)
}

// DatabaseNotifier sends messages to a connected database worker, e.g.
// CentralRequestSave ahead of a scene authority restart.
type DatabaseNotifier interface {
	Send(msg wire.Message) error
}

// WorkerNotifier delivers a message to a single pending game worker by
// id, reporting false if that worker is no longer connected.
type WorkerNotifier interface {
	Send(workerID uint32, msg wire.Message) bool
}

// Config carries the cluster head's policy tunables.
type Config struct {
	// SceneAuthorityProcess is the catalog entry name spawned for a new
	// scene authority ("PlanetServer" in the source system).
	SceneAuthorityProcess string

	RequestDBSaveOnPlanetServerCrash bool
	// PlanetServerRestartDelay is the delay before a respawn is
	// requested after a scene authority's connection drops.
	PlanetServerRestartDelay time.Duration

	// MaxPendingPerScene bounds the pending-attachment queue so a scene
	// authority that never comes back up can't accumulate unbounded
	// waiting workers. 0 uses a default.
	MaxPendingPerScene int

	// StrictDuplicateSceneRegistration turns a duplicate
	// AttachSceneAuthority into a hard error instead of a logged
	// supersede, for debug deployments that want the fault loud.
	StrictDuplicateSceneRegistration bool

	// MetricsUploadInterval is the cadence of the CentralMetricsUpload
	// stored-procedure invocation to the database worker. 0
	// uses a default.
	MetricsUploadInterval time.Duration
}

const (
	defaultMaxPendingPerScene    = 256
	defaultMetricsUploadInterval = time.Minute

	// metricsUploadProcedure is the stored procedure the database worker
	// binds the uploaded counters to.
	metricsUploadProcedure = "postClusterMetrics"
)

// Head is the cluster head's scene topology and peripheral-worker
// registry. One instance runs per cluster, in the process the master
// supervisor spawns for the CentralServer role.
type Head struct {
	cfg     Config
	spawner SceneSpawner
	db      DatabaseNotifier
	workers WorkerNotifier
	logger  zerolog.Logger

	startedAt time.Time

	mu     sync.Mutex
	scenes map[string]*types.SceneRecord

	chatServers       map[string]bool
	connectionServers map[string]bool
	databaseServers   map[string]bool

	gameWorkers       int
	locked            bool
	lastMetricsUpload time.Time
}

// New constructs a Head. db may be nil to run without a database
// worker link; both the crash-save and the metrics upload are then
// skipped.
func New(cfg Config, spawner SceneSpawner, db DatabaseNotifier, workers WorkerNotifier) *Head {
	if cfg.MaxPendingPerScene <= 0 {
		cfg.MaxPendingPerScene = defaultMaxPendingPerScene
	}
	if cfg.MetricsUploadInterval <= 0 {
		cfg.MetricsUploadInterval = defaultMetricsUploadInterval
	}
	return &Head{
		startedAt:         time.Now(),
		cfg:               cfg,
		spawner:           spawner,
		db:                db,
		workers:           workers,
		logger:            log.WithComponent("clusterhead"),
		scenes:            make(map[string]*types.SceneRecord),
		chatServers:       make(map[string]bool),
		connectionServers: make(map[string]bool),
		databaseServers:   make(map[string]bool),
	}
}

func (h *Head) sceneLocked(sceneID string) *types.SceneRecord {
	rec, ok := h.scenes[sceneID]
	if !ok {
		rec = &types.SceneRecord{SceneID: sceneID, State: types.SceneAbsent}
		h.scenes[sceneID] = rec
	}
	return rec
}

// AttachSceneAuthority registers connID as authority for sceneID,
// transitioning Absent/Ready -> Attaching. A registration over an
// already-Attaching-or-Ready record is a duplicate-registration fault:
// logged and superseded by
// default, or returned as an error when StrictDuplicateSceneRegistration
// is set.
func (h *Head) AttachSceneAuthority(sceneID string, connID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.sceneLocked(sceneID)
	if rec.State != types.SceneAbsent {
		if h.cfg.StrictDuplicateSceneRegistration {
			return fmt.Errorf("clusterhead: duplicate AttachSceneAuthority for scene %q", sceneID)
		}
		h.logger.Warn().Str("scene", sceneID).Msg("duplicate scene authority registration, superseding")
	}

	rec.State = types.SceneAttaching
	rec.AuthorityConn = connID
	rec.AuthoritySpawnRequested = true
	rec.AttachedAt = time.Now()

	h.logger.Info().Str("scene", sceneID).Uint64("conn", connID).Msg("scene authority attaching")
	return nil
}

// MarkReady transitions sceneID Attaching -> Ready on receipt of
// PlanetObjectIdMessage, and notifies every pending game worker with a
// SetSceneAuthority message, exactly once each.
func (h *Head) MarkReady(sceneID, planetObjectID, address string, port int) error {
	h.mu.Lock()
	rec, ok := h.scenes[sceneID]
	if !ok || rec.State != types.SceneAttaching {
		h.mu.Unlock()
		return fmt.Errorf("clusterhead: PlanetObjectIdMessage for scene %q not in attaching state", sceneID)
	}
	rec.State = types.SceneReady
	rec.PlanetObjectID = planetObjectID
	rec.Address = address
	rec.Port = port
	pending := rec.Pending
	rec.Pending = nil
	h.mu.Unlock()

	for _, p := range pending {
		h.workers.Send(p.WorkerID, &wire.SetSceneAuthority{SceneID: sceneID, Address: address, Port: port})
	}
	h.logger.Info().Str("scene", sceneID).Int("notified", len(pending)).Msg("scene authority ready")
	return nil
}

// RequestAttach handles a game worker's request to attach to sceneID:
//   - Ready: the worker is told immediately.
//   - Attaching: the worker is parked in the pending list.
//   - Absent: the worker is parked, and a scene authority is requested
//     on "any" node, at most once per Absent period, so two workers
//     requesting the same absent scene back-to-back produce exactly one
//     TaskSpawnProcess.
func (h *Head) RequestAttach(sceneID string, workerID uint32) error {
	h.mu.Lock()
	rec := h.sceneLocked(sceneID)

	switch rec.State {
	case types.SceneReady:
		addr, port := rec.Address, rec.Port
		h.mu.Unlock()
		h.workers.Send(workerID, &wire.SetSceneAuthority{SceneID: sceneID, Address: addr, Port: port})
		return nil

	case types.SceneAttaching:
		if len(rec.Pending) >= h.cfg.MaxPendingPerScene {
			h.mu.Unlock()
			return fmt.Errorf("clusterhead: scene %q has too many pending attachments (%d)", sceneID, h.cfg.MaxPendingPerScene)
		}
		rec.Pending = append(rec.Pending, types.PendingAttachment{WorkerID: workerID, RequestedAt: time.Now()})
		h.mu.Unlock()
		return nil

	default: // Absent
		if len(rec.Pending) >= h.cfg.MaxPendingPerScene {
			h.mu.Unlock()
			return fmt.Errorf("clusterhead: scene %q has too many pending attachments (%d)", sceneID, h.cfg.MaxPendingPerScene)
		}
		needSpawn := !rec.AuthoritySpawnRequested
		rec.AuthoritySpawnRequested = true
		rec.Pending = append(rec.Pending, types.PendingAttachment{WorkerID: workerID, RequestedAt: time.Now()})
		h.mu.Unlock()

		if needSpawn {
			if _, err := h.spawner.RequestSpawn(h.cfg.SceneAuthorityProcess, []string{"-scene", sceneID}, "any", 0); err != nil {
				h.logger.Error().Err(err).Str("scene", sceneID).Msg("failed to request scene authority spawn")
				return err
			}
		}
		return nil
	}
}

// RemovePendingWorker removes workerID from sceneID's pending list, for
// when the worker disconnects before the scene becomes ready.
func (h *Head) RemovePendingWorker(sceneID string, workerID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.scenes[sceneID]
	if !ok {
		return
	}
	for i, p := range rec.Pending {
		if p.WorkerID == workerID {
			rec.Pending = append(rec.Pending[:i], rec.Pending[i+1:]...)
			return
		}
	}
}

// OnAuthorityClosed handles a scene authority's connection dropping:
// transition to Absent, optionally request a pre-restart database save,
// and ask the supervisor to respawn a new authority after the
// configured restart delay.
func (h *Head) OnAuthorityClosed(sceneID string) error {
	h.mu.Lock()
	rec, ok := h.scenes[sceneID]
	if !ok || rec.State == types.SceneAbsent {
		h.mu.Unlock()
		return nil
	}
	wasReady := rec.State == types.SceneReady
	rec.State = types.SceneAbsent
	rec.AuthorityConn = 0
	rec.Address, rec.Port = "", 0
	rec.AuthoritySpawnRequested = true // a respawn is requested below
	h.mu.Unlock()

	h.logger.Warn().Str("scene", sceneID).Msg("scene authority connection closed")

	if wasReady && h.cfg.RequestDBSaveOnPlanetServerCrash && h.db != nil {
		if err := h.db.Send(&wire.CentralRequestSave{SceneID: sceneID}); err != nil {
			h.logger.Error().Err(err).Str("scene", sceneID).Msg("failed to send CentralRequestSave")
		}
	}

	_, err := h.spawner.RequestSpawn(h.cfg.SceneAuthorityProcess, []string{"-scene", sceneID}, "any", h.cfg.PlanetServerRestartDelay)
	if err != nil {
		h.logger.Error().Err(err).Str("scene", sceneID).Msg("failed to schedule scene authority respawn")
	}
	return err
}

// SceneState reports a scene's current lifecycle state, mainly for
// tests and the operator dashboard.
func (h *Head) SceneState(sceneID string) types.SceneState {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.scenes[sceneID]
	if !ok {
		return types.SceneAbsent
	}
	return rec.State
}

// PendingCount reports how many workers are waiting on sceneID.
func (h *Head) PendingCount(sceneID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.scenes[sceneID]
	if !ok {
		return 0
	}
	return len(rec.Pending)
}

// PeripheralCounts is the dashboard tally of registered peripheral
// workers, used for the operator dashboard and never for routing
// decisions.
type PeripheralCounts struct {
	ChatServers       int
	ConnectionServers int
	DatabaseServers   int
}

// RegisterPeripheral records id as a registered worker of role, for the
// operator dashboard and metrics upload. Only Chat,
// Connection and Database roles register this way.
func (h *Head) RegisterPeripheral(role wire.Role, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch role {
	case wire.RoleChat:
		h.chatServers[id] = true
	case wire.RoleConnection:
		h.connectionServers[id] = true
	case wire.RoleDatabase:
		h.databaseServers[id] = true
	default:
		return fmt.Errorf("clusterhead: role %q does not register as a peripheral worker", role)
	}
	return nil
}

// UnregisterPeripheral removes id from role's registry, typically on
// connection close.
func (h *Head) UnregisterPeripheral(role wire.Role, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch role {
	case wire.RoleChat:
		delete(h.chatServers, id)
	case wire.RoleConnection:
		delete(h.connectionServers, id)
	case wire.RoleDatabase:
		delete(h.databaseServers, id)
	}
}

// Counts returns the current peripheral worker tally.
func (h *Head) Counts() PeripheralCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return PeripheralCounts{
		ChatServers:       len(h.chatServers),
		ConnectionServers: len(h.connectionServers),
		DatabaseServers:   len(h.databaseServers),
	}
}

// OnGameWorkerConnected records a game worker joining, for the
// population figure in the metrics upload.
func (h *Head) OnGameWorkerConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gameWorkers++
}

// OnGameWorkerDisconnected records a game worker leaving.
func (h *Head) OnGameWorkerDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gameWorkers > 0 {
		h.gameWorkers--
	}
}

// SetLocked flips the cluster's operator lock flag, reported as the
// isLocked parameter of the metrics upload.
func (h *Head) SetLocked(locked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locked = locked
}

// UploadMetrics sends the dashboard counters to the database worker as
// a CentralMetricsUpload stored-procedure invocation, at most
// once per MetricsUploadInterval. A missing database worker is not an
// error; the upload is retried at the next due interval.
func (h *Head) UploadMetrics(now time.Time) {
	if h.db == nil {
		return
	}
	h.mu.Lock()
	due := h.lastMetricsUpload.IsZero() || now.Sub(h.lastMetricsUpload) >= h.cfg.MetricsUploadInterval
	if due {
		h.lastMetricsUpload = now
	}
	var ready, attaching int
	for _, rec := range h.scenes {
		switch rec.State {
		case types.SceneReady:
			ready++
		case types.SceneAttaching:
			attaching++
		}
	}
	locked := int64(0)
	if h.locked {
		locked = 1
	}
	params := map[string]int64{
		"numChatServers":       int64(len(h.chatServers)),
		"numConnectionServers": int64(len(h.connectionServers)),
		"numDatabaseServers":   int64(len(h.databaseServers)),
		"population":           int64(h.gameWorkers),
		"numScenesReady":       int64(ready),
		"numScenesAttaching":   int64(attaching),
		"isLocked":             locked,
		"clusterStartupTime":   h.startedAt.Unix(),
	}
	h.mu.Unlock()
	if !due {
		return
	}

	if err := h.db.Send(&wire.CentralMetricsUpload{Procedure: metricsUploadProcedure, Params: params}); err != nil {
		h.logger.Debug().Err(err).Msg("metrics upload skipped, no database worker reachable")
	}
}

// NodeStates satisfies metrics.ClusterView. The cluster head runs as
// its own process (spawned by the master supervisor) and has no view
// of node-level load; pkg/supervisor's Supervisor is the ClusterView
// that reports this.
func (h *Head) NodeStates() []types.NodeGossipState { return nil }

// RunningProcessCounts satisfies metrics.ClusterView. Scene authorities
// are tracked by scene, not by process name; pkg/supervisor reports
// per-process counts.
func (h *Head) RunningProcessCounts() map[string]int { return nil }

// SceneCounts satisfies metrics.ClusterView, reporting the number of
// scenes in each of the Ready/Attaching states.
func (h *Head) SceneCounts() (ready, attaching int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.scenes {
		switch rec.State {
		case types.SceneReady:
			ready++
		case types.SceneAttaching:
			attaching++
		}
	}
	return ready, attaching
}

// PendingAttachmentCounts satisfies metrics.ClusterView, reporting the
// pending-worker queue depth for every scene that has one.
func (h *Head) PendingAttachmentCounts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.scenes))
	for sceneID, rec := range h.scenes {
		out[sceneID] = len(rec.Pending)
	}
	return out
}
