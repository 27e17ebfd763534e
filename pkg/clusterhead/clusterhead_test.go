package clusterhead

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

type fakeSpawner struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeSpawner) RequestSpawn(processName string, options []string, nodeLabel string, spawnDelay time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, processName)
	return 1, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeDB struct {
	sent []wire.Message
}

func (d *fakeDB) Send(msg wire.Message) error {
	d.sent = append(d.sent, msg)
	return nil
}

type fakeWorkers struct {
	mu  sync.Mutex
	got map[uint32][]wire.Message
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{got: make(map[uint32][]wire.Message)}
}

func (w *fakeWorkers) Send(workerID uint32, msg wire.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got[workerID] = append(w.got[workerID], msg)
	return true
}

func (w *fakeWorkers) countFor(id uint32) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.got[id])
}

func newTestHead(spawner SceneSpawner, db DatabaseNotifier, workers WorkerNotifier) *Head {
	return New(Config{
		SceneAuthorityProcess:            "PlanetServer",
		RequestDBSaveOnPlanetServerCrash: true,
		PlanetServerRestartDelay:         5 * time.Second,
	}, spawner, db, workers)
}

// TestAbsentSceneSpawnsOnce: two game workers
// request the same absent scene back to back; exactly one spawn is
// requested, and both workers are notified once the scene is ready.
func TestAbsentSceneSpawnsOnce(t *testing.T) {
	spawner := &fakeSpawner{}
	workers := newFakeWorkers()
	h := newTestHead(spawner, &fakeDB{}, workers)

	require.NoError(t, h.RequestAttach("tatooine", 1))
	require.NoError(t, h.RequestAttach("tatooine", 2))
	assert.Equal(t, 1, spawner.count())
	assert.Equal(t, 2, h.PendingCount("tatooine"))

	require.NoError(t, h.AttachSceneAuthority("tatooine", 500))
	require.NoError(t, h.MarkReady("tatooine", "obj-1", "10.0.0.5", 44000))

	assert.Equal(t, 1, workers.countFor(1))
	assert.Equal(t, 1, workers.countFor(2))
	assert.Equal(t, types.SceneReady, h.SceneState("tatooine"))
	assert.Equal(t, 0, h.PendingCount("tatooine"))
}

// TestReadySceneAnswersImmediately covers the Ready branch of
// RequestAttach: a worker arriving after the scene is already up gets
// SetSceneAuthority without a new spawn request.
func TestReadySceneAnswersImmediately(t *testing.T) {
	spawner := &fakeSpawner{}
	workers := newFakeWorkers()
	h := newTestHead(spawner, &fakeDB{}, workers)

	require.NoError(t, h.AttachSceneAuthority("naboo", 1))
	require.NoError(t, h.MarkReady("naboo", "obj-2", "10.0.0.6", 44001))

	require.NoError(t, h.RequestAttach("naboo", 9))
	assert.Equal(t, 1, workers.countFor(9))
	assert.Equal(t, 0, spawner.count())
}

// TestAuthorityClosedRequestsSaveAndRespawn: a
// Ready scene authority's connection drops, triggering a
// CentralRequestSave and a delayed respawn request.
func TestAuthorityClosedRequestsSaveAndRespawn(t *testing.T) {
	spawner := &fakeSpawner{}
	db := &fakeDB{}
	h := newTestHead(spawner, db, newFakeWorkers())

	require.NoError(t, h.AttachSceneAuthority("dantooine", 1))
	require.NoError(t, h.MarkReady("dantooine", "obj-3", "10.0.0.7", 44002))

	require.NoError(t, h.OnAuthorityClosed("dantooine"))

	require.Len(t, db.sent, 1)
	save, ok := db.sent[0].(*wire.CentralRequestSave)
	require.True(t, ok)
	assert.Equal(t, "dantooine", save.SceneID)

	assert.Equal(t, types.SceneAbsent, h.SceneState("dantooine"))
	assert.Equal(t, 1, spawner.count())
}

// TestAuthorityClosedWithoutSaveFlagSkipsDB checks that
// RequestDBSaveOnPlanetServerCrash=false suppresses the CentralRequestSave.
func TestAuthorityClosedWithoutSaveFlagSkipsDB(t *testing.T) {
	spawner := &fakeSpawner{}
	db := &fakeDB{}
	h := New(Config{SceneAuthorityProcess: "PlanetServer"}, spawner, db, newFakeWorkers())

	require.NoError(t, h.AttachSceneAuthority("endor", 1))
	require.NoError(t, h.MarkReady("endor", "obj-4", "10.0.0.8", 44003))
	require.NoError(t, h.OnAuthorityClosed("endor"))

	assert.Empty(t, db.sent)
	assert.Equal(t, 1, spawner.count())
}

func TestDuplicateRegistrationSupersedesByDefault(t *testing.T) {
	h := newTestHead(&fakeSpawner{}, &fakeDB{}, newFakeWorkers())
	require.NoError(t, h.AttachSceneAuthority("hoth", 1))
	err := h.AttachSceneAuthority("hoth", 2)
	assert.NoError(t, err)
	assert.Equal(t, types.SceneAttaching, h.SceneState("hoth"))
}

func TestDuplicateRegistrationStrictModeErrors(t *testing.T) {
	h := New(Config{
		SceneAuthorityProcess:            "PlanetServer",
		StrictDuplicateSceneRegistration: true,
	}, &fakeSpawner{}, &fakeDB{}, newFakeWorkers())

	require.NoError(t, h.AttachSceneAuthority("hoth", 1))
	err := h.AttachSceneAuthority("hoth", 2)
	assert.Error(t, err)
}

// TestRemovePendingWorker covers a pending worker disconnecting before
// its scene comes up.
func TestRemovePendingWorker(t *testing.T) {
	h := newTestHead(&fakeSpawner{}, &fakeDB{}, newFakeWorkers())
	require.NoError(t, h.RequestAttach("yavin", 1))
	require.NoError(t, h.RequestAttach("yavin", 2))
	require.Equal(t, 2, h.PendingCount("yavin"))

	h.RemovePendingWorker("yavin", 1)
	assert.Equal(t, 1, h.PendingCount("yavin"))
}

func TestMaxPendingPerSceneBounded(t *testing.T) {
	h := New(Config{SceneAuthorityProcess: "PlanetServer", MaxPendingPerScene: 2}, &fakeSpawner{}, &fakeDB{}, newFakeWorkers())
	require.NoError(t, h.RequestAttach("kashyyyk", 1))
	require.NoError(t, h.RequestAttach("kashyyyk", 2))
	err := h.RequestAttach("kashyyyk", 3)
	assert.Error(t, err)
}

func TestPeripheralRegistryCounts(t *testing.T) {
	h := newTestHead(&fakeSpawner{}, &fakeDB{}, newFakeWorkers())
	require.NoError(t, h.RegisterPeripheral(wire.RoleChat, "chat-1"))
	require.NoError(t, h.RegisterPeripheral(wire.RoleConnection, "conn-1"))
	require.NoError(t, h.RegisterPeripheral(wire.RoleDatabase, "db-1"))
	require.NoError(t, h.RegisterPeripheral(wire.RoleDatabase, "db-2"))

	counts := h.Counts()
	assert.Equal(t, 1, counts.ChatServers)
	assert.Equal(t, 1, counts.ConnectionServers)
	assert.Equal(t, 2, counts.DatabaseServers)

	h.UnregisterPeripheral(wire.RoleDatabase, "db-1")
	assert.Equal(t, 1, h.Counts().DatabaseServers)

	err := h.RegisterPeripheral(wire.RoleGame, "worker-1")
	assert.Error(t, err)
}

func TestUploadMetricsSendsStoredProcedureCounters(t *testing.T) {
	db := &fakeDB{}
	h := New(Config{
		SceneAuthorityProcess: "PlanetServer",
		MetricsUploadInterval: time.Minute,
	}, &fakeSpawner{}, db, newFakeWorkers())

	require.NoError(t, h.RegisterPeripheral(wire.RoleChat, "chat-1"))
	require.NoError(t, h.RegisterPeripheral(wire.RoleDatabase, "db-1"))
	h.OnGameWorkerConnected()
	h.OnGameWorkerConnected()
	h.OnGameWorkerDisconnected()
	h.SetLocked(true)

	now := time.Now()
	h.UploadMetrics(now)
	require.Len(t, db.sent, 1)

	upload, ok := db.sent[0].(*wire.CentralMetricsUpload)
	require.True(t, ok, "expected a CentralMetricsUpload, got %T", db.sent[0])
	assert.Equal(t, "postClusterMetrics", upload.Procedure)
	assert.Equal(t, int64(1), upload.Params["numChatServers"])
	assert.Equal(t, int64(1), upload.Params["numDatabaseServers"])
	assert.Equal(t, int64(0), upload.Params["numConnectionServers"])
	assert.Equal(t, int64(1), upload.Params["population"])
	assert.Equal(t, int64(1), upload.Params["isLocked"])
	assert.NotZero(t, upload.Params["clusterStartupTime"])

	// Within the interval nothing further is sent; past it, one more.
	h.UploadMetrics(now.Add(30 * time.Second))
	assert.Len(t, db.sent, 1)
	h.UploadMetrics(now.Add(61 * time.Second))
	assert.Len(t, db.sent, 2)
}

func TestUploadMetricsWithoutDatabaseNotifier(t *testing.T) {
	h := New(Config{SceneAuthorityProcess: "PlanetServer"}, &fakeSpawner{}, nil, newFakeWorkers())
	h.UploadMetrics(time.Now()) // must not panic
}
