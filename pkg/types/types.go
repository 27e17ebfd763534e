// Package types holds the data model shared across the control plane:
// the node supervisor, the scheduler, the cluster head, and the
// forwarding gateway all operate on these structures rather than on
// wire messages directly.
package types

import "time"

// RuntimeKind selects how a ProcessHost actually launches a process.
type RuntimeKind string

const (
	RuntimeExec       RuntimeKind = "exec"
	RuntimeContainerd RuntimeKind = "containerd"
)

// ProcessTemplate is a spawnable process definition loaded once from the
// node's catalog file at startup. Immutable after load.
type ProcessTemplate struct {
	Name           string
	TargetHost     string // "local", "any", a node label, or a resolved IP
	Executable     string
	DefaultOptions []string
	Runtime        RuntimeKind
	LoadCost       float64
	RestartDelay   time.Duration // 0 means "not auto-restarted"
}

// ChildProcess is a process spawned locally by this node's supervisor.
type ChildProcess struct {
	ProcessName          string
	CommandLine          []string
	PID                  int
	NodeLabel            string
	SpawnedAt            time.Time
	LastKeepAliveTick     time.Time
	FirstKillAttemptTick time.Time
	LoggedKill           bool
	LoggedForceCore      bool
}

// NodeEntry is a member of the cluster's static node set, loaded once at
// startup and identified across the cluster by Label.
type NodeEntry struct {
	Address string
	Label    string
	Index    int
}

// NodeGossipState is the per-node load/connectivity view the scheduler
// and the master's dashboard operate on.
type NodeGossipState struct {
	Label            string
	Connected        bool
	CurrentLoad      float64
	MaximumLoad      float64
	LastHeartbeat    time.Time
	LastWallClockSec int64
	TimeMismatch     bool
}

// SceneState is the lifecycle state of a Scene/Planet Record on the
// cluster head, per the attach/detach state machine.
type SceneState string

const (
	SceneAbsent    SceneState = "absent"
	SceneAttaching SceneState = "attaching"
	SceneReady     SceneState = "ready"
)

// PendingAttachment is a game worker waiting for a scene authority to
// become Ready.
type PendingAttachment struct {
	WorkerID    uint32
	RequestedAt time.Time
}

// SceneRecord is the cluster head's authoritative record for one scene.
type SceneRecord struct {
	SceneID        string
	State          SceneState
	AuthorityConn  uint64 // opaque connection identifier, 0 when absent
	PlanetObjectID string
	Address        string // scene authority's address, valid once Ready
	Port           int    // scene authority's port, valid once Ready
	Pending        []PendingAttachment

	// AuthoritySpawnRequested tracks whether a TaskSpawnProcess has
	// already been sent for this scene while it sits Absent, so two
	// game workers requesting the same absent scene back-to-back only
	// trigger one spawn.
	AuthoritySpawnRequested bool
	AttachedAt              time.Time
}

// ForwardingContext is one stack frame of a forwarding gateway
// connection.
type ForwardingContext struct {
	Destinations   []uint32
	BeginCount     int
	BufferedFrames [][]byte
	BufferedBytes  int
}

// OutstandingSpawnAck is a spawn the master has sent to a peer and not
// yet seen acknowledged.
type OutstandingSpawnAck struct {
	TargetNodeLabel   string
	SerializedRequest []byte
	TransactionID     uint64
	QueuedAt          time.Time
}

// RestartRequest is a crashed always-restart process queued for
// respawn.
type RestartRequest struct {
	ProcessName string
	Options     []string
	CommandLine string
	TimeQueued  time.Time
	Delay       time.Duration
}

// QueuedSpawnRequest is a spawn the scheduler could not place anywhere
// and will retry on the next tick.
type QueuedSpawnRequest struct {
	ProcessName string
	Options     []string
	NodeLabel   string
	TimeQueued  time.Time
	SpawnDelay  time.Duration
}

// DiagnosticEvent is a structured, loggable control-plane occurrence
// (ProcessStarted, ServerHang, SystemTimeMismatch, ...), kept locally by
// pkg/diagnostics for operator inspection. It is never authoritative
// cluster state.
type DiagnosticEvent struct {
	ID        string
	Type      string
	Timestamp time.Time
	Message   string
	Fields    map[string]string
}
