package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node/cluster metrics
	NodesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swgcluster_nodes_connected",
			Help: "Number of peer nodes currently connected",
		},
	)

	NodeCurrentLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swgcluster_node_current_load",
			Help: "Current scheduler load reported by each node",
		},
		[]string{"node"},
	)

	NodeMaximumLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swgcluster_node_maximum_load",
			Help: "Maximum scheduler load configured for each node",
		},
		[]string{"node"},
	)

	SystemTimeMismatch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swgcluster_system_time_mismatch",
			Help: "1 when a node's reported wall clock exceeds tolerance, 0 otherwise",
		},
		[]string{"node"},
	)

	// Process/spawn metrics
	ProcessesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swgcluster_processes_running",
			Help: "Number of child processes currently running, by process name",
		},
		[]string{"process"},
	)

	ProcessSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgcluster_process_spawns_total",
			Help: "Total number of process spawn attempts by process name and outcome",
		},
		[]string{"process", "outcome"},
	)

	ProcessDeathsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgcluster_process_deaths_total",
			Help: "Total number of observed process exits by process name",
		},
		[]string{"process"},
	)

	SpawnLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swgcluster_spawn_latency_seconds",
			Help:    "Time between a spawn request and its acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutstandingSpawnAcks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swgcluster_outstanding_spawn_acks",
			Help: "Number of spawn requests awaiting acknowledgment cluster-wide",
		},
	)

	QueuedSpawnRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swgcluster_queued_spawn_requests",
			Help: "Number of spawn requests the scheduler could not place",
		},
	)

	// Keep-alive / liveness metrics
	ForceCoreEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgcluster_force_core_events_total",
			Help: "Total number of forceCore escalations issued, by process name",
		},
		[]string{"process"},
	)

	KillEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgcluster_kill_events_total",
			Help: "Total number of kill escalations issued, by process name",
		},
		[]string{"process"},
	)

	// Scene / cluster head metrics
	ScenesReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swgcluster_scenes_ready",
			Help: "Number of scenes currently in the ready state",
		},
	)

	ScenesAttaching = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swgcluster_scenes_attaching",
			Help: "Number of scenes currently attaching a scene authority",
		},
	)

	PendingSceneAttachments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swgcluster_pending_scene_attachments",
			Help: "Number of game workers waiting on a scene to become ready, by scene",
		},
		[]string{"scene"},
	)

	// Forwarding gateway metrics
	ForwardingBufferDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swgcluster_forwarding_buffer_depth",
			Help: "Bytes currently buffered in a forwarding context awaiting BeginForward destinations",
		},
		[]string{"connection"},
	)

	ForwardingFramesForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgcluster_forwarding_frames_forwarded_total",
			Help: "Total number of frames forwarded to a destination worker",
		},
		[]string{"worker"},
	)

	ForwardingProtocolFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgcluster_forwarding_protocol_faults_total",
			Help: "Total number of forwarding protocol faults by kind (buffer_overflow, unbalanced_end)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(NodesConnected)
	prometheus.MustRegister(NodeCurrentLoad)
	prometheus.MustRegister(NodeMaximumLoad)
	prometheus.MustRegister(SystemTimeMismatch)

	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(ProcessSpawnsTotal)
	prometheus.MustRegister(ProcessDeathsTotal)
	prometheus.MustRegister(SpawnLatency)
	prometheus.MustRegister(OutstandingSpawnAcks)
	prometheus.MustRegister(QueuedSpawnRequests)

	prometheus.MustRegister(ForceCoreEventsTotal)
	prometheus.MustRegister(KillEventsTotal)

	prometheus.MustRegister(ScenesReady)
	prometheus.MustRegister(ScenesAttaching)
	prometheus.MustRegister(PendingSceneAttachments)

	prometheus.MustRegister(ForwardingBufferDepth)
	prometheus.MustRegister(ForwardingFramesForwardedTotal)
	prometheus.MustRegister(ForwardingProtocolFaultsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
