package metrics

import (
	"time"

	"github.com/swgcluster/controlplane/pkg/types"
)

// ClusterView is the read-only slice of cluster state a Collector
// polls on an interval. pkg/supervisor's Supervisor and pkg/clusterhead's
// Head both satisfy it.
type ClusterView interface {
	NodeStates() []types.NodeGossipState
	RunningProcessCounts() map[string]int
	SceneCounts() (ready, attaching int)
	PendingAttachmentCounts() map[string]int
}

// Collector polls a ClusterView on an interval and republishes it as
// Prometheus gauges, the way the original master's periodic dashboard
// refresh worked, but exported instead of printed.
type Collector struct {
	view   ClusterView
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over view.
func NewCollector(view ClusterView) *Collector {
	return &Collector{
		view:   view,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds, matching the
// polling cadence most Prometheus scrape configs expect.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectProcessMetrics()
	c.collectSceneMetrics()
}

func (c *Collector) collectNodeMetrics() {
	states := c.view.NodeStates()
	connected := 0
	for _, s := range states {
		if s.Connected {
			connected++
		}
		NodeCurrentLoad.WithLabelValues(s.Label).Set(s.CurrentLoad)
		NodeMaximumLoad.WithLabelValues(s.Label).Set(s.MaximumLoad)
		if s.TimeMismatch {
			SystemTimeMismatch.WithLabelValues(s.Label).Set(1)
		} else {
			SystemTimeMismatch.WithLabelValues(s.Label).Set(0)
		}
	}
	NodesConnected.Set(float64(connected))
}

func (c *Collector) collectProcessMetrics() {
	for name, count := range c.view.RunningProcessCounts() {
		ProcessesRunning.WithLabelValues(name).Set(float64(count))
	}
}

func (c *Collector) collectSceneMetrics() {
	ready, attaching := c.view.SceneCounts()
	ScenesReady.Set(float64(ready))
	ScenesAttaching.Set(float64(attaching))

	for scene, count := range c.view.PendingAttachmentCounts() {
		PendingSceneAttachments.WithLabelValues(scene).Set(float64(count))
	}
}
