/*
Package metrics provides Prometheus metrics collection and exposition
for the control plane: node connectivity and load, process spawn
outcomes, keep-alive escalations, scene lifecycle counts, and
forwarding gateway buffer depth.

# Architecture

	Prometheus Registry (global, MustRegister at package init)
	     │
	     ▼
	Package-level Gauge/Counter/Histogram vars, one per observable
	     │
	     ▼
	Collector: polls a ClusterView on a 15s interval and republishes
	aggregate state (node load, running process counts, scene counts)
	     │
	     ▼
	metrics.Handler(): promhttp handler for /metrics

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	// ... perform a spawn ...
	timer.ObserveDuration(metrics.SpawnLatency)

	metrics.ForceCoreEventsTotal.WithLabelValues("SwgGameServer_7").Inc()

Metrics are additive observability: nothing in the control plane reads
its own metrics back to make a decision, so a scrape outage never
changes cluster behavior.
*/
package metrics
