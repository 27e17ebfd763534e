/*
Package events provides an in-memory event broker for control-plane
occurrences: process lifecycle transitions, scene attach/detach state
changes, node connectivity changes, and time-sync mismatches.

# Architecture

The broker is topic-agnostic pub/sub with buffered channels, matching
the rest of the control plane's preference for non-blocking internal
messaging:

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each)

A full subscriber channel drops the event rather than blocking the
broadcast loop; events are diagnostics, not state the rest of the
system depends on arriving. Durable history is a subscriber's job:
pkg/diagnostics' Recorder subscribes at process startup and persists
every published event, so publishers never write the store directly.

# Event types

  - process.started / process.aborted / process.died: ChildProcess
    lifecycle on a single node's supervisor.
  - process.hang: emitted on both keep-alive escalation tiers
    (forceCore and kill), carrying which tier in Metadata.
  - node.joined / node.left: a peer connection forming or dropping.
  - scene.attaching / scene.ready / scene.absent: cluster head scene
    lifecycle transitions.
  - system.time_mismatch: a slave's wall clock diverged from the
    master's beyond tolerance.
  - spawn.queued / spawn.failed / spawn.ack_resync: scheduler and
    process-host placement bookkeeping.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:    events.EventProcessDied,
		Message: "SwgGameServer_7 exited",
	})
*/
package events
