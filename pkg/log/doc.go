/*
Package log provides structured logging for the control plane using
zerolog: JSON-structured output, component-specific child loggers, and
a configurable level, shared by the supervisor, the scheduler, the
cluster head, and the forwarding gateway.

# Architecture

	Global Logger (zerolog instance, initialized via log.Init())
	     │
	     ▼
	Component loggers (WithComponent, WithNodeID, WithSceneID, WithPID, ...)

Each component logger is a child of the global logger with one
additional field attached, so every record can be filtered by the
identifier that matters for that subsystem: a node label for the
supervisor, a scene id for the cluster head, a pid for the keep-alive
monitor.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	nodeLog := log.WithNodeID("node-a")
	nodeLog.Info().Msg("supervisor started")

	sceneLog := log.WithSceneID("tatooine")
	sceneLog.Warn().Msg("scene authority connection closed")

# Levels

debug, info, warn, and error map directly onto zerolog's levels;
Init(cfg) sets the process-wide minimum level once at startup. There is
no dynamic level reload: a level change requires a restart, matching
how the rest of the control plane treats configuration as loaded once
per process lifetime.
*/
package log
