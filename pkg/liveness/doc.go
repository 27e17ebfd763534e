// Package liveness implements worker keep-alive timeout
// detection with escalation (forceCore, then kill), and the
// always-restart queue that respawns crashed processes belonging to a
// configured always-restart class, promoting at most one per tick.
package liveness
