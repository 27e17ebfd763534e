// Package clusterhead implements the fleet coordinator (Central Server):
// the single authoritative source for which scene authority is running
// where, the attach/detach state machine per scene, the pending game
// worker queue for scenes still coming up, and the registries of
// peripheral workers (chat, connection gateway, database) used only for
// the operator dashboard, never for routing decisions.
package clusterhead
