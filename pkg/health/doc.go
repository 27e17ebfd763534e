/*
Package health provides reachability probing for peer control-plane
connections. A node's supervisor uses a TCPChecker against a peer's
address to decide whether a dropped
connection is ready to be redialed, rather than retrying blindly on a
fixed interval regardless of whether the peer is actually listening.

# Architecture

	Checker interface
	  - Check(ctx) Result
	  - Type() CheckType

	TCPChecker: dials the peer's TCP address with a bounded timeout.

# Usage

	checker := health.NewTCPChecker("10.0.0.2:5100").WithTimeout(2 * time.Second)
	status := health.NewStatus()

	for range time.Tick(time.Second) {
	    status.Update(checker.Check(ctx), health.DefaultConfig())
	    if status.Healthy {
	        // safe to redial
	    }
	}
*/
package health
