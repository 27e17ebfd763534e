package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	terminated []int
	forceCored []int
}

func (h *fakeHost) Terminate(pid int) error {
	h.terminated = append(h.terminated, pid)
	return nil
}

func (h *fakeHost) ForceCore(pid int) error {
	h.forceCored = append(h.forceCored, pid)
	return nil
}

func (h *fakeHost) ReadCommandLine(pid int) (string, bool) { return "", false }

// TestHungWorkerEscalation: a worker's last
// keep-alive is at t=0 with a 30s timeout. At t=31 (30<Δ≤60) only
// forceCore fires; nothing more happens until t=61 (Δ>60) when kill
// fires.
func TestHungWorkerEscalation(t *testing.T) {
	host := &fakeHost{}
	tracker := NewKeepAliveTracker(host, 30*time.Second, 60*time.Second)

	base := time.Unix(0, 0)
	tracker.OnKeepAlive(100, base)

	esc := tracker.CheckTimeouts(base.Add(31 * time.Second))
	require.Len(t, esc, 1)
	assert.Equal(t, "forceCore", esc[0].Kind)
	assert.Equal(t, []int{100}, host.forceCored)
	assert.Empty(t, host.terminated)

	// Nothing new between t=31 and t=61 within the force-core window.
	esc = tracker.CheckTimeouts(base.Add(45 * time.Second))
	assert.Empty(t, esc)
	assert.Len(t, host.forceCored, 1)

	esc = tracker.CheckTimeouts(base.Add(61 * time.Second))
	require.Len(t, esc, 1)
	assert.Equal(t, "kill", esc[0].Kind)
	assert.Equal(t, []int{100}, host.terminated)

	// Kill only ever fires once, even on later ticks.
	esc = tracker.CheckTimeouts(base.Add(120 * time.Second))
	assert.Empty(t, esc)
	assert.Len(t, host.terminated, 1)
}

// TestForceCoreRepeatsAfterWindow checks that a worker stuck in the
// (timeout, 2*timeout] band gets forceCore'd again once the
// configured window elapses, keeping forceCore to at most one per
// window.
func TestForceCoreRepeatsAfterWindow(t *testing.T) {
	host := &fakeHost{}
	tracker := NewKeepAliveTracker(host, 100*time.Second, 10*time.Second)

	base := time.Unix(0, 0)
	tracker.OnKeepAlive(5, base)

	esc := tracker.CheckTimeouts(base.Add(150 * time.Second))
	require.Len(t, esc, 1)
	assert.Equal(t, "forceCore", esc[0].Kind)

	esc = tracker.CheckTimeouts(base.Add(155 * time.Second))
	assert.Empty(t, esc)

	esc = tracker.CheckTimeouts(base.Add(165 * time.Second))
	require.Len(t, esc, 1)
	assert.Equal(t, "forceCore", esc[0].Kind)
	assert.Len(t, host.forceCored, 2)
}

// TestKeepAliveBackwardsIsIgnored covers the clock-skew invariant: a
// keep-alive earlier than the last recorded one must not reset the
// timeout clock.
func TestKeepAliveBackwardsIsIgnored(t *testing.T) {
	host := &fakeHost{}
	tracker := NewKeepAliveTracker(host, 10*time.Second, 60*time.Second)

	base := time.Unix(1000, 0)
	tracker.OnKeepAlive(1, base)
	tracker.OnKeepAlive(1, base.Add(-5*time.Second))

	esc := tracker.CheckTimeouts(base.Add(11 * time.Second))
	require.Len(t, esc, 1)
	assert.Equal(t, "forceCore", esc[0].Kind)
}

func TestForgetClearsState(t *testing.T) {
	host := &fakeHost{}
	tracker := NewKeepAliveTracker(host, 10*time.Second, 60*time.Second)
	base := time.Unix(0, 0)
	tracker.OnKeepAlive(9, base)
	assert.Equal(t, 1, tracker.Count())
	tracker.Forget(9)
	assert.Equal(t, 0, tracker.Count())
}
