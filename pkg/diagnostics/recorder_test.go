package diagnostics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/events"
)

func TestRecorderPersistsPublishedEvents(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "diag.db"))
	require.NoError(t, err)
	defer store.Close()

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	recorder := NewRecorder(store, bus)
	recorder.Start()
	defer recorder.Stop()

	bus.Publish(&events.Event{
		Type:     events.EventProcessStarted,
		Message:  "SwgGameServer_7 started as pid 4242",
		Metadata: map[string]string{"process": "SwgGameServer_7", "host": "node0"},
	})

	var got []string
	require.Eventually(t, func() bool {
		recent, err := store.Recent(10)
		if err != nil {
			return false
		}
		got = got[:0]
		for _, e := range recent {
			got = append(got, e.Type)
		}
		return len(recent) == 1
	}, 2*time.Second, 10*time.Millisecond, "expected the published event to reach the store")

	assert.Equal(t, []string{string(events.EventProcessStarted)}, got)

	recent, err := store.Recent(10)
	require.NoError(t, err)
	assert.Equal(t, "SwgGameServer_7 started as pid 4242", recent[0].Message)
	assert.Equal(t, "node0", recent[0].Fields["host"])
	assert.NotEmpty(t, recent[0].ID, "the store assigns an ID when the event carries none")
}
