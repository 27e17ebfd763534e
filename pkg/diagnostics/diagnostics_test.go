package diagnostics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgcluster/controlplane/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "diag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecentOrdering(t *testing.T) {
	s := openTestStore(t)

	for i, typ := range []string{"ProcessStarted", "ProcessDied", "SceneReady"} {
		require.NoError(t, s.Append(types.DiagnosticEvent{
			Type:      typ,
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Message:   typ,
		}))
	}

	events, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "SceneReady", events[0].Type)
	assert.Equal(t, "ProcessDied", events[1].Type)
	assert.Equal(t, "ProcessStarted", events[2].Type)
}

func TestRecentRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(types.DiagnosticEvent{Type: "ProcessStarted"}))
	}
	events, err := s.Recent(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAppendAssignsID(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append(types.DiagnosticEvent{Type: "ProcessStarted"}))
	events, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
}
