package provider_test

import (
	"testing"

	"github.com/effective-security/toolgate/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNSTARTED", provider.Unstarted.String())
	assert.Equal(t, "STARTING", provider.Starting.String())
	assert.Equal(t, "READY", provider.Ready.String())
	assert.Equal(t, "DEGRADED", provider.Degraded.String())
	assert.Equal(t, "STOPPING", provider.Stopping.String())
	assert.Equal(t, "STOPPED", provider.Stopped.String())
	assert.Equal(t, "DEAD", provider.Dead.String())
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, provider.Ready.Accepting())
	assert.False(t, provider.Degraded.Accepting())
	assert.False(t, provider.Dead.Accepting())

	assert.True(t, provider.Stopped.Terminal())
	assert.True(t, provider.Dead.Terminal())
	assert.False(t, provider.Ready.Terminal())
}

func TestTrackerFullLifecycle(t *testing.T) {
	tr := provider.NewStateTracker("p1")

	var seen []provider.Transition
	tr.OnChange(func(t provider.Transition) {
		seen = append(seen, t)
	})

	require.NoError(t, tr.Set(provider.Starting, "start"))
	require.NoError(t, tr.Set(provider.Ready, "handshake complete"))
	require.NoError(t, tr.Set(provider.Degraded, "timeouts"))
	require.NoError(t, tr.Set(provider.Ready, "probe succeeded"))
	require.NoError(t, tr.Set(provider.Stopping, "close"))
	require.NoError(t, tr.Set(provider.Stopped, "closed"))

	require.Len(t, seen, 6)
	assert.Equal(t, provider.Unstarted, seen[0].From)
	assert.Equal(t, provider.Starting, seen[0].To)
	assert.Equal(t, "p1", seen[0].ProviderID)
	assert.Equal(t, provider.Stopped, seen[5].To)
	assert.Equal(t, provider.Stopped, tr.State())
}

func TestTrackerRejectsInvalidTransition(t *testing.T) {
	tr := provider.NewStateTracker("p1")

	err := tr.Set(provider.Ready, "skip starting")
	require.Error(t, err)
	assert.Equal(t, provider.Unstarted, tr.State())

	require.NoError(t, tr.Set(provider.Starting, ""))
	err = tr.Set(provider.Degraded, "degraded before ready")
	require.Error(t, err)
}

func TestTrackerSameStateNoOp(t *testing.T) {
	tr := provider.NewStateTracker("p1")
	require.NoError(t, tr.Set(provider.Starting, ""))

	var fired int
	tr.OnChange(func(provider.Transition) { fired++ })

	require.NoError(t, tr.Set(provider.Starting, "again"))
	assert.Equal(t, 0, fired)
}

func TestTrackerCompareAndSet(t *testing.T) {
	tr := provider.NewStateTracker("p1")
	require.NoError(t, tr.Set(provider.Starting, ""))
	require.NoError(t, tr.Set(provider.Ready, ""))

	assert.True(t, tr.CompareAndSet(provider.Ready, provider.Degraded, "timeouts"))
	assert.Equal(t, provider.Degraded, tr.State())

	// stale expectation fails without changing state
	assert.False(t, tr.CompareAndSet(provider.Ready, provider.Dead, ""))
	assert.Equal(t, provider.Degraded, tr.State())
}

func TestDeadIsFinal(t *testing.T) {
	tr := provider.NewStateTracker("p1")
	require.NoError(t, tr.Set(provider.Starting, ""))
	require.NoError(t, tr.Set(provider.Dead, "handshake timed out"))

	require.Error(t, tr.Set(provider.Starting, "restart"))
	require.Error(t, tr.Set(provider.Ready, ""))
	assert.Equal(t, provider.Dead, tr.State())
}
