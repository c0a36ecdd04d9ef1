package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{Registered, Ready},
		{Ready, Running},
		{Ready, Paused},
		{Running, Stopping},
		{Stopping, Stopped},
		{Stopped, Ready},
		{Quarantined, Ready},
		{ErrorRecovery, Quarantined},
		{Paused, Decommissioned},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s should be allowed", edge[0], edge[1])
	}

	denied := [][2]string{
		{Registered, Running},
		{Ready, Stopped},
		{Running, Decommissioned},
		{Decommissioned, Ready},
		{Stopped, Running},
		{Quarantined, Running},
	}
	for _, edge := range denied {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s should be denied", edge[0], edge[1])
	}
}

func TestDecommissionedIsAbsorbing(t *testing.T) {
	for _, target := range []string{Registered, Ready, Running, Paused, Stopping, Stopped, Quarantined, ErrorRecovery} {
		assert.False(t, CanTransition(Decommissioned, target))
	}
}

func TestNormalizeAndIsState(t *testing.T) {
	assert.True(t, IsState(" ready "))
	assert.True(t, IsState("error_recovery"))
	assert.False(t, IsState("LIMBO"))
	assert.True(t, CanTransition("ready", "running"))
}

func TestCanExecute(t *testing.T) {
	assert.True(t, CanExecute(Ready))
	assert.True(t, CanExecute(""))
	for _, state := range []string{Registered, Running, Paused, Stopping, Stopped, Quarantined, ErrorRecovery, Decommissioned} {
		assert.False(t, CanExecute(state), state)
	}
}
