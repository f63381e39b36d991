package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPilotRankOrdersPreActiveStates(t *testing.T) {
	assert.Less(t, PilotRank(PilotLaunchingPending), PilotRank(PilotLaunching))
	assert.Less(t, PilotRank(PilotLaunching), PilotRank(PilotActivePending))
	assert.Less(t, PilotRank(PilotActivePending), PilotRank(PilotActive))
}

func TestPilotRankTerminalStatesShareRank(t *testing.T) {
	active := PilotRank(PilotActive)
	for _, s := range []PilotState{PilotDone, PilotFailed, PilotCanceled} {
		assert.Greater(t, PilotRank(s), active)
	}
	assert.Equal(t, PilotRank(PilotDone), PilotRank(PilotFailed))
	assert.Equal(t, PilotRank(PilotFailed), PilotRank(PilotCanceled))
}

func TestPilotIsTerminal(t *testing.T) {
	for _, s := range []PilotState{PilotDone, PilotFailed, PilotCanceled} {
		assert.True(t, PilotIsTerminal(s), "%s should be terminal", s)
	}
	for _, s := range []PilotState{PilotLaunchingPending, PilotActive} {
		assert.False(t, PilotIsTerminal(s), "%s should not be terminal", s)
	}
}

func TestPilotRankUnknownState(t *testing.T) {
	assert.Equal(t, -1, PilotRank(PilotState("BOGUS")))
}
