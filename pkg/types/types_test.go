package types

import (
	"testing"
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/stretchr/testify/assert"
)

func TestNewPilotAccountingComputesHWM(t *testing.T) {
	acct := NewPilotAccounting(4, 200)
	assert.Equal(t, 8, acct.HWM)
	assert.Empty(t, acct.Units)
	assert.Empty(t, acct.Done)
}

func TestUnitAppendStateAndEffectiveState(t *testing.T) {
	u := &Unit{UID: "u1"}
	u.AppendState(state.UnitExecuting, time.Unix(2, 0))
	u.AppendState(state.UnitAgentStagingInput, time.Unix(1, 0))

	require := assert.New(t)
	require.Len(u.StateHistory, 2)
	require.Equal(state.UnitExecuting, u.EffectiveState())
}
