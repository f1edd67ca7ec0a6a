package report

import (
	"testing"
	"time"

	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/retryladder"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLiveStatus_ComputesElapsedAndResumeCommand(t *testing.T) {
	rs := runmodel.NewRunState("run1", "hash1", 4)
	rs.CreatedAt = time.Now().Add(-10 * time.Minute)
	rs.Status = runmodel.RunStopped
	rs.StopReason = reason.RejectRateExceeded
	rs.FrameStates[0].Status = runmodel.FrameApproved

	ls := BuildLiveStatus(rs, "STOPPED", time.Now())
	assert.Equal(t, 1, ls.FramesApproved)
	assert.Equal(t, "pipeline run --resume run1", ls.ResumeCommand)
	assert.True(t, ls.ElapsedSeconds >= 600)
}

func TestBuildLiveStatus_NoResumeCommandWhenNotStopped(t *testing.T) {
	rs := runmodel.NewRunState("run1", "hash1", 1)
	rs.Status = runmodel.RunInProgress
	ls := BuildLiveStatus(rs, "GENERATING", time.Now())
	assert.Empty(t, ls.ResumeCommand)
}

func TestBuildDiagnostic_RanksTopReasonCodesAndSuggestsIdentityRootCause(t *testing.T) {
	rs := runmodel.NewRunState("run1", "hash1", 4)
	for i := 0; i < 3; i++ {
		rs.FrameStates[i].Status = runmodel.FrameRejected
		rs.FrameStates[i].FinalReason = reason.HFIdentityCollapse
		rs.FrameStates[i].Attempts = []runmodel.AttemptRecord{
			{Result: runmodel.ResultSoftFail, ReasonCodes: []reason.Code{reason.SF01IdentityDrift}, Strategy: retryladder.ActionReAnchor},
		}
	}
	rs.FrameStates[3].Status = runmodel.FrameApproved
	rs.FrameStates[3].Attempts = []runmodel.AttemptRecord{{Result: runmodel.ResultPassed}}
	rs.StopReason = reason.RejectRateExceeded

	d := BuildDiagnostic(rs, time.Now())
	require.NotEmpty(t, d.TopReasonCodes)
	assert.Equal(t, reason.SF01IdentityDrift, d.TopReasonCodes[0].Code)
	assert.Equal(t, 3, d.TopReasonCodes[0].FrameCount)
	assert.Equal(t, "high", d.RootCause.Confidence)
	assert.Contains(t, d.RootCause.Message, "anchor")
}

func TestBuildDiagnostic_NoDominantReasonGivesLowConfidence(t *testing.T) {
	rs := runmodel.NewRunState("run1", "hash1", 1)
	d := BuildDiagnostic(rs, time.Now())
	assert.Equal(t, "low", d.RootCause.Confidence)
}

func TestRecoveryActions_AddressesEachTopReasonCode(t *testing.T) {
	top := []ReasonCodeIncidence{{Code: reason.SF02PaletteDrift, FrameCount: 2}}
	actions := recoveryActions(top)
	require.Len(t, actions, 1)
	assert.Contains(t, actions[0].Addresses, reason.SF02PaletteDrift)
}
