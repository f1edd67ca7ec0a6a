package runmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRunState_SatisfiesFrameCountInvariant(t *testing.T) {
	rs := NewRunState("run1", "abc123", 5)
	assert.Len(t, rs.FrameStates, 5)
	assert.Equal(t, RunPending, rs.Status)
	for _, f := range rs.FrameStates {
		assert.Equal(t, FramePending, f.Status)
	}
}

func TestApprovedCount(t *testing.T) {
	rs := NewRunState("run1", "abc123", 3)
	rs.FrameStates[0].Status = FrameApproved
	rs.FrameStates[1].Status = FrameApproved
	assert.Equal(t, 2, rs.ApprovedCount())
}

func TestTotalAttempts(t *testing.T) {
	rs := NewRunState("run1", "abc123", 2)
	rs.FrameStates[0].Attempts = []AttemptRecord{{AttemptIndex: 1}, {AttemptIndex: 2}}
	rs.FrameStates[1].Attempts = []AttemptRecord{{AttemptIndex: 1}}
	assert.Equal(t, 3, rs.TotalAttempts())
}

func TestLastApprovedPath(t *testing.T) {
	rs := NewRunState("run1", "abc123", 4)
	rs.FrameStates[0].Status = FrameApproved
	rs.FrameStates[0].ApprovedPath = "approved/frame_0000.png"
	rs.FrameStates[2].Status = FrameApproved
	rs.FrameStates[2].ApprovedPath = "approved/frame_0002.png"

	assert.Equal(t, "approved/frame_0002.png", rs.LastApprovedPath(3))
	assert.Equal(t, "approved/frame_0000.png", rs.LastApprovedPath(2))
	assert.Equal(t, "", rs.LastApprovedPath(0))
}

func TestCanTransitionDirectorFrame(t *testing.T) {
	assert.True(t, CanTransitionDirectorFrame(DirectorFramePending, DirectorFrameGenerated))
	assert.True(t, CanTransitionDirectorFrame(DirectorFrameAuditFail, DirectorFrameApproved))
	assert.False(t, CanTransitionDirectorFrame(DirectorFrameApproved, DirectorFramePending))
	assert.False(t, CanTransitionDirectorFrame(DirectorFramePending, DirectorFrameApproved))
}
