package stopcond

import (
	"testing"

	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/stretchr/testify/assert"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{Stop: manifest.StopThresholds{
		MaxRetryRate:        0.5,
		MaxRejectRate:       0.3,
		MaxConsecutiveFails: 3,
		CircuitBreakerLimit: 50,
	}}
}

func TestEvaluate_NoStopOnHealthyRun(t *testing.T) {
	rs := runmodel.NewRunState("r1", "h1", 4)
	rs.FrameStates[0].Status = runmodel.FrameApproved
	rs.FrameStates[0].Attempts = []runmodel.AttemptRecord{{}}

	d := Evaluate(rs, testManifest())
	assert.False(t, d.ShouldStop)
}

func TestEvaluate_ConsecutiveFailsTriggersStop(t *testing.T) {
	rs := runmodel.NewRunState("r1", "h1", 4)
	for i := 0; i < 3; i++ {
		rs.FrameStates[i].Status = runmodel.FrameRejected
		rs.FrameStates[i].Attempts = []runmodel.AttemptRecord{{}}
	}
	d := Evaluate(rs, testManifest())
	assert.True(t, d.ShouldStop)
	assert.Equal(t, reason.ConsecutiveFails, d.Reason)
}

func TestEvaluate_RejectRateTriggersBeforeRetryRate(t *testing.T) {
	rs := runmodel.NewRunState("r1", "h1", 4)
	rs.FrameStates[0].Status = runmodel.FrameRejected
	rs.FrameStates[0].Attempts = []runmodel.AttemptRecord{{}}
	rs.FrameStates[1].Status = runmodel.FrameApproved
	rs.FrameStates[1].Attempts = []runmodel.AttemptRecord{{}}

	m := testManifest()
	m.Stop.MaxConsecutiveFails = 10
	m.Stop.MaxRejectRate = 0.1

	d := Evaluate(rs, m)
	assert.True(t, d.ShouldStop)
	assert.Equal(t, reason.RejectRateExceeded, d.Reason)
}

func TestEvaluate_CircuitBreakerTakesPriority(t *testing.T) {
	rs := runmodel.NewRunState("r1", "h1", 1)
	for i := 0; i < 60; i++ {
		rs.FrameStates[0].Attempts = append(rs.FrameStates[0].Attempts, runmodel.AttemptRecord{})
	}
	rs.FrameStates[0].Status = runmodel.FrameRejected

	m := testManifest()
	d := Evaluate(rs, m)
	assert.True(t, d.ShouldStop)
	assert.Equal(t, reason.CircuitBreaker, d.Reason)
}

func TestConsecutiveFails_StopsCountingAtApprovedFrame(t *testing.T) {
	rs := runmodel.NewRunState("r1", "h1", 4)
	rs.FrameStates[0].Status = runmodel.FrameApproved
	rs.FrameStates[1].Status = runmodel.FrameRejected
	rs.FrameStates[2].Status = runmodel.FrameRejected

	assert.Equal(t, 2, consecutiveFails(rs))
}
