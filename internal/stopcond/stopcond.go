// Package stopcond evaluates the Stop-Condition Evaluator (§4.F): derived
// run-wide rates and a priority-ordered halt decision, run after every
// frame's terminal transition.
package stopcond

import (
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/runmodel"
)

// Metrics are the derived run-wide rates the evaluator computes from RunState.
type Metrics struct {
	RetryRate        float64
	RejectRate       float64
	ConsecutiveFails int
	TotalAttempts    int
}

// Compute derives Metrics from rs (§4.F).
func Compute(rs *runmodel.RunState) Metrics {
	var framesAttempted, framesWithRetries, framesComplete, rejectedOrFailed int

	for _, f := range rs.FrameStates {
		if len(f.Attempts) == 0 {
			continue
		}
		framesAttempted++
		if len(f.Attempts) >= 2 {
			framesWithRetries++
		}
		switch f.Status {
		case runmodel.FrameApproved, runmodel.FrameRejected, runmodel.FrameFailed:
			framesComplete++
			if f.Status == runmodel.FrameRejected || f.Status == runmodel.FrameFailed {
				rejectedOrFailed++
			}
		}
	}

	var retryRate, rejectRate float64
	if framesAttempted > 0 {
		retryRate = float64(framesWithRetries) / float64(framesAttempted)
	}
	if framesComplete > 0 {
		rejectRate = float64(rejectedOrFailed) / float64(framesComplete)
	}

	return Metrics{
		RetryRate:        retryRate,
		RejectRate:       rejectRate,
		ConsecutiveFails: consecutiveFails(rs),
		TotalAttempts:    rs.TotalAttempts(),
	}
}

// consecutiveFails counts the most recent contiguous run of non-approvals
// among frames that have reached a terminal status, walking backward from
// the most recently completed frame.
func consecutiveFails(rs *runmodel.RunState) int {
	count := 0
	for i := len(rs.FrameStates) - 1; i >= 0; i-- {
		f := rs.FrameStates[i]
		switch f.Status {
		case runmodel.FrameApproved:
			return count
		case runmodel.FrameRejected, runmodel.FrameFailed:
			count++
		default:
			// pending/in_progress frames don't count; keep scanning
			// backward past them for the contiguous tail of terminal ones.
		}
	}
	return count
}

// Decision is the outcome of evaluating the stop conditions: either no stop
// is warranted, or Reason names the first triggering condition in priority
// order (§4.F).
type Decision struct {
	ShouldStop bool
	Reason     reason.Code
	Metrics    Metrics
}

// Evaluate runs the priority-ordered stop-condition checks: CIRCUIT_BREAKER
// > CONSECUTIVE_FAILS > REJECT_RATE > RETRY_RATE. USER_INTERRUPT is handled
// by the orchestrator directly (it is cooperative, not metric-driven) and is
// not produced here.
func Evaluate(rs *runmodel.RunState, m *manifest.Manifest) Decision {
	metrics := Compute(rs)

	if metrics.TotalAttempts >= m.Stop.CircuitBreakerLimit {
		return Decision{ShouldStop: true, Reason: reason.CircuitBreaker, Metrics: metrics}
	}
	if metrics.ConsecutiveFails >= m.Stop.MaxConsecutiveFails {
		return Decision{ShouldStop: true, Reason: reason.ConsecutiveFails, Metrics: metrics}
	}
	if metrics.RejectRate > m.Stop.MaxRejectRate {
		return Decision{ShouldStop: true, Reason: reason.RejectRateExceeded, Metrics: metrics}
	}
	if metrics.RetryRate > m.Stop.MaxRetryRate {
		return Decision{ShouldStop: true, Reason: reason.RetryRateExceeded, Metrics: metrics}
	}
	return Decision{ShouldStop: false, Metrics: metrics}
}
