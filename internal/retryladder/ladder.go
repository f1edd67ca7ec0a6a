package retryladder

import "github.com/strongdm/spritegen/internal/reason"

// ladderOrder is the escalation order per primary reason code (§4.E table).
var ladderOrder = map[reason.Code][]RetryAction{
	reason.SF01IdentityDrift: {
		ActionRerollSeed, ActionIdentityRescue, ActionReAnchor, ActionDefaultRegenerate,
	},
	reason.SF02PaletteDrift: {
		ActionTightenNegative, ActionRerollSeed, ActionReAnchor,
	},
	reason.SF03BaselineDrift: {
		ActionPostProcessOnly, ActionRerollSeed,
	},
	reason.SF04TemporalIncoherence: {
		ActionRerollSeed, ActionIdentityRescue,
	},
	reason.SFPixelNoise: {
		ActionPostProcessOnly, ActionDefaultRegenerate,
	},
	reason.SFAlphaHalo: {
		ActionPostProcessOnly, ActionDefaultRegenerate,
	},
}

// State tracks per-frame retry history needed to evaluate the escalation
// rules (§4.E): actions already tried, the consecutive re-anchor streak, a
// short ring buffer of recent SF01 scores, and a ring buffer of pass/fail
// outcomes used to detect oscillation.
type State struct {
	ActionsTried            []RetryAction
	ConsecutiveReanchorCount int
	LastSF01Scores           []float64 // ring buffer, capacity 5
	OscillationPattern       []bool    // ring buffer of pass(true)/fail(false), capacity 6
}

const (
	sf01RingCapacity         = 5
	oscillationRingCapacity  = 6
	identityCollapseStreak   = 2
	identityCollapseMaxScore = 0.9
)

// RecordAttempt folds one completed attempt's outcome into the state. It must
// be called exactly once per attempt, in order, before Next is consulted.
func (s *State) RecordAttempt(action RetryAction, passed bool, sf01Score float64, sf01Present bool) {
	if action != ActionNone {
		s.ActionsTried = append(s.ActionsTried, action)
	}
	if action.IncrementsReAnchorStreak() {
		s.ConsecutiveReanchorCount++
	} else {
		s.ConsecutiveReanchorCount = 0
	}
	if sf01Present {
		s.LastSF01Scores = appendRing(s.LastSF01Scores, sf01Score, sf01RingCapacity)
	}
	s.OscillationPattern = appendRingBool(s.OscillationPattern, passed, oscillationRingCapacity)
}

func appendRing(buf []float64, v float64, capacity int) []float64 {
	buf = append(buf, v)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

func appendRingBool(buf []bool, v bool, capacity int) []bool {
	buf = append(buf, v)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

// Decision is the outcome of consulting the ladder for a failed attempt.
type Decision struct {
	// Action is the next corrective action to take, valid only when Terminal is empty.
	Action RetryAction
	// Terminal, when non-empty, is a terminal frame code (§4.E/§7): the frame
	// is rejected/failed and no further attempts are made.
	Terminal reason.Code
}

// Next consults the escalation rules (in the order §4.E specifies them) and
// then the reason-to-action table to decide what happens after a failed
// attempt. primaryReason is the highest-priority flag from the AuditReport
// driving this decision. attemptsUsed is the number of attempts already
// recorded (including the one just evaluated). maxAttempts is the manifest's
// max_attempts_per_frame.
func (s *State) Next(primaryReason reason.Code, attemptsUsed, maxAttempts int) Decision {
	// Identity collapse: two most recent SF01 scores both below threshold
	// while re-anchor has been tried at least twice in a row.
	if s.ConsecutiveReanchorCount >= identityCollapseStreak && len(s.LastSF01Scores) >= 2 {
		last2 := s.LastSF01Scores[len(s.LastSF01Scores)-2:]
		if last2[0] < identityCollapseMaxScore && last2[1] < identityCollapseMaxScore {
			return Decision{Terminal: reason.HFIdentityCollapse}
		}
	}

	// Oscillation: last 4 results alternate pass/fail/pass/fail (in either phase).
	if isAlternatingFour(s.OscillationPattern) {
		return Decision{Terminal: reason.OscillationDetected}
	}

	// Max attempts reached.
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if attemptsUsed >= maxAttempts {
		return Decision{Terminal: reason.HFMaxAttempts}
	}

	order, ok := ladderOrder[primaryReason]
	if !ok || len(order) == 0 {
		// Unknown/unmapped reason: nothing left to try for this specific code.
		return Decision{Terminal: reason.LadderExhausted}
	}
	for _, candidate := range order {
		if !s.tried(candidate) {
			return Decision{Action: candidate}
		}
	}
	return Decision{Terminal: reason.LadderExhausted}
}

func (s *State) tried(a RetryAction) bool {
	for _, t := range s.ActionsTried {
		if t == a {
			return true
		}
	}
	return false
}

// isAlternatingFour reports whether the last 4 entries of buf strictly
// alternate (pass,fail,pass,fail or fail,pass,fail,pass).
func isAlternatingFour(buf []bool) bool {
	if len(buf) < 4 {
		return false
	}
	last4 := buf[len(buf)-4:]
	for i := 1; i < len(last4); i++ {
		if last4[i] == last4[i-1] {
			return false
		}
	}
	return true
}
