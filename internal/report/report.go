// Package report derives the two human-facing views over a RunState (§4.J):
// a live status snapshot polled during a run, and a post-mortem diagnostic
// built once a run stops or completes partially.
package report

import (
	"time"

	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/strongdm/spritegen/internal/stopcond"
)

// LiveStatus is the one-shot status view polled while a run is in progress.
type LiveStatus struct {
	RunID                     string      `json:"run_id"`
	Status                    string      `json:"status"`
	CurrentState              string      `json:"current_fsm_state"`
	Reason                    reason.Code `json:"reason,omitempty"`
	FramesApproved            int         `json:"frames_approved"`
	TotalFrames               int         `json:"total_frames"`
	RetryRate                 float64     `json:"retry_rate"`
	RejectRate                float64     `json:"reject_rate"`
	ElapsedSeconds            float64     `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64     `json:"estimated_remaining_seconds"`
	ResumeCommand             string      `json:"resume_command,omitempty"`
}

// BuildLiveStatus derives a LiveStatus from rs at the current moment (§4.J).
func BuildLiveStatus(rs *runmodel.RunState, currentState string, now time.Time) LiveStatus {
	metrics := stopcond.Compute(rs)
	elapsed := now.Sub(rs.CreatedAt).Seconds()

	var avgFrameSeconds, remaining float64
	if approved := rs.ApprovedCount(); approved > 0 {
		avgFrameSeconds = elapsed / float64(approved)
		remaining = avgFrameSeconds * float64(rs.TotalFrames-approved)
	}

	ls := LiveStatus{
		RunID:                     rs.RunID,
		Status:                    string(rs.Status),
		CurrentState:              currentState,
		Reason:                    rs.StopReason,
		FramesApproved:            rs.ApprovedCount(),
		TotalFrames:               rs.TotalFrames,
		RetryRate:                 metrics.RetryRate,
		RejectRate:                metrics.RejectRate,
		ElapsedSeconds:            elapsed,
		EstimatedRemainingSeconds: remaining,
	}
	if rs.Status == runmodel.RunStopped || rs.Status == runmodel.RunFailed {
		ls.ResumeCommand = "pipeline run --resume " + rs.RunID
	}
	return ls
}

// FrameSummary is one frame's entry in a Diagnostic's per-frame breakdown.
type FrameSummary struct {
	FrameIndex   int              `json:"frame_index"`
	Status       string           `json:"status"`
	Attempts     int              `json:"attempts"`
	ReasonCodes  []reason.Code    `json:"reason_codes"`
	ActionsTried []string         `json:"actions_tried"`
	DurationMS   int64            `json:"duration_ms"`
	FinalReason  reason.Code      `json:"final_reason,omitempty"`
}

// ReasonCodeIncidence is one entry of the top-3 reason-code ranking.
type ReasonCodeIncidence struct {
	Code          reason.Code `json:"code"`
	FrameCount    int         `json:"frame_count"`
	ExampleFrames []int       `json:"example_frames"`
}

// RootCauseSuggestion is a rule-based guess at why a run struggled.
type RootCauseSuggestion struct {
	Message    string  `json:"message"`
	Confidence string  `json:"confidence"` // "low" | "medium" | "high"
}

// RecoveryAction is one ordered suggestion for unblocking a stalled run.
type RecoveryAction struct {
	Action      string        `json:"action"`
	Effort      string        `json:"effort"` // "low" | "medium" | "high"
	Addresses   []reason.Code `json:"addresses"`
}

// Diagnostic is the post-mortem report produced on STOPPED or partial
// COMPLETED (§4.J).
type Diagnostic struct {
	Version         int                   `json:"version"`
	GeneratedAt     time.Time             `json:"generated_at"`
	RunID           string                `json:"run_id"`
	StopReason      reason.Code           `json:"stop_reason"`
	Metrics         stopcond.Metrics      `json:"metrics"`
	Frames          []FrameSummary        `json:"frames"`
	TopReasonCodes  []ReasonCodeIncidence `json:"top_reason_codes"`
	RootCause       RootCauseSuggestion   `json:"root_cause"`
	RecoveryActions []RecoveryAction      `json:"recovery_actions"`
}

// BuildDiagnostic assembles a Diagnostic from rs (§4.J).
func BuildDiagnostic(rs *runmodel.RunState, now time.Time) Diagnostic {
	frames := make([]FrameSummary, len(rs.FrameStates))
	incidence := map[reason.Code]*ReasonCodeIncidence{}

	for i, f := range rs.FrameStates {
		seen := map[reason.Code]bool{}
		var codes []reason.Code
		var actions []string
		var totalDuration int64
		for _, a := range f.Attempts {
			totalDuration += a.DurationMS
			actions = append(actions, string(a.Strategy))
			for _, c := range a.ReasonCodes {
				if seen[c] {
					continue
				}
				seen[c] = true
				codes = append(codes, c)
			}
		}
		frames[i] = FrameSummary{
			FrameIndex:   i,
			Status:       string(f.Status),
			Attempts:     len(f.Attempts),
			ReasonCodes:  codes,
			ActionsTried: actions,
			DurationMS:   totalDuration,
			FinalReason:  f.FinalReason,
		}
		for c := range seen {
			entry, ok := incidence[c]
			if !ok {
				entry = &ReasonCodeIncidence{Code: c}
				incidence[c] = entry
			}
			entry.FrameCount++
			entry.ExampleFrames = append(entry.ExampleFrames, i)
		}
	}

	top := topReasonCodes(incidence, 3)

	return Diagnostic{
		Version:         1,
		GeneratedAt:     now,
		RunID:           rs.RunID,
		StopReason:      rs.StopReason,
		Metrics:         stopcond.Compute(rs),
		Frames:          frames,
		TopReasonCodes:  top,
		RootCause:       suggestRootCause(top, len(rs.FrameStates)),
		RecoveryActions: recoveryActions(top),
	}
}

// topReasonCodes ranks incidence by frame_count descending, capped at n,
// with a stable tie-break on the code string for deterministic output.
func topReasonCodes(incidence map[reason.Code]*ReasonCodeIncidence, n int) []ReasonCodeIncidence {
	out := make([]ReasonCodeIncidence, 0, len(incidence))
	for _, v := range incidence {
		out = append(out, *v)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.FrameCount < b.FrameCount || (a.FrameCount == b.FrameCount && a.Code > b.Code) {
				out[j-1], out[j] = out[j], out[j-1]
			} else {
				break
			}
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// suggestRootCause implements the §4.J rule: SF01 dominance at or above
// half of all frames in the run is a strong signal the anchor itself lacks
// distinctive features for the model to lock onto.
func suggestRootCause(top []ReasonCodeIncidence, totalFrames int) RootCauseSuggestion {
	if totalFrames == 0 || len(top) == 0 {
		return RootCauseSuggestion{Message: "insufficient data to suggest a root cause", Confidence: "low"}
	}
	for _, r := range top {
		if r.Code == reason.SF01IdentityDrift && float64(r.FrameCount)/float64(totalFrames) >= 0.5 {
			return RootCauseSuggestion{Message: "anchor lacks distinctive features for the model to lock onto", Confidence: "high"}
		}
	}
	switch top[0].Code {
	case reason.SF02PaletteDrift:
		return RootCauseSuggestion{Message: "model is drifting off the anchor's color palette", Confidence: "medium"}
	case reason.SF03BaselineDrift:
		return RootCauseSuggestion{Message: "candidates consistently land off the anchor's ground line", Confidence: "medium"}
	case reason.SF04TemporalIncoherence:
		return RootCauseSuggestion{Message: "consecutive frames are too dissimilar for this move's motion budget", Confidence: "medium"}
	default:
		return RootCauseSuggestion{Message: "no single dominant failure mode identified", Confidence: "low"}
	}
}

// recoveryActions maps the top reason codes to an ordered list of concrete
// mitigations (§4.J), in the order of top (most frequent code first); the
// list as a whole is not sorted by effort.
func recoveryActions(top []ReasonCodeIncidence) []RecoveryAction {
	var actions []RecoveryAction
	for _, r := range top {
		switch r.Code {
		case reason.SF01IdentityDrift, reason.HFIdentityCollapse:
			actions = append(actions,
				RecoveryAction{Action: "increase generation_size for more model detail to anchor against", Effort: "low", Addresses: []reason.Code{r.Code}},
				RecoveryAction{Action: "replace the anchor with a higher-contrast, more distinctive reference", Effort: "high", Addresses: []reason.Code{r.Code}},
			)
		case reason.SF02PaletteDrift:
			actions = append(actions, RecoveryAction{Action: "tighten the negative prompt against off-palette colors", Effort: "low", Addresses: []reason.Code{r.Code}})
		case reason.SF03BaselineDrift:
			actions = append(actions, RecoveryAction{Action: "increase max_shift_x or verify root_zone_ratio", Effort: "medium", Addresses: []reason.Code{r.Code}})
		case reason.SF04TemporalIncoherence, reason.OscillationDetected:
			actions = append(actions, RecoveryAction{Action: "raise this move's temporal_thresholds entry", Effort: "medium", Addresses: []reason.Code{r.Code}})
		case reason.LadderExhausted, reason.HFMaxAttempts:
			actions = append(actions, RecoveryAction{Action: "increase max_attempts_per_frame", Effort: "low", Addresses: []reason.Code{r.Code}})
		}
	}
	return actions
}
