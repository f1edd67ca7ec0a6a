// Package runmodel defines the persisted run state shared across the
// orchestrator, run store, resumption detector, and reporter (§3): RunState,
// FrameState, AttemptRecord, and the Director's parallel session state.
package runmodel

import (
	"time"

	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/retryladder"
)

// RunStatus is the top-level status of a Run (§3).
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunStopped    RunStatus = "stopped"
	RunFailed     RunStatus = "failed"
)

// FrameStatus is the status of one frame within a Run (§3).
type FrameStatus string

const (
	FramePending    FrameStatus = "pending"
	FrameInProgress FrameStatus = "in_progress"
	FrameApproved   FrameStatus = "approved"
	FrameRejected   FrameStatus = "rejected"
	FrameFailed     FrameStatus = "failed"
)

// AttemptResult is the outcome of one generation attempt.
type AttemptResult string

const (
	ResultPassed   AttemptResult = "passed"
	ResultSoftFail AttemptResult = "soft_fail"
	ResultHardFail AttemptResult = "hard_fail"
)

// AttemptRecord captures one generate-audit cycle for a frame (§3). It
// restates only the audit fields the ladder and reporter need; the full
// AuditReport lives alongside the attempt's on-disk JSON in audit/.
type AttemptRecord struct {
	AttemptIndex   int       `json:"attempt_index"`
	Timestamp      time.Time `json:"timestamp"`
	PromptHash     string    `json:"prompt_hash"`
	Seed           uint32    `json:"seed"`
	Result         AttemptResult `json:"result"`
	ReasonCodes    []reason.Code `json:"reason_codes"`
	CompositeScore float64   `json:"composite_score"`
	DurationMS     int64     `json:"duration_ms"`
	Strategy       retryladder.RetryAction `json:"strategy"`
}

// FrameState is the per-frame record within a RunState (§3).
type FrameState struct {
	Status       FrameStatus     `json:"status"`
	Attempts     []AttemptRecord `json:"attempts"`
	ApprovedPath string          `json:"approved_path,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	FinalReason  reason.Code     `json:"final_reason,omitempty"`
}

// TransitionRecord is one FSM edge traversal, appended to RunState's
// transition_history (§4.I).
type TransitionRecord struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
}

// RunState is the full persisted state of one run (§3). It is written
// atomically after every state change by internal/runstore.
type RunState struct {
	RunID          string       `json:"run_id"`
	Status         RunStatus    `json:"status"`
	TotalFrames    int          `json:"total_frames"`
	CurrentFrame   int          `json:"current_frame"`
	CurrentAttempt int          `json:"current_attempt"`
	FrameStates    []FrameState `json:"frame_states"`

	ManifestHash string `json:"manifest_hash"`

	TransitionHistory []TransitionRecord `json:"transition_history"`

	StopReason reason.Code `json:"stop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState builds a RunState with totalFrames pending frames, satisfying
// invariant 1 (frame_states.len() == manifest.total_frames) from creation.
func NewRunState(runID, manifestHash string, totalFrames int) *RunState {
	frames := make([]FrameState, totalFrames)
	for i := range frames {
		frames[i] = FrameState{Status: FramePending}
	}
	now := timeNow()
	return &RunState{
		RunID:        runID,
		Status:       RunPending,
		TotalFrames:  totalFrames,
		ManifestHash: manifestHash,
		FrameStates:  frames,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// timeNow is a seam so callers needing deterministic timestamps (tests,
// replay) can be exercised without touching wall-clock time outside of it.
var timeNow = func() time.Time { return time.Now().UTC() }

// ApprovedCount returns the number of frames currently approved.
func (rs *RunState) ApprovedCount() int {
	n := 0
	for _, f := range rs.FrameStates {
		if f.Status == FrameApproved {
			n++
		}
	}
	return n
}

// TotalAttempts returns the sum of attempts across all frames (invariant 3).
func (rs *RunState) TotalAttempts() int {
	n := 0
	for _, f := range rs.FrameStates {
		n += len(f.Attempts)
	}
	return n
}

// LastApprovedPath returns the approved_path of the highest-indexed approved
// frame below upTo, or "" if none. Used by the Prompt Composer to locate the
// previous_approved_frame reference.
func (rs *RunState) LastApprovedPath(upTo int) string {
	for i := upTo - 1; i >= 0; i-- {
		if i >= len(rs.FrameStates) {
			continue
		}
		if rs.FrameStates[i].Status == FrameApproved {
			return rs.FrameStates[i].ApprovedPath
		}
	}
	return ""
}
