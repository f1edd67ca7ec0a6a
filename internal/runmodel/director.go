package runmodel

import "time"

// DirectorSessionStatus is the top-level status of a DirectorSession (§4.K).
type DirectorSessionStatus string

const (
	SessionActive    DirectorSessionStatus = "active"
	SessionCommitted DirectorSessionStatus = "committed"
	SessionDiscarded DirectorSessionStatus = "discarded"
)

// DirectorFrameStatus is the per-frame status tracked by a DirectorSession,
// distinct from FrameStatus: it reflects the human-review workflow, not the
// orchestrator FSM (§4.K).
type DirectorFrameStatus string

const (
	DirectorFramePending   DirectorFrameStatus = "PENDING"
	DirectorFrameGenerated DirectorFrameStatus = "GENERATED"
	DirectorFrameAuditWarn DirectorFrameStatus = "AUDIT_WARN"
	DirectorFrameAuditFail DirectorFrameStatus = "AUDIT_FAIL"
	DirectorFrameApproved  DirectorFrameStatus = "APPROVED"
)

// AlignmentOverride is a human-specified pixel nudge for one frame.
type AlignmentOverride struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// PatchEvent is one recorded director edit to a frame.
type PatchEvent struct {
	MaskPath  string    `json:"mask_path"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// DirectorOverrides is the mutable human-authored state attached to one
// frame within a DirectorSession.
type DirectorOverrides struct {
	Alignment    *AlignmentOverride `json:"alignment,omitempty"`
	PatchHistory []PatchEvent       `json:"patch_history,omitempty"`
}

// DirectorFrame is one frame's entry in a DirectorSession.
type DirectorFrame struct {
	FrameIndex int                 `json:"frame_index"`
	Status     DirectorFrameStatus `json:"status"`
	Overrides  DirectorOverrides   `json:"director_overrides"`
}

// DirectorSession is the Director's parallel, orthogonal state (§4.K),
// persisted independently of the orchestrator's RunState.
type DirectorSession struct {
	SessionID     string                `json:"session_id"`
	RunID         string                `json:"run_id"`
	MoveID        string                `json:"move_id"`
	AnchorFrameID string                `json:"anchor_frame_id"`
	Status        DirectorSessionStatus `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	LastModified  time.Time             `json:"last_modified"`
	Frames        []DirectorFrame       `json:"frames"`
}

// validDirectorTransitions enumerates the allowed DirectorFrameStatus edges
// (§4.K), distinct from the orchestrator's FSM table.
var validDirectorTransitions = map[DirectorFrameStatus][]DirectorFrameStatus{
	DirectorFramePending:   {DirectorFrameGenerated},
	DirectorFrameGenerated: {DirectorFrameApproved, DirectorFrameAuditWarn, DirectorFrameAuditFail},
	DirectorFrameAuditWarn: {DirectorFrameApproved},
	DirectorFrameAuditFail: {DirectorFrameApproved},
	DirectorFrameApproved:  {},
}

// CanTransitionDirectorFrame reports whether from -> to is a legal director
// frame-status edge.
func CanTransitionDirectorFrame(from, to DirectorFrameStatus) bool {
	for _, allowed := range validDirectorTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
