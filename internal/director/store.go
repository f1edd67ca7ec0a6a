// Package director implements the Director Session Store (§4.K): a human
// review layer orthogonal to the orchestrator FSM, persisting per-frame
// overrides and exposing a small loopback-only HTTP surface for nudging,
// patching, and committing frames.
package director

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/strongdm/spritegen/internal/runstore"
)

// ErrSessionCorrupted is returned by Load when the session file exists but
// fails to parse as a DirectorSession (§4.K: "not auto-recovered").
var ErrSessionCorrupted = fmt.Errorf("director: session file is corrupted")

// NewSession creates a fresh DirectorSession with a random UUID v4
// session_id and totalFrames pending frames.
func NewSession(runID, moveID, anchorFrameID string, totalFrames int) *runmodel.DirectorSession {
	now := time.Now().UTC()
	frames := make([]runmodel.DirectorFrame, totalFrames)
	for i := range frames {
		frames[i] = runmodel.DirectorFrame{FrameIndex: i, Status: runmodel.DirectorFramePending}
	}
	return &runmodel.DirectorSession{
		SessionID:     uuid.NewString(),
		RunID:         runID,
		MoveID:        moveID,
		AnchorFrameID: anchorFrameID,
		Status:        runmodel.SessionActive,
		CreatedAt:     now,
		LastModified:  now,
		Frames:        frames,
	}
}

// Load reads a DirectorSession from path. A missing file is a plain error;
// a present-but-malformed file is ErrSessionCorrupted, which callers must
// surface rather than silently discard (§4.K).
func Load(path string) (*runmodel.DirectorSession, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("director: read %s: %w", path, err)
	}
	var s runmodel.DirectorSession
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionCorrupted, path, err)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("%w: %s: missing session_id", ErrSessionCorrupted, path)
	}
	return &s, nil
}

// Save writes s to path atomically (temp file + rename), per §5's
// atomic-persistence requirement for the director session file.
func Save(path string, s *runmodel.DirectorSession) error {
	s.LastModified = time.Now().UTC()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("director: marshal session: %w", err)
	}
	return runstore.WriteAtomic(path, b)
}

// frame returns a pointer to the DirectorFrame at index, or nil if out of range.
func frame(s *runmodel.DirectorSession, index int) *runmodel.DirectorFrame {
	for i := range s.Frames {
		if s.Frames[i].FrameIndex == index {
			return &s.Frames[i]
		}
	}
	return nil
}
