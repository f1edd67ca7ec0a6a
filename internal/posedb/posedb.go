// Package posedb loads the Pose Library: a JSON catalog of per-frame pose
// descriptions keyed by (move_id, frame_index), fingerprinted the same way
// the engine's LiteLLM model catalog is (read, hash, sanity-check non-empty).
package posedb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Tension is the qualitative intensity of a pose, used by the Prompt
// Composer to color its interpolated template text.
type Tension string

const (
	TensionRelaxed  Tension = "relaxed"
	TensionTense    Tension = "tense"
	TensionExplosive Tension = "explosive"
)

// Pose is one (move_id, frame_index) entry in the library (§3 FramePose).
// Frame 0 never has an entry: the anchor IS frame 0.
type Pose struct {
	Description string  `json:"description"`
	Tension     Tension `json:"tension"`
}

// key identifies one pose within the library.
type key struct {
	move  string
	frame int
}

// rawEntry is the on-disk shape: one array element per pose.
type rawEntry struct {
	Move        string  `json:"move"`
	FrameIndex  int     `json:"frame_index"`
	Description string  `json:"description"`
	Tension     Tension `json:"tension"`
}

// DB is a loaded, fingerprinted pose library.
type DB struct {
	poses    map[key]Pose
	Checksum string
}

// fallbackPose is returned by Lookup when no entry exists for (move, frame),
// keeping the Composer unblocked on an incomplete library.
var fallbackPose = Pose{Description: "a neutral mid-action pose consistent with the move", Tension: TensionTense}

// Load reads the pose catalog at path, computes its SHA-256 checksum, and
// parses it. An empty catalog is rejected, mirroring the engine's catalog
// loader sanity check.
func Load(path string) (*DB, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("posedb: read %s: %w", path, err)
	}
	sum := sha256.Sum256(b)

	var entries []rawEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("posedb: parse %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("posedb: catalog at %s is empty", path)
	}

	poses := make(map[key]Pose, len(entries))
	for _, e := range entries {
		poses[key{move: e.Move, frame: e.FrameIndex}] = Pose{Description: e.Description, Tension: e.Tension}
	}

	return &DB{poses: poses, Checksum: hex.EncodeToString(sum[:])}, nil
}

// Lookup returns the pose for (move, frameIndex), or the fallback pose and
// false if none is cataloged.
func (db *DB) Lookup(move string, frameIndex int) (Pose, bool) {
	if frameIndex == 0 {
		return Pose{}, false
	}
	p, ok := db.poses[key{move: move, frame: frameIndex}]
	if !ok {
		return fallbackPose, false
	}
	return p, true
}
