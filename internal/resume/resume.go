// Package resume implements the Resumption Detector (§4.H): finding the
// most recent resumable run folder for a (character, move), verifying its
// on-disk state against the current manifest, and computing where
// generation should continue from.
package resume

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/strongdm/spritegen/internal/runstore"
)

// resumableStatuses are the RunStatus values eligible for resumption (§4.H step 3).
var resumableStatuses = map[runmodel.RunStatus]bool{
	runmodel.RunInProgress: true,
	runmodel.RunPaused:     true,
	runmodel.RunPending:    true,
}

// Decision is the result of scanning runsRoot for a resumable run.
type Decision struct {
	Found            bool
	RunDir           string
	RunState         *runmodel.RunState
	DemotedFrames    []int // frames whose approved artifact was missing/corrupt, demoted to pending
	FirstPendingFrame int
	AlreadyCompleted bool
}

type candidate struct {
	dir     string
	mtime   int64
	state   *runmodel.RunState
}

// Detect scans runsRoot for subfolders matching *_{character}_{move}
// (case-insensitive), loads each state.json, and picks the most recently
// modified resumable one. force bypasses the manifest_hash mismatch refusal.
func Detect(runsRoot, character, move, currentManifestHash string, force bool) (Decision, error) {
	pattern := fmt.Sprintf("*_%s_%s", strings.ToLower(character), strings.ToLower(move))

	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("resume: read %s: %w", runsRoot, err)
	}

	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matched, err := doublestar.Match(pattern, strings.ToLower(entry.Name()))
		if err != nil {
			return Decision{}, fmt.Errorf("resume: match pattern: %w", err)
		}
		if !matched {
			continue
		}

		dir := filepath.Join(runsRoot, entry.Name())
		store, err := runstore.Open(dir)
		if err != nil {
			continue
		}
		rs, err := store.LoadState()
		if err != nil {
			continue // missing/corrupt state.json: skip per §4.H step 2
		}
		if !resumableStatuses[rs.Status] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{dir: dir, mtime: info.ModTime().UnixNano(), state: rs})
	}

	if len(candidates) == 0 {
		return Decision{}, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime > candidates[j].mtime })
	chosen := candidates[0]

	if chosen.state.ManifestHash != currentManifestHash && !force {
		return Decision{}, fmt.Errorf("resume: manifest_hash mismatch for %s (stored=%s current=%s); pass force to override",
			chosen.dir, chosen.state.ManifestHash, currentManifestHash)
	}

	demoted := verifyApprovedFrames(chosen.dir, chosen.state)

	firstPending := firstPendingFrame(chosen.state)
	if firstPending == -1 {
		return Decision{
			Found:            true,
			RunDir:           chosen.dir,
			RunState:         chosen.state,
			DemotedFrames:    demoted,
			AlreadyCompleted: true,
		}, fmt.Errorf("resume: run %s is already completed", chosen.dir)
	}

	return Decision{
		Found:             true,
		RunDir:             chosen.dir,
		RunState:           chosen.state,
		DemotedFrames:      demoted,
		FirstPendingFrame:  firstPending,
	}, nil
}

// verifyApprovedFrames checks that every frame declared approved actually
// has a non-empty file on disk, demoting any that don't back to pending
// (§4.H step 5). It returns the indices demoted.
func verifyApprovedFrames(runDir string, rs *runmodel.RunState) []int {
	var demoted []int
	for i := range rs.FrameStates {
		f := &rs.FrameStates[i]
		if f.Status != runmodel.FrameApproved {
			continue
		}
		path := f.ApprovedPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(runDir, path)
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			f.Status = runmodel.FramePending
			f.ApprovedPath = ""
			demoted = append(demoted, i)
		}
	}
	return demoted
}

// firstPendingFrame returns the smallest frame index not approved, or -1 if
// every frame is approved (§4.H step 6/7).
func firstPendingFrame(rs *runmodel.RunState) int {
	for i, f := range rs.FrameStates {
		if f.Status != runmodel.FrameApproved {
			return i
		}
	}
	return -1
}
