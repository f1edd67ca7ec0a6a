// Package runstore owns the on-disk run folder layout (§4.G, §6): atomic
// state writes, candidate/approved/rejected frame naming, and the lock file
// that pins a run to the manifest it started from.
package runstore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/runmodel"
)

// NewRunID mints a lexically sortable, timestamp-prefixed run identifier.
func NewRunID() (string, error) {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", fmt.Errorf("runstore: mint run id: %w", err)
	}
	return id.String(), nil
}

// LockFile pins a run's resolved inputs and environment at creation time
// (§4.G). It is immutable for the life of the run.
type LockFile struct {
	RunID          string `json:"run_id"`
	RunStart       string `json:"run_start"`
	ManifestHash   string `json:"manifest_hash"`
	ModelID        string `json:"model_id"`
	AdapterVersion string `json:"adapter_version"`
	RuntimeVersion string `json:"runtime_version"`
	OS             string `json:"os"`
	AnchorPath     string `json:"anchor_path"`
	ManifestPath   string `json:"manifest_path"`
	PoseDBPath     string `json:"posedb_path,omitempty"`
}

// NewLockFile builds a LockFile for a freshly created run, resolving and
// forward-slash-normalizing all referenced input paths.
func NewLockFile(runID, manifestHash, modelID, adapterVersion, anchorPath, manifestPath, poseDBPath string) (LockFile, error) {
	resolvedAnchor, err := resolvePath(anchorPath)
	if err != nil {
		return LockFile{}, err
	}
	resolvedManifest, err := resolvePath(manifestPath)
	if err != nil {
		return LockFile{}, err
	}
	resolvedPoseDB := ""
	if poseDBPath != "" {
		resolvedPoseDB, err = resolvePath(poseDBPath)
		if err != nil {
			return LockFile{}, err
		}
	}
	return LockFile{
		RunID:          runID,
		RunStart:       time.Now().UTC().Format(time.RFC3339),
		ManifestHash:   manifestHash,
		ModelID:        modelID,
		AdapterVersion: adapterVersion,
		RuntimeVersion: runtime.Version(),
		OS:             runtime.GOOS,
		AnchorPath:     resolvedAnchor,
		ManifestPath:   resolvedManifest,
		PoseDBPath:     resolvedPoseDB,
	}, nil
}

// NewRunDirName builds the bit-stable run folder name (§6):
// {YYYYMMDD}_{HHMMSS}_{4-hex}_{character}_{move}.
func NewRunDirName(character, move string) (string, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("runstore: mint run dir suffix: %w", err)
	}
	t := time.Now().UTC()
	return fmt.Sprintf("%s_%x_%s_%s", t.Format("20060102_150405"), buf[:], character, move), nil
}

func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("runstore: resolve path %s: %w", p, err)
	}
	return filepath.ToSlash(abs), nil
}

// Store is a handle onto one run's folder tree.
type Store struct {
	Root string
}

// Open returns a Store rooted at dir, creating the run's subdirectories if
// they do not yet exist.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"candidates", "approved", "rejected", "audit"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("runstore: create %s: %w", sub, err)
		}
	}
	return &Store{Root: dir}, nil
}

// CandidatePath returns the naming-convention path for a candidate PNG
// (§4.G): candidates/frame_{index:04}_attempt_{n:02}.png.
func (s *Store) CandidatePath(frameIndex, attemptIndex int) string {
	return filepath.Join(s.Root, "candidates", fmt.Sprintf("frame_%04d_attempt_%02d.png", frameIndex, attemptIndex))
}

// ApprovedPath returns the naming-convention path for an approved frame.
func (s *Store) ApprovedPath(frameIndex int) string {
	return filepath.Join(s.Root, "approved", fmt.Sprintf("frame_%04d.png", frameIndex))
}

// RejectedPath returns the naming-convention path for a rejected candidate,
// reason-coded into the filename, plus its metadata sibling.
func (s *Store) RejectedPath(frameIndex int, code reason.Code) (imagePath, metadataPath string) {
	base := fmt.Sprintf("frame_%04d_%s", frameIndex, code)
	dir := filepath.Join(s.Root, "rejected")
	return filepath.Join(dir, base+".png"), filepath.Join(dir, base+"_metadata.json")
}

// AuditPath returns the naming-convention path for one attempt's audit JSON.
func (s *Store) AuditPath(frameIndex, attemptIndex int) string {
	return filepath.Join(s.Root, "audit", fmt.Sprintf("frame_%04d_attempt_%02d.json", frameIndex, attemptIndex))
}

func (s *Store) statePath() string        { return filepath.Join(s.Root, "state.json") }
func (s *Store) lockPath() string         { return filepath.Join(s.Root, "manifest.lock.json") }
func (s *Store) summaryPath() string      { return filepath.Join(s.Root, "summary.json") }
func (s *Store) diagnosticPath() string   { return filepath.Join(s.Root, "diagnostic.json") }

// WriteAtomic writes data to path via a temp sibling file followed by a
// rename, so readers never observe a partially written file (§4.G).
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runstore: create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstore: write temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("runstore: rename into %s: %w", path, err)
	}
	return nil
}

// SaveState atomically persists rs to state.json.
func (s *Store) SaveState(rs *runmodel.RunState) error {
	b, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal state: %w", err)
	}
	return WriteAtomic(s.statePath(), b)
}

// LoadState reads and parses state.json. It returns an error (never panics)
// on missing or corrupt files so callers (notably the resumption detector)
// can treat it as "skip this run folder".
func (s *Store) LoadState() (*runmodel.RunState, error) {
	b, err := os.ReadFile(s.statePath())
	if err != nil {
		return nil, err
	}
	var rs runmodel.RunState
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("runstore: parse state.json: %w", err)
	}
	return &rs, nil
}

// SaveLockFile atomically persists lf to manifest.lock.json. It is written
// once, at run creation, and never rewritten afterward.
func (s *Store) SaveLockFile(lf LockFile) error {
	b, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal lock file: %w", err)
	}
	return WriteAtomic(s.lockPath(), b)
}

// LoadLockFile reads and parses manifest.lock.json.
func (s *Store) LoadLockFile() (*LockFile, error) {
	b, err := os.ReadFile(s.lockPath())
	if err != nil {
		return nil, err
	}
	var lf LockFile
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("runstore: parse manifest.lock.json: %w", err)
	}
	return &lf, nil
}

// SaveSummary atomically persists an arbitrary JSON-serializable summary
// view (the Reporter's live-status projection) to summary.json.
func (s *Store) SaveSummary(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal summary: %w", err)
	}
	return WriteAtomic(s.summaryPath(), b)
}

// SaveDiagnostic atomically persists the Reporter's post-mortem diagnostic
// view to diagnostic.json.
func (s *Store) SaveDiagnostic(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal diagnostic: %w", err)
	}
	return WriteAtomic(s.diagnosticPath(), b)
}

// PromoteToApproved renames a candidate file into approved/ at its
// canonical path.
func (s *Store) PromoteToApproved(candidatePath string, frameIndex int) (string, error) {
	dst := s.ApprovedPath(frameIndex)
	if err := os.Rename(candidatePath, dst); err != nil {
		return "", fmt.Errorf("runstore: promote frame %d: %w", frameIndex, err)
	}
	return dst, nil
}

// RejectCandidate moves a candidate file into rejected/ with a reason-coded
// name and writes a metadata sibling describing why.
func (s *Store) RejectCandidate(candidatePath string, frameIndex int, code reason.Code, metadata interface{}) (string, error) {
	dst, metaPath := s.RejectedPath(frameIndex, code)
	if err := os.Rename(candidatePath, dst); err != nil {
		return "", fmt.Errorf("runstore: reject frame %d: %w", frameIndex, err)
	}
	b, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return dst, fmt.Errorf("runstore: marshal reject metadata: %w", err)
	}
	if err := WriteAtomic(metaPath, b); err != nil {
		return dst, err
	}
	return dst, nil
}
