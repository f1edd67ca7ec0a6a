// Package manifest loads, defaults, validates, and fingerprints the
// immutable run manifest (§3): character/move identity, generation and
// target sizes, alignment policy, retry ladder tuning, stop-condition
// thresholds, and prompt templates.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AlignmentMethod selects how the post-processor handles contact-patch
// alignment for a candidate frame.
type AlignmentMethod string

const (
	AlignNone  AlignmentMethod = "none"
	AlignShift AlignmentMethod = "shift"
)

// TransparencyMode selects how the post-processor enforces an alpha channel.
type TransparencyMode string

const (
	TransparencyTrueAlpha TransparencyMode = "true_alpha"
	TransparencyChromaKey TransparencyMode = "chroma_key"
)

// AlignmentPolicy configures the Contact-Patch Alignment stage (§4.C).
type AlignmentPolicy struct {
	Method         AlignmentMethod `json:"method" yaml:"method"`
	VerticalLock   bool            `json:"vertical_lock" yaml:"vertical_lock"`
	MaxShiftX      int             `json:"max_shift_x" yaml:"max_shift_x"`
	RootZoneRatio  float64         `json:"root_zone_ratio" yaml:"root_zone_ratio"`
	Transparency   TransparencyMode `json:"transparency" yaml:"transparency"`
}

// AuditThresholds configures the Auditor's soft-metric pass/fail cutoffs (§4.D).
type AuditThresholds struct {
	PassThreshold      float64 `json:"pass_threshold" yaml:"pass_threshold"`
	IdentityMin        float64 `json:"identity_min" yaml:"identity_min"`
	PaletteMin         float64 `json:"palette_min" yaml:"palette_min"`
	PaletteDeltaE      float64 `json:"palette_delta_e" yaml:"palette_delta_e"`
	BaselinePassPx     float64 `json:"baseline_pass_px" yaml:"baseline_pass_px"`
	BaselineFailPx     float64 `json:"baseline_fail_px" yaml:"baseline_fail_px"`
	PixelNoiseMax      int     `json:"pixel_noise_max" yaml:"pixel_noise_max"`
	AlphaHaloMax       float64 `json:"alpha_halo_max" yaml:"alpha_halo_max"`
	TemporalThresholds map[string]float64 `json:"temporal_thresholds" yaml:"temporal_thresholds"`
}

// StopThresholds configures the Stop-Condition Evaluator (§4.F).
type StopThresholds struct {
	MaxRetryRate        float64 `json:"max_retry_rate" yaml:"max_retry_rate"`
	MaxRejectRate       float64 `json:"max_reject_rate" yaml:"max_reject_rate"`
	MaxConsecutiveFails int     `json:"max_consecutive_fails" yaml:"max_consecutive_fails"`
	CircuitBreakerLimit int     `json:"circuit_breaker_limit" yaml:"circuit_breaker_limit"`
}

// PromptTemplates holds the named text templates the Composer interpolates (§4.B).
type PromptTemplates struct {
	Master   string `json:"master" yaml:"master"`
	Lock     string `json:"lock" yaml:"lock"`
	Variation string `json:"variation" yaml:"variation"`
	Negative string `json:"negative" yaml:"negative"`
}

// Manifest is the immutable input describing one sprite-sheet generation run.
type Manifest struct {
	Version int `json:"version" yaml:"version"`

	Character string `json:"character" yaml:"character"`
	Move      string `json:"move" yaml:"move"`
	TotalFrames int   `json:"total_frames" yaml:"total_frames"`
	IsLoop    bool   `json:"is_loop" yaml:"is_loop"`

	AnchorPath string `json:"anchor_path" yaml:"anchor_path"`

	GenerationSize int `json:"generation_size" yaml:"generation_size"`
	TargetSize     int `json:"target_size" yaml:"target_size"`

	MaxAttemptsPerFrame int `json:"max_attempts_per_frame" yaml:"max_attempts_per_frame"`

	Temperature float32 `json:"temperature" yaml:"temperature"`

	Alignment AlignmentPolicy `json:"alignment" yaml:"alignment"`
	Audit     AuditThresholds `json:"audit" yaml:"audit"`
	Stop      StopThresholds  `json:"stop" yaml:"stop"`
	Prompts   PromptTemplates `json:"prompt_templates" yaml:"prompt_templates"`

	ModelID string `json:"model_id" yaml:"model_id"`
}

// defaultTemperature is the model's native sampling temperature. Lower
// values empirically cause mode collapse (§4.B) and are rejected outright.
const defaultTemperature float32 = 1.0

// Load reads a manifest from path, sniffing the format by extension (.json
// vs. anything else treated as YAML), applies defaults, and validates it.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("manifest: parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("manifest: parse yaml: %w", err)
		}
	}
	applyDefaults(&m)
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func applyDefaults(m *Manifest) {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.TargetSize == 0 {
		m.TargetSize = 64
	}
	if m.GenerationSize == 0 {
		m.GenerationSize = m.TargetSize * 4
	}
	if m.MaxAttemptsPerFrame == 0 {
		m.MaxAttemptsPerFrame = 5
	}
	if m.Temperature == 0 {
		m.Temperature = defaultTemperature
	}
	if m.Alignment.Method == "" {
		m.Alignment.Method = AlignShift
	}
	if m.Alignment.MaxShiftX == 0 {
		m.Alignment.MaxShiftX = 32
	}
	if m.Alignment.RootZoneRatio == 0 {
		m.Alignment.RootZoneRatio = 0.15
	}
	if m.Alignment.Transparency == "" {
		m.Alignment.Transparency = TransparencyTrueAlpha
	}
	if m.Audit.PassThreshold == 0 {
		m.Audit.PassThreshold = 0.9
	}
	if m.Audit.IdentityMin == 0 {
		m.Audit.IdentityMin = 0.85
	}
	if m.Audit.PaletteMin == 0 {
		m.Audit.PaletteMin = 0.90
	}
	if m.Audit.PaletteDeltaE == 0 {
		m.Audit.PaletteDeltaE = 2.3
	}
	if m.Audit.BaselinePassPx == 0 {
		m.Audit.BaselinePassPx = 1
	}
	if m.Audit.BaselineFailPx == 0 {
		m.Audit.BaselineFailPx = 8
	}
	if m.Audit.PixelNoiseMax == 0 {
		m.Audit.PixelNoiseMax = 15
	}
	if m.Audit.AlphaHaloMax == 0 {
		m.Audit.AlphaHaloMax = 0.02
	}
	if m.Audit.TemporalThresholds == nil {
		m.Audit.TemporalThresholds = map[string]float64{
			"idle": 0.02,
			"walk": 0.10,
			"block": 0.05,
		}
	}
	if m.Stop.MaxRetryRate == 0 {
		m.Stop.MaxRetryRate = 0.5
	}
	if m.Stop.MaxRejectRate == 0 {
		m.Stop.MaxRejectRate = 0.3
	}
	if m.Stop.MaxConsecutiveFails == 0 {
		m.Stop.MaxConsecutiveFails = 3
	}
	if m.Stop.CircuitBreakerLimit == 0 {
		m.Stop.CircuitBreakerLimit = 50
	}
}

// Validate checks a manifest for structural and semantic consistency.
// Checks run in order and the first failure is returned, mirroring the
// ordered-check style the engine's config validator uses.
func Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest: nil")
	}
	if m.Version != 1 {
		return fmt.Errorf("manifest: unsupported version %d", m.Version)
	}
	if strings.TrimSpace(m.Character) == "" {
		return fmt.Errorf("manifest: character is required")
	}
	if strings.TrimSpace(m.Move) == "" {
		return fmt.Errorf("manifest: move is required")
	}
	if m.TotalFrames < 1 {
		return fmt.Errorf("manifest: total_frames must be >= 1")
	}
	if strings.TrimSpace(m.AnchorPath) == "" {
		return fmt.Errorf("manifest: anchor_path is required")
	}
	if m.TargetSize < 1 {
		return fmt.Errorf("manifest: target_size must be >= 1")
	}
	if m.GenerationSize < m.TargetSize*4 {
		return fmt.Errorf("manifest: generation_size must be >= target_size * 4")
	}
	if m.GenerationSize%m.TargetSize != 0 {
		return fmt.Errorf("manifest: generation_size must be an exact integer multiple of target_size")
	}
	if m.Temperature < defaultTemperature {
		return fmt.Errorf("manifest: temperature %.2f below model default %.2f causes mode collapse and is rejected", m.Temperature, defaultTemperature)
	}
	switch m.Alignment.Method {
	case AlignNone, AlignShift:
	default:
		return fmt.Errorf("manifest: invalid alignment.method %q", m.Alignment.Method)
	}
	switch m.Alignment.Transparency {
	case TransparencyTrueAlpha, TransparencyChromaKey:
	default:
		return fmt.Errorf("manifest: invalid alignment.transparency %q", m.Alignment.Transparency)
	}
	if m.Alignment.MaxShiftX < 0 {
		return fmt.Errorf("manifest: alignment.max_shift_x must be >= 0")
	}
	if m.Alignment.RootZoneRatio <= 0 || m.Alignment.RootZoneRatio > 1 {
		return fmt.Errorf("manifest: alignment.root_zone_ratio must be in (0,1]")
	}
	if m.Audit.PassThreshold <= 0 || m.Audit.PassThreshold > 1 {
		return fmt.Errorf("manifest: audit.pass_threshold must be in (0,1]")
	}
	if m.MaxAttemptsPerFrame < 1 {
		return fmt.Errorf("manifest: max_attempts_per_frame must be >= 1")
	}
	if m.Stop.MaxRetryRate <= 0 || m.Stop.MaxRetryRate > 1 {
		return fmt.Errorf("manifest: stop.max_retry_rate must be in (0,1]")
	}
	if m.Stop.MaxRejectRate <= 0 || m.Stop.MaxRejectRate > 1 {
		return fmt.Errorf("manifest: stop.max_reject_rate must be in (0,1]")
	}
	if m.Stop.MaxConsecutiveFails < 1 {
		return fmt.Errorf("manifest: stop.max_consecutive_fails must be >= 1")
	}
	if m.Stop.CircuitBreakerLimit < 1 {
		return fmt.Errorf("manifest: stop.circuit_breaker_limit must be >= 1")
	}
	return nil
}

// Hash returns the manifest's stable fingerprint: 16 hex characters of the
// SHA-256 digest over a canonicalized, key-sorted JSON serialization (§3).
func Hash(m *Manifest) (string, error) {
	canon, err := canonicalize(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16], nil
}

// canonicalize serializes m to JSON with object keys sorted, so the same
// logical manifest always hashes to the same bytes regardless of struct
// field declaration order or map iteration order.
func canonicalize(m *Manifest) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return marshalSorted(raw)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			sb.Write(vb)
		}
		sb.WriteByte('}')
		return []byte(sb.String()), nil
	case []interface{}:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			sb.Write(ib)
		}
		sb.WriteByte(']')
		return []byte(sb.String()), nil
	default:
		return json.Marshal(val)
	}
}
