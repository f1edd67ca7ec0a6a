package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	m := &Manifest{
		Version:     1,
		Character:   "ryu",
		Move:        "idle",
		TotalFrames: 4,
		AnchorPath:  "anchor.png",
		TargetSize:  64,
	}
	applyDefaults(m)
	return m
}

func TestApplyDefaults(t *testing.T) {
	m := validManifest()
	assert.Equal(t, 256, m.GenerationSize)
	assert.Equal(t, 5, m.MaxAttemptsPerFrame)
	assert.Equal(t, AlignShift, m.Alignment.Method)
	assert.Equal(t, 32, m.Alignment.MaxShiftX)
	assert.Equal(t, 0.15, m.Alignment.RootZoneRatio)
	assert.Equal(t, TransparencyTrueAlpha, m.Alignment.Transparency)
	assert.Equal(t, 0.9, m.Audit.PassThreshold)
	assert.InDelta(t, defaultTemperature, m.Temperature, 0.0001)
	assert.Equal(t, 50, m.Stop.CircuitBreakerLimit)
}

func TestValidate_RejectsBelowDefaultTemperature(t *testing.T) {
	m := validManifest()
	m.Temperature = 0.2
	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode collapse")
}

func TestValidate_RejectsNonIntegerGenerationRatio(t *testing.T) {
	m := validManifest()
	m.GenerationSize = 300 // not a multiple of 64
	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation_size")
}

func TestValidate_RejectsMissingCharacter(t *testing.T) {
	m := validManifest()
	m.Character = ""
	err := Validate(m)
	require.Error(t, err)
}

func TestValidate_AcceptsValidManifest(t *testing.T) {
	m := validManifest()
	assert.NoError(t, Validate(m))
}

func TestHash_DeterministicRegardlessOfMapOrder(t *testing.T) {
	m1 := validManifest()
	m1.Audit.TemporalThresholds = map[string]float64{"idle": 0.02, "walk": 0.10, "block": 0.05}
	m2 := validManifest()
	m2.Audit.TemporalThresholds = map[string]float64{"block": 0.05, "walk": 0.10, "idle": 0.02}

	h1, err := Hash(m1)
	require.NoError(t, err)
	h2, err := Hash(m2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestHash_DiffersOnSemanticChange(t *testing.T) {
	m1 := validManifest()
	m2 := validManifest()
	m2.Move = "walk"

	h1, err := Hash(m1)
	require.NoError(t, err)
	h2, err := Hash(m2)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestLoad_JSONAndYAMLProduceEquivalentManifests(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "m.json")
	jsonBody := `{"version":1,"character":"ryu","move":"idle","total_frames":4,"anchor_path":"anchor.png","target_size":64}`
	require.NoError(t, os.WriteFile(jsonPath, []byte(jsonBody), 0o644))

	yamlPath := filepath.Join(dir, "m.yaml")
	yamlBody := "version: 1\ncharacter: ryu\nmove: idle\ntotal_frames: 4\nanchor_path: anchor.png\ntarget_size: 64\n"
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlBody), 0o644))

	mj, err := Load(jsonPath)
	require.NoError(t, err)
	my, err := Load(yamlPath)
	require.NoError(t, err)

	hj, err := Hash(mj)
	require.NoError(t, err)
	hy, err := Hash(my)
	require.NoError(t, err)
	assert.Equal(t, hj, hy)
}

func TestLoad_RejectsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
