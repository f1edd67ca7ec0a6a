package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/strongdm/spritegen/internal/anchor"
	"github.com/strongdm/spritegen/internal/generator"
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/strongdm/spritegen/internal/runstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAnchor produces a fully opaque size x size anchor: its raw PNG bytes,
// the AnchorAnalysis, and the decoded *image.NRGBA.
func buildAnchor(t *testing.T, size int) ([]byte, *anchor.Analysis, *image.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.NRGBA{R: 50, G: 60, B: 70, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	analysis, err := anchor.Analyze(buf.Bytes(), size)
	require.NoError(t, err)
	return buf.Bytes(), analysis, img
}

// testManifest returns a manifest with thresholds loose enough that any
// correctly-shaped candidate passes the audit outright, keeping FSM tests
// independent of the audit's internal scoring math.
func testManifest(t *testing.T, targetSize int) *manifest.Manifest {
	t.Helper()
	m := &manifest.Manifest{
		Version:             1,
		Character:           "ryu",
		Move:                "idle",
		TotalFrames:         2,
		AnchorPath:          "anchor.png",
		GenerationSize:       targetSize * 4,
		TargetSize:           targetSize,
		MaxAttemptsPerFrame:  3,
		Temperature:          1.0,
		Alignment: manifest.AlignmentPolicy{
			Method:        manifest.AlignShift,
			MaxShiftX:     targetSize,
			RootZoneRatio: 0.5,
			Transparency:  manifest.TransparencyTrueAlpha,
		},
		Audit: manifest.AuditThresholds{
			PassThreshold:  0.01,
			IdentityMin:    0,
			PaletteMin:     0,
			PaletteDeltaE:  100,
			BaselinePassPx: float64(targetSize * 2),
			BaselineFailPx: float64(targetSize * 4),
			PixelNoiseMax:  targetSize * targetSize,
			AlphaHaloMax:   1,
			TemporalThresholds: map[string]float64{"idle": 1},
		},
		Stop: manifest.StopThresholds{
			MaxRetryRate:        1,
			MaxRejectRate:       1,
			MaxConsecutiveFails: 2,
			CircuitBreakerLimit: 50,
		},
	}
	require.NoError(t, manifest.Validate(m))
	return m
}

func newOrchestrator(t *testing.T, m *manifest.Manifest, gen generator.Generator) (*Orchestrator, *runstore.Store) {
	t.Helper()
	store, err := runstore.Open(t.TempDir())
	require.NoError(t, err)

	anchorBytes, anchorAnalysis, anchorImg := buildAnchor(t, m.TargetSize)
	o := New(m, gen, store, nil, string(anchorBytes), "image/png", anchorAnalysis, anchorImg, nil)
	o.sleep = func(time.Duration) {} // no real waiting in tests
	return o, store
}

func TestRun_HappyPathReachesCompleted(t *testing.T) {
	m := testManifest(t, 4)
	gen := generator.NewSimulated(m.GenerationSize)
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", m.TotalFrames)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	assert.Equal(t, runmodel.RunCompleted, rs.Status)
	assert.Equal(t, m.TotalFrames, rs.ApprovedCount())
	for _, f := range rs.FrameStates {
		assert.Equal(t, runmodel.FrameApproved, f.Status)
		assert.Len(t, f.Attempts, 1)
	}
}

func TestRun_PermanentErrorConsultsLadderThenSucceeds(t *testing.T) {
	m := testManifest(t, 4)
	gen := generator.NewSimulated(m.GenerationSize)
	gen.Failures[0] = &generator.Error{Kind: generator.ErrorSafetyRefused, Message: "refused"}
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", m.TotalFrames)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	assert.Equal(t, runmodel.RunCompleted, rs.Status)
	first := rs.FrameStates[0]
	require.Len(t, first.Attempts, 2)
	assert.Equal(t, runmodel.ResultHardFail, first.Attempts[0].Result)
	assert.Contains(t, first.Attempts[0].ReasonCodes, reason.SysUnknownError)
	assert.Equal(t, runmodel.ResultPassed, first.Attempts[1].Result)
}

func TestRun_TransientErrorBacksOffThenSucceeds(t *testing.T) {
	m := testManifest(t, 4)
	gen := generator.NewSimulated(m.GenerationSize)
	gen.Failures[0] = &generator.Error{Kind: generator.ErrorOverloaded, Message: "overloaded"}
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", m.TotalFrames)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	assert.Equal(t, runmodel.RunCompleted, rs.Status)
	// Transient failures don't count as attempts against the frame.
	assert.Len(t, rs.FrameStates[0].Attempts, 1)
	assert.Equal(t, 2, gen.Calls())
}

func TestRun_LadderExhaustionRejectsFrameAndAdvances(t *testing.T) {
	m := testManifest(t, 4)
	m.MaxAttemptsPerFrame = 2
	m.Stop.MaxConsecutiveFails = 100
	gen := generator.NewSimulated(m.GenerationSize)
	// Every attempt for frame 0 comes back a permanent error, recorded as
	// SYS_UNKNOWN_ERROR; that code has no ladder entry, so the ladder is
	// exhausted on the first attempt and the frame is rejected.
	for i := 0; i < 5; i++ {
		gen.Failures[i] = &generator.Error{Kind: generator.ErrorSafetyRefused, Message: "refused"}
	}
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", 1)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	assert.Equal(t, runmodel.FrameRejected, rs.FrameStates[0].Status)
	assert.NotEmpty(t, rs.FrameStates[0].FinalReason)
	assert.Equal(t, runmodel.RunCompleted, rs.Status)
}

func TestRun_TransientErrorExhaustsBackoffAndConsultsLadder(t *testing.T) {
	m := testManifest(t, 4)
	gen := generator.NewSimulated(m.GenerationSize)
	// Every call, including every in-attempt backoff retry, fails
	// transiently so the attempt exhausts its backoff budget.
	for i := 0; i <= 10; i++ {
		gen.Failures[i] = &generator.Error{Kind: generator.ErrorOverloaded, Message: "overloaded"}
	}
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", 1)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	first := rs.FrameStates[0]
	require.NotEmpty(t, first.Attempts)
	assert.Equal(t, runmodel.ResultHardFail, first.Attempts[0].Result)
	assert.Contains(t, first.Attempts[0].ReasonCodes, reason.DepAPIUnavailable)
	// No entry in the ladder's reason table for DEP_API_UNAVAILABLE: the
	// ladder is consulted and immediately exhausted, rejecting the frame.
	assert.Equal(t, runmodel.FrameRejected, first.Status)
	assert.Equal(t, reason.LadderExhausted, first.FinalReason)

	for _, tr := range rs.TransitionHistory {
		if tr.From == string(StateGenerating) {
			assert.Contains(t, []string{string(StateAuditing), string(StateStopped)}, tr.To)
		}
	}
}

// opaqueGenerator always returns a fully-opaque candidate, never exercising
// any alpha channel, to drive postprocess's true_alpha enforcement into
// ErrNoAlpha.
type opaqueGenerator struct {
	size int
}

func (g *opaqueGenerator) Generate(ctx context.Context, req generator.Request) (generator.Response, error) {
	img := image.NewNRGBA(image.Rect(0, 0, g.size, g.size))
	for y := 0; y < g.size; y++ {
		for x := 0; x < g.size; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return generator.Response{}, err
	}
	return generator.Response{ImageBytes: buf.Bytes(), Mime: "image/png", ModelID: "opaque"}, nil
}

func TestRun_PostprocessNoAlphaHardFailsViaAuditing(t *testing.T) {
	m := testManifest(t, 4)
	m.MaxAttemptsPerFrame = 1
	gen := &opaqueGenerator{size: m.GenerationSize}
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", 1)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	first := rs.FrameStates[0]
	require.Len(t, first.Attempts, 1)
	assert.Equal(t, runmodel.ResultHardFail, first.Attempts[0].Result)
	assert.Contains(t, first.Attempts[0].ReasonCodes, reason.HFNoAlpha)
	assert.Equal(t, runmodel.FrameRejected, first.Status)

	for _, tr := range rs.TransitionHistory {
		if tr.From == string(StateGenerating) {
			assert.Contains(t, []string{string(StateAuditing), string(StateStopped)}, tr.To)
		}
	}
}

func TestRun_ConsecutiveFailsTriggersStop(t *testing.T) {
	m := testManifest(t, 4)
	m.MaxAttemptsPerFrame = 1
	m.Stop.MaxConsecutiveFails = 2
	m.TotalFrames = 5
	gen := generator.NewSimulated(m.GenerationSize)
	for i := 0; i < 10; i++ {
		gen.Failures[i] = &generator.Error{Kind: generator.ErrorSafetyRefused, Message: "refused"}
	}
	o, _ := newOrchestrator(t, m, gen)

	rs := runmodel.NewRunState("run1", "hash1", m.TotalFrames)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	assert.Equal(t, runmodel.RunStopped, rs.Status)
	assert.Equal(t, reason.ConsecutiveFails, rs.StopReason)
}

func TestRun_StopHonoredBeforeFirstTransition(t *testing.T) {
	m := testManifest(t, 4)
	gen := generator.NewSimulated(m.GenerationSize)
	o, _ := newOrchestrator(t, m, gen)
	o.Stop()

	rs := runmodel.NewRunState("run1", "hash1", m.TotalFrames)
	err := o.Run(context.Background(), rs)
	require.NoError(t, err)

	assert.Equal(t, runmodel.RunStopped, rs.Status)
	assert.Equal(t, reason.UserInterrupt, rs.StopReason)
	assert.Equal(t, 0, gen.Calls())
}
