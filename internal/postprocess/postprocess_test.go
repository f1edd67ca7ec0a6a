package postprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/strongdm/spritegen/internal/anchor"
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledSquare(size, lo, hi int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x >= lo && x < hi && y >= lo && y < hi {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.NRGBA{})
			}
		}
	}
	return img
}

func TestDownsample_ExactIntegerRatio(t *testing.T) {
	src := filledSquare(256, 64, 192, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	out, err := downsample(src, 256, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Bounds().Dx())
}

func TestDownsample_RejectsNonIntegerRatio(t *testing.T) {
	src := filledSquare(300, 0, 300, color.NRGBA{A: 255})
	_, err := downsample(src, 300, 64)
	require.Error(t, err)
	var rErr *ErrResolutionRatio
	assert.ErrorAs(t, err, &rErr)
}

func TestDownsample_RejectsRatioBelowTwo(t *testing.T) {
	src := filledSquare(64, 0, 64, color.NRGBA{A: 255})
	_, err := downsample(src, 64, 64)
	require.Error(t, err)
}

func TestEnforceTransparency_TrueAlphaRejectsOpaqueImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: 1, G: 1, B: 1, A: 255})
		}
	}
	_, _, err := enforceTransparency(img, manifest.TransparencyTrueAlpha, nil)
	require.Error(t, err)
	var noAlpha *ErrNoAlpha
	assert.ErrorAs(t, err, &noAlpha)
}

func TestPickChromaKey_PicksFurthestFromAnchorPalette(t *testing.T) {
	// Anchor palette is all reds/blacks, so cyan (furthest from both) beats magenta.
	a := &anchor.Analysis{Palette: map[anchor.RGB]struct{}{
		{R: 200, G: 0, B: 0}: {},
		{R: 0, G: 0, B: 0}:   {},
	}}
	chosen := pickChromaKey(a)
	assert.NotEqual(t, color.NRGBA{R: 255, G: 0, B: 255, A: 255}, chosen)
}

func TestApplyChromaKey_ClearsMatchingPixels(t *testing.T) {
	img := filledSquare(4, 0, 4, color.NRGBA{R: 255, G: 0, B: 255, A: 255})
	out := applyChromaKey(img, color.NRGBA{R: 255, G: 0, B: 255, A: 255})
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A)
}

func TestAlign_ClampsShiftXToMaxShift(t *testing.T) {
	anchorA := &anchor.Analysis{BaselineY: 60, CentroidX: 40}
	img := filledSquare(64, 0, 64, color.NRGBA{R: 1, G: 1, B: 1, A: 255})
	policy := manifest.AlignmentPolicy{Method: manifest.AlignShift, VerticalLock: true, MaxShiftX: 5, RootZoneRatio: 0.15}

	_, shiftX, _, err := align(img, policy, anchorA)
	require.NoError(t, err)
	assert.LessOrEqual(t, shiftX, 5)
	assert.GreaterOrEqual(t, shiftX, -5)
}

func TestAlign_ZerosShiftYWhenVerticalLockFalse(t *testing.T) {
	anchorA := &anchor.Analysis{BaselineY: 60, CentroidX: 32}
	img := filledSquare(64, 16, 48, color.NRGBA{R: 1, G: 1, B: 1, A: 255})
	policy := manifest.AlignmentPolicy{Method: manifest.AlignShift, VerticalLock: false, MaxShiftX: 32, RootZoneRatio: 0.15}

	_, _, shiftY, err := align(img, policy, anchorA)
	require.NoError(t, err)
	assert.Equal(t, 0, shiftY)
}

func TestAlign_NoneMethodDisablesShifting(t *testing.T) {
	anchorA := &anchor.Analysis{BaselineY: 60, CentroidX: 32}
	img := filledSquare(64, 16, 48, color.NRGBA{R: 1, G: 1, B: 1, A: 255})
	policy := manifest.AlignmentPolicy{Method: manifest.AlignNone}

	out, shiftX, shiftY, err := align(img, policy, anchorA)
	require.NoError(t, err)
	assert.Equal(t, 0, shiftX)
	assert.Equal(t, 0, shiftY)
	assert.Same(t, img, out)
}
