package anchor

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// square builds an NRGBA image of size*size with a filled opaque square from
// (size/4, size/4) to (3*size/4, 3*size/4) and transparent elsewhere.
func square(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	lo, hi := size/4, size*3/4
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x >= lo && x < hi && y >= lo && y < hi {
				img.Set(x, y, color.NRGBA{R: 200, G: 50, B: 50, A: 255})
			} else {
				img.Set(x, y, color.NRGBA{R: 0, G: 0, B: 0, A: 0})
			}
		}
	}
	return img
}

func TestAnalyze_ValidAnchor(t *testing.T) {
	data := encodePNG(t, square(64))
	a, err := Analyze(data, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, a.Width)
	assert.Equal(t, 64, a.Height)
	assert.True(t, a.HasTransparency)
	assert.Equal(t, 47, a.BaselineY) // 3*64/4 - 1
	assert.NotEmpty(t, a.Palette)
}

func TestAnalyze_RejectsWrongDimensions(t *testing.T) {
	data := encodePNG(t, square(32))
	_, err := Analyze(data, 64)
	require.Error(t, err)
	var invalid *ErrInvalidAnchor
	assert.ErrorAs(t, err, &invalid)
}

func TestAnalyze_RejectsOpaqueImageWithoutAlpha(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 10, B: 10, A: 255})
		}
	}
	// RGBA has an alpha model, so to truly simulate "no alpha channel" we
	// use image.NewGray, which the decoder surfaces as non-alpha.
	gray := image.NewGray(image.Rect(0, 0, 64, 64))
	data := encodePNG(t, gray)
	_, err := Analyze(data, 64)
	require.Error(t, err)
}

func TestAnalyze_RejectsFullyTransparentImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	data := encodePNG(t, img)
	_, err := Analyze(data, 64)
	require.Error(t, err)
}

func TestAnalyze_RejectsCorruptData(t *testing.T) {
	_, err := Analyze([]byte("not a png"), 64)
	require.Error(t, err)
}

func TestContactPatchCentroid_CentersOnSymmetricSquare(t *testing.T) {
	data := encodePNG(t, square(64))
	a, err := Analyze(data, 64)
	require.NoError(t, err)
	// Square spans x in [16,48), so the centroid should sit at the midpoint.
	assert.InDelta(t, 31.5, a.CentroidX, 1.0)
}
