// Package anchor decodes and analyzes the master anchor PNG: palette
// extraction, baseline computation, and the contact-patch centroid used to
// align every generated frame back to the anchor (§4.A).
package anchor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
)

// opaqueAlphaThreshold is the alpha value (out of 255) at or above which a pixel
// counts as opaque for baseline and bounding-box purposes (§4.A).
const opaqueAlphaThreshold = 128

// defaultRootZoneRatio is the fraction of the visible bounding box's height,
// measured up from its bottom, used to compute the contact-patch centroid.
const defaultRootZoneRatio = 0.15

// RGB is an opaque pixel color reduced to its 8-bit channels.
type RGB struct {
	R, G, B uint8
}

// Analysis is the result of analyzing one anchor or candidate image (§3,
// AnchorAnalysis). It is also reused (with the same field set) for
// candidates during post-processing alignment.
type Analysis struct {
	Width, Height  int
	Palette        map[RGB]struct{}
	HasTransparency bool
	BoundingBox    image.Rectangle
	BaselineY      int
	CentroidX      float64
}

// ErrInvalidAnchor is returned when the anchor PNG fails the structural
// contract: missing alpha channel or wrong dimensions.
type ErrInvalidAnchor struct {
	Reason string
}

func (e *ErrInvalidAnchor) Error() string {
	return fmt.Sprintf("anchor: invalid anchor image: %s", e.Reason)
}

// Analyze decodes the PNG at data and computes its AnchorAnalysis. expectedSize
// is the manifest's target_size; the anchor must be expectedSize x expectedSize
// with an alpha channel, or Analyze returns *ErrInvalidAnchor.
func Analyze(data []byte, expectedSize int) (*Analysis, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ErrInvalidAnchor{Reason: fmt.Sprintf("decode failed: %v", err)}
	}
	return analyzeImage(img, expectedSize, defaultRootZoneRatio)
}

// AnalyzeWithRootZone is Analyze with an explicit root-zone ratio, used by
// the post-processor to re-run the identical computation against a
// candidate with the manifest's configured ratio.
func AnalyzeWithRootZone(img image.Image, rootZoneRatio float64) (*Analysis, error) {
	return analyzeImage(img, 0, rootZoneRatio)
}

func analyzeImage(img image.Image, expectedSize int, rootZoneRatio float64) (*Analysis, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if expectedSize > 0 && (w != expectedSize || h != expectedSize) {
		return nil, &ErrInvalidAnchor{Reason: fmt.Sprintf("dimensions %dx%d != expected %dx%d", w, h, expectedSize, expectedSize)}
	}

	if !hasAlphaModel(img) {
		return nil, &ErrInvalidAnchor{Reason: "missing alpha channel"}
	}

	palette := make(map[RGB]struct{})
	hasTransparency := false
	baselineY := -1
	minX, minY, maxX, maxY := bounds.Max.X, bounds.Max.Y, bounds.Min.X, bounds.Min.Y
	opaqueCount := 0

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		rowHasOpaque := false
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			a8 := uint8(a >> 8)
			if a8 < 255 {
				hasTransparency = true
			}
			if int(a8) >= opaqueAlphaThreshold {
				opaqueCount++
				rowHasOpaque = true
				palette[RGB{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}] = struct{}{}
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
		if rowHasOpaque {
			baselineY = y
		}
	}

	if opaqueCount == 0 {
		return nil, &ErrInvalidAnchor{Reason: "no opaque pixels"}
	}

	bbox := image.Rect(minX, minY, maxX+1, maxY+1)
	centroidX := contactPatchCentroidX(img, bbox, rootZoneRatio)

	return &Analysis{
		Width:           w,
		Height:          h,
		Palette:         palette,
		HasTransparency: hasTransparency,
		BoundingBox:     bbox,
		BaselineY:       baselineY,
		CentroidX:       centroidX,
	}, nil
}

// contactPatchCentroidX computes the alpha-weighted x-centroid within the
// root zone: the bottom rootZoneRatio * visible_height of bbox (§4.A).
func contactPatchCentroidX(img image.Image, bbox image.Rectangle, rootZoneRatio float64) float64 {
	visibleHeight := bbox.Dy()
	zoneHeight := int(float64(visibleHeight) * rootZoneRatio)
	if zoneHeight < 1 {
		zoneHeight = 1
	}
	zoneTop := bbox.Max.Y - zoneHeight
	if zoneTop < bbox.Min.Y {
		zoneTop = bbox.Min.Y
	}

	var weightedSum, totalWeight float64
	for y := zoneTop; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			weight := float64(a >> 8)
			if weight == 0 {
				continue
			}
			weightedSum += float64(x) * weight
			totalWeight += weight
		}
	}
	if totalWeight == 0 {
		return float64(bbox.Min.X+bbox.Max.X) / 2
	}
	return weightedSum / totalWeight
}

func hasAlphaModel(img image.Image) bool {
	switch img.ColorModel() {
	case color.NRGBAModel, color.RGBAModel, color.NRGBA64Model, color.RGBA64Model:
		return true
	default:
		return false
	}
}
