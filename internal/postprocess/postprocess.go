// Package postprocess implements the candidate pipeline that runs after
// generation and before audit: downsample, transparency enforcement, and
// Contact-Patch Alignment (§4.C).
package postprocess

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/strongdm/spritegen/internal/anchor"
	"github.com/strongdm/spritegen/internal/manifest"
)

// ErrResolutionRatio is returned when generation_size is not an exact
// integer multiple (>= 2) of target_size.
type ErrResolutionRatio struct {
	GenerationSize, TargetSize int
}

func (e *ErrResolutionRatio) Error() string {
	return fmt.Sprintf("postprocess: generation_size %d is not an exact integer ratio >= 2 of target_size %d", e.GenerationSize, e.TargetSize)
}

// ErrNoAlpha is returned when true_alpha transparency is required but the
// decoded candidate carries no alpha channel.
type ErrNoAlpha struct{}

func (e *ErrNoAlpha) Error() string { return "postprocess: candidate has no alpha channel" }

// Result is the output of running the full pipeline on one candidate.
type Result struct {
	Image    *image.NRGBA
	ShiftX   int
	ShiftY   int
	ChromaKey *color.NRGBA // non-nil when chroma_key transparency selected a color
}

// Run executes downsample -> transparency enforce -> align on src, using
// policy from the manifest and anchorAnalysis from the already-analyzed
// master anchor.
func Run(src image.Image, m *manifest.Manifest, anchorAnalysis *anchor.Analysis) (*Result, error) {
	downsampled, err := downsample(src, m.GenerationSize, m.TargetSize)
	if err != nil {
		return nil, err
	}

	enforced, chromaKey, err := enforceTransparency(downsampled, m.Alignment.Transparency, anchorAnalysis)
	if err != nil {
		return nil, err
	}

	aligned, shiftX, shiftY, err := align(enforced, m.Alignment, anchorAnalysis)
	if err != nil {
		return nil, err
	}

	return &Result{Image: aligned, ShiftX: shiftX, ShiftY: shiftY, ChromaKey: chromaKey}, nil
}

// downsample performs nearest-neighbor downscale from generationSize to
// targetSize. The ratio must be an exact integer >= 2.
func downsample(src image.Image, generationSize, targetSize int) (*image.NRGBA, error) {
	if targetSize <= 0 || generationSize%targetSize != 0 {
		return nil, &ErrResolutionRatio{GenerationSize: generationSize, TargetSize: targetSize}
	}
	ratio := generationSize / targetSize
	if ratio < 2 {
		return nil, &ErrResolutionRatio{GenerationSize: generationSize, TargetSize: targetSize}
	}

	bounds := src.Bounds()
	if bounds.Dx() != generationSize || bounds.Dy() != generationSize {
		return nil, &ErrResolutionRatio{GenerationSize: generationSize, TargetSize: targetSize}
	}

	out := image.NewNRGBA(image.Rect(0, 0, targetSize, targetSize))
	for y := 0; y < targetSize; y++ {
		for x := 0; x < targetSize; x++ {
			srcX := bounds.Min.X + x*ratio
			srcY := bounds.Min.Y + y*ratio
			out.Set(x, y, src.At(srcX, srcY))
		}
	}
	return out, nil
}

// chromaCandidates are the chroma-key colors considered, in a fixed order so
// ties resolve deterministically (§4.C).
var chromaCandidates = []color.NRGBA{
	{R: 255, G: 0, B: 255, A: 255}, // magenta
	{R: 0, G: 255, B: 0, A: 255},   // green
	{R: 0, G: 255, B: 255, A: 255}, // cyan
	{R: 0, G: 0, B: 255, A: 255},   // blue
}

// chromaThreshold is the RGB Euclidean distance below which a pixel is
// considered a match for the chosen chroma color.
const chromaThreshold = 40.0

func enforceTransparency(img *image.NRGBA, mode manifest.TransparencyMode, anchorAnalysis *anchor.Analysis) (*image.NRGBA, *color.NRGBA, error) {
	switch mode {
	case manifest.TransparencyTrueAlpha:
		if !hasAnyTransparency(img) {
			return nil, nil, &ErrNoAlpha{}
		}
		return img, nil, nil
	case manifest.TransparencyChromaKey:
		chroma := pickChromaKey(anchorAnalysis)
		out := applyChromaKey(img, chroma)
		return out, &chroma, nil
	default:
		return img, nil, nil
	}
}

func hasAnyTransparency(img *image.NRGBA) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.NRGBAAt(x, y).A < 255 {
				return true
			}
		}
	}
	return false
}

// pickChromaKey selects the candidate maximizing the minimum RGB Euclidean
// distance to any color in the anchor's palette ("furthest-neighbor", §4.C).
func pickChromaKey(anchorAnalysis *anchor.Analysis) color.NRGBA {
	best := chromaCandidates[0]
	bestMinDist := -1.0
	for _, candidate := range chromaCandidates {
		minDist := math.MaxFloat64
		for c := range anchorAnalysis.Palette {
			d := rgbDistance(candidate, color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255})
			if d < minDist {
				minDist = d
			}
		}
		if minDist == math.MaxFloat64 {
			minDist = 0
		}
		if minDist > bestMinDist {
			bestMinDist = minDist
			best = candidate
		}
	}
	return best
}

func rgbDistance(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func applyChromaKey(img *image.NRGBA, chroma color.NRGBA) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := img.NRGBAAt(x, y)
			if rgbDistance(px, chroma) <= chromaThreshold {
				out.Set(x, y, color.NRGBA{})
				continue
			}
			out.Set(x, y, px)
		}
	}
	return out
}

// align runs Contact-Patch Alignment: compute the candidate's baseline and
// root-zone centroid the same way the anchor's were computed, then apply a
// clamped translation (§4.C).
func align(img *image.NRGBA, policy manifest.AlignmentPolicy, anchorAnalysis *anchor.Analysis) (*image.NRGBA, int, int, error) {
	if policy.Method == manifest.AlignNone {
		return img, 0, 0, nil
	}

	candidateAnalysis, err := anchor.AnalyzeWithRootZone(img, policy.RootZoneRatio)
	if err != nil {
		// A candidate that fails basic anchor analysis (e.g. fully
		// transparent) cannot be aligned; the Auditor's hard gates will
		// reject it, so pass it through unshifted.
		return img, 0, 0, nil
	}

	shiftY := anchorAnalysis.BaselineY - candidateAnalysis.BaselineY
	shiftX := int(math.Round(anchorAnalysis.CentroidX - candidateAnalysis.CentroidX))

	if shiftX > policy.MaxShiftX {
		shiftX = policy.MaxShiftX
	}
	if shiftX < -policy.MaxShiftX {
		shiftX = -policy.MaxShiftX
	}
	if !policy.VerticalLock {
		shiftY = 0
	}

	return translate(img, shiftX, shiftY), shiftX, shiftY, nil
}

// translate shifts img by (dx, dy), filling exposed pixels with transparent.
func translate(img *image.NRGBA, dx, dy int) *image.NRGBA {
	if dx == 0 && dy == 0 {
		return img
	}
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			srcX, srcY := x-dx, y-dy
			if srcX < bounds.Min.X || srcX >= bounds.Max.X || srcY < bounds.Min.Y || srcY >= bounds.Max.Y {
				out.Set(x, y, color.NRGBA{})
				continue
			}
			out.Set(x, y, img.NRGBAAt(srcX, srcY))
		}
	}
	return out
}
