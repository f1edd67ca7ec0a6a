// Package audit implements the two-stage candidate audit (§4.D): ordered
// hard gates that short-circuit on first failure, then weighted soft
// metrics that produce a composite pass/fail score.
package audit

import (
	"image"
	"math"

	"github.com/strongdm/spritegen/internal/anchor"
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/reason"
)

// Correction recommends what the retry ladder should do about a soft-failed
// frame: a cheap realignment pass, or a full regeneration.
type Correction string

const (
	CorrectionNone       Correction = ""
	CorrectionAlign      Correction = "ALIGN"
	CorrectionRegenerate Correction = "REGENERATE"
)

// SubScores holds the per-metric [0,1] scores contributing to Composite.
type SubScores struct {
	Identity   float64
	Palette    float64
	Baseline   float64
	LineWeight float64
	Temporal   float64
}

// Report is the Auditor's verdict on one candidate (§3 AuditReport).
type Report struct {
	CompositeScore float64
	Flags          []reason.Code
	Passed         bool
	AutoAligned    bool
	DriftPixels    int
	SubScores      SubScores
	Correction     Correction
}

// HasFlag reports whether code is present in the report's flag set.
func (r *Report) HasFlag(code reason.Code) bool {
	for _, f := range r.Flags {
		if f == code {
			return true
		}
	}
	return false
}

// softWeights are the composite weights for each soft metric. They sum to 1.
var softWeights = map[reason.Code]float64{
	reason.SF01IdentityDrift:       0.40,
	reason.SF02PaletteDrift:        0.25,
	reason.SF03BaselineDrift:       0.15,
	reason.SF04TemporalIncoherence: 0.20,
}

// Input gathers everything Audit needs for one candidate.
type Input struct {
	FileSize int64
	Image    *image.NRGBA

	Manifest       *manifest.Manifest
	AnchorAnalysis *anchor.Analysis
	AnchorImage    *image.NRGBA

	// PreviousApproved is the previous approved frame's decoded image, or
	// nil on frame 0 / when unavailable.
	PreviousApproved *image.NRGBA

	// MoveCategory selects the SF04 threshold bucket (idle/walk/block) or
	// bypasses SF04 entirely (attack/jump/hit/special), per §4.D.
	MoveCategory string
}

// minFileSizeBytes is the hard-gate threshold for HF05_FILE_SIZE_INVALID.
const minFileSizeBytes = 10 * 1024

// bypassTemporalCategories skip SF04 entirely (§4.D).
var bypassTemporalCategories = map[string]bool{
	"attack": true, "jump": true, "hit": true, "special": true,
}

// Audit runs the ordered hard gates, then (if all pass) the weighted soft
// metrics, and returns the resulting Report.
func Audit(in Input) Report {
	if in.FileSize < minFileSizeBytes {
		return hardFail(reason.HF05FileSizeInvalid)
	}
	if in.Image == nil {
		return hardFail(reason.HF03ImageCorrupted)
	}

	ts := in.Manifest.TargetSize
	bounds := in.Image.Bounds()
	if bounds.Dx() != ts || bounds.Dy() != ts {
		return hardFail(reason.HF01DimensionMismatch)
	}

	if !anyOpaquePixel(in.Image) {
		return hardFail(reason.HF02FullyTransparent)
	}

	if !hasAlphaChannel(in.Image) {
		return hardFail(reason.HF04WrongColorDepth)
	}

	return softAudit(in)
}

func hardFail(code reason.Code) Report {
	return Report{Flags: []reason.Code{code}, Passed: false, CompositeScore: 0}
}

func anyOpaquePixel(img *image.NRGBA) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.NRGBAAt(x, y).A >= 1 {
				return true
			}
		}
	}
	return false
}

// hasAlphaChannel always holds for the audit's own decode path: postprocess
// always hands Audit an *image.NRGBA, so the color model itself guarantees
// an alpha channel and Audit never emits HF04_WRONG_COLOR_DEPTH for a
// non-nil image. A candidate without usable alpha is instead rejected by
// postprocess (ErrNoAlpha), which the orchestrator records as HF_NO_ALPHA.
func hasAlphaChannel(img *image.NRGBA) bool {
	return img != nil
}

func softAudit(in Input) Report {
	candidateAnalysis, err := anchor.AnalyzeWithRootZone(in.Image, in.Manifest.Alignment.RootZoneRatio)
	if err != nil {
		return hardFail(reason.HF02FullyTransparent)
	}

	var flags []reason.Code
	sub := SubScores{}

	sub.Identity = SSIMAgainst(in.Image, in.AnchorImage)
	if sub.Identity < in.Manifest.Audit.IdentityMin {
		flags = append(flags, reason.SF01IdentityDrift)
	}

	sub.Palette = paletteMatchFraction(in.Image, in.AnchorAnalysis.Palette, in.Manifest.Audit.PaletteDeltaE)
	if sub.Palette < in.Manifest.Audit.PaletteMin {
		flags = append(flags, reason.SF02PaletteDrift)
	}

	driftPixels := int(math.Abs(float64(in.AnchorAnalysis.BaselineY - candidateAnalysis.BaselineY)))
	sub.Baseline, sub.LineWeight = baselineScore(driftPixels, in.Manifest.Audit.BaselinePassPx, in.Manifest.Audit.BaselineFailPx)
	if float64(driftPixels) > in.Manifest.Audit.BaselinePassPx {
		flags = append(flags, reason.SF03BaselineDrift)
	}

	sub.Temporal = 1.0
	if in.PreviousApproved != nil && !bypassTemporalCategories[in.MoveCategory] {
		mapd := maskedMeanAbsDiff(in.Image, in.PreviousApproved)
		threshold := in.Manifest.Audit.TemporalThresholds[in.MoveCategory]
		if threshold == 0 {
			threshold = 0.10
		}
		sub.Temporal = 1.0 - math.Min(mapd/threshold, 1.0)
		if mapd > threshold {
			flags = append(flags, reason.SF04TemporalIncoherence)
		}
	}

	noiseCount := countOrphanPixels(in.Image)
	if noiseCount > in.Manifest.Audit.PixelNoiseMax {
		flags = append(flags, reason.SFPixelNoise)
	}

	haloFraction := alphaHaloFraction(in.Image)
	if haloFraction > in.Manifest.Audit.AlphaHaloMax {
		flags = append(flags, reason.SFAlphaHalo)
	}

	composite := sub.Identity*softWeights[reason.SF01IdentityDrift] +
		sub.Palette*softWeights[reason.SF02PaletteDrift] +
		sub.Baseline*softWeights[reason.SF03BaselineDrift] +
		sub.Temporal*softWeights[reason.SF04TemporalIncoherence]

	// Every soft flag (SF01-SF04, pixel noise, alpha halo) is a soft-fail.
	passed := composite >= in.Manifest.Audit.PassThreshold && len(flags) == 0

	correction := CorrectionNone
	if !passed {
		if len(flags) == 1 && flags[0] == reason.SF03BaselineDrift && float64(driftPixels) <= in.Manifest.Audit.BaselineFailPx {
			correction = CorrectionAlign
		} else {
			correction = CorrectionRegenerate
		}
	}

	return Report{
		CompositeScore: composite,
		Flags:          flags,
		Passed:         passed,
		DriftPixels:    driftPixels,
		SubScores:      sub,
		Correction:     correction,
	}
}

// baselineScore maps residual baseline drift to a [0,1] score: <= passPx is
// a perfect score, > failPx is zero, and values in between interpolate.
func baselineScore(driftPx int, passPx, failPx float64) (float64, float64) {
	d := float64(driftPx)
	if d <= passPx {
		return 1.0, 1.0
	}
	if d > failPx {
		return 0.0, 0.0
	}
	score := 1.0 - (d-passPx)/(failPx-passPx)
	return score, score
}

// SSIMAgainst computes a windowed structural similarity index between two
// equally-sized images over a grayscale projection, using a fixed 7x7
// window moved in steps of 4 pixels (§4.D SF01).
func SSIMAgainst(a, b *image.NRGBA) float64 {
	if a == nil || b == nil {
		return 0
	}
	ga := toGray(a)
	gb := toGray(b)
	if len(ga) != len(gb) || len(ga) == 0 {
		return 0
	}

	const window = 7
	const stride = 4
	const c1, c2 = 6.5025, 58.5225

	w := a.Bounds().Dx()
	h := a.Bounds().Dy()

	var total float64
	var count int
	for y := 0; y+window <= h; y += stride {
		for x := 0; x+window <= w; x += stride {
			ma, va := windowStats(ga, w, x, y, window)
			mb, vb := windowStats(gb, w, x, y, window)
			cov := windowCovariance(ga, gb, w, x, y, window, ma, mb)
			num := (2*ma*mb + c1) * (2*cov + c2)
			den := (ma*ma + mb*mb + c1) * (va + vb + c2)
			if den == 0 {
				continue
			}
			total += num / den
			count++
		}
	}
	if count == 0 {
		return 1.0
	}
	return clamp01(total / float64(count))
}

func toGray(img *image.NRGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, b.Dx()*b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			out[i] = 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			i++
		}
	}
	return out
}

func windowStats(g []float64, width, x0, y0, size int) (mean, variance float64) {
	var sum, sumSq float64
	n := 0
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			v := g[y*width+x]
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean = sum / float64(n)
	variance = sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

func windowCovariance(ga, gb []float64, width, x0, y0, size int, ma, mb float64) float64 {
	var sum float64
	n := 0
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			sum += (ga[y*width+x] - ma) * (gb[y*width+x] - mb)
			n++
		}
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// paletteMatchFraction returns the fraction of opaque candidate pixels whose
// nearest anchor-palette color (in CIE L*a*b*) is within deltaE (§4.D SF02).
func paletteMatchFraction(img *image.NRGBA, palette map[anchor.RGB]struct{}, deltaEMax float64) float64 {
	bounds := img.Bounds()
	labPalette := make([][3]float64, 0, len(palette))
	for c := range palette {
		labPalette = append(labPalette, rgbToLab(c.R, c.G, c.B))
	}
	if len(labPalette) == 0 {
		return 0
	}

	var opaque, matched int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := img.NRGBAAt(x, y)
			if px.A < 128 {
				continue
			}
			opaque++
			lab := rgbToLab(px.R, px.G, px.B)
			best := math.MaxFloat64
			for _, pl := range labPalette {
				d := deltaE76(lab, pl)
				if d < best {
					best = d
				}
			}
			if best <= deltaEMax {
				matched++
			}
		}
	}
	if opaque == 0 {
		return 1.0
	}
	return float64(matched) / float64(opaque)
}

func rgbToLab(r, g, b uint8) [3]float64 {
	toLinear := func(c float64) float64 {
		c /= 255.0
		if c <= 0.04045 {
			return c / 12.92
		}
		return math.Pow((c+0.055)/1.055, 2.4)
	}
	rl, gl, bl := toLinear(float64(r)), toLinear(float64(g)), toLinear(float64(b))

	x := rl*0.4124 + gl*0.3576 + bl*0.1805
	y := rl*0.2126 + gl*0.7152 + bl*0.0722
	z := rl*0.0193 + gl*0.1192 + bl*0.9505

	xn, yn, zn := 0.95047, 1.0, 1.08883
	fx, fy, fz := labF(x/xn), labF(y/yn), labF(z/zn)

	l := 116*fy - 16
	a := 500 * (fx - fy)
	bb := 200 * (fy - fz)
	return [3]float64{l, a, bb}
}

func labF(t float64) float64 {
	if t > 0.008856 {
		return math.Cbrt(t)
	}
	return 7.787*t + 16.0/116.0
}

func deltaE76(a, b [3]float64) float64 {
	dl := a[0] - b[0]
	da := a[1] - b[1]
	db := a[2] - b[2]
	return math.Sqrt(dl*dl + da*da + db*db)
}

// maskedMeanAbsDiff computes mean absolute pixel difference over the
// intersection of pixels opaque in both images, normalized by 255 (§4.D SF04).
func maskedMeanAbsDiff(a, b *image.NRGBA) float64 {
	bounds := a.Bounds()
	var sum float64
	var n int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pa := a.NRGBAAt(x, y)
			pb := b.NRGBAAt(x, y)
			if pa.A < 128 || pb.A < 128 {
				continue
			}
			sum += math.Abs(float64(pa.R)-float64(pb.R)) / 255.0
			sum += math.Abs(float64(pa.G)-float64(pb.G)) / 255.0
			sum += math.Abs(float64(pa.B)-float64(pb.B)) / 255.0
			n += 3
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// countOrphanPixels counts opaque pixels whose four orthogonal neighbors all
// differ in color from the pixel itself (§4.D SF_PIXEL_NOISE).
func countOrphanPixels(img *image.NRGBA) int {
	bounds := img.Bounds()
	count := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.A < 128 {
				continue
			}
			neighbors := [][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
			allDiffer := true
			for _, n := range neighbors {
				nx, ny := n[0], n[1]
				if nx < bounds.Min.X || nx >= bounds.Max.X || ny < bounds.Min.Y || ny >= bounds.Max.Y {
					allDiffer = false
					break
				}
				nc := img.NRGBAAt(nx, ny)
				if nc == c {
					allDiffer = false
					break
				}
			}
			if allDiffer {
				count++
			}
		}
	}
	return count
}

// alphaHaloFraction computes the fraction of edge pixels (opaque adjacent to
// transparent) whose alpha sits in the partial range (0, 254) (§4.D SF_ALPHA_HALO).
func alphaHaloFraction(img *image.NRGBA) float64 {
	bounds := img.Bounds()
	var edgeCount, partialCount int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.A == 0 {
				continue
			}
			if isEdgePixel(img, bounds, x, y) {
				edgeCount++
				if c.A > 0 && c.A < 254 {
					partialCount++
				}
			}
		}
	}
	if edgeCount == 0 {
		return 0
	}
	return float64(partialCount) / float64(edgeCount)
}

func isEdgePixel(img *image.NRGBA, bounds image.Rectangle, x, y int) bool {
	neighbors := [][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
	for _, n := range neighbors {
		nx, ny := n[0], n[1]
		if nx < bounds.Min.X || nx >= bounds.Max.X || ny < bounds.Min.Y || ny >= bounds.Max.Y {
			return true
		}
		if img.NRGBAAt(nx, ny).A == 0 {
			return true
		}
	}
	return false
}
