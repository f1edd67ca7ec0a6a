// Package packer implements the atlas-export stage (§6): it assembles the
// approved/*.png frames for one move into a single texture atlas PNG plus a
// multi-atlas JSON describing frame placement, matching the contract a
// downstream sprite renderer expects.
package packer

import (
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/strongdm/spritegen/internal/runstore"
)

// ErrPackFailed wraps any failure in the pack pipeline so callers can map it
// to the DEP_TEXTUREPACKER_FAIL status reason (§6).
type ErrPackFailed struct {
	Err error
}

func (e *ErrPackFailed) Error() string { return fmt.Sprintf("packer: %v", e.Err) }
func (e *ErrPackFailed) Unwrap() error { return e.Err }

// Texture is one entry of the root "textures" array in the exported JSON.
type Texture struct {
	Image  string  `json:"image"`
	Frames []Frame `json:"frames"`
}

// Frame is one sprite's placement within a Texture's image. Filename always
// matches ^{move}/\d{4}$ with no extension, per §6.
type Frame struct {
	Filename string `json:"filename"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Atlas is the full export JSON document: a root texture array. The MVP
// packer always emits exactly one texture; the shape stays multi-atlas so a
// future packer that splits frames across sheets is a drop-in replacement.
type Atlas struct {
	Textures []Texture `json:"textures"`
}

// Packer is the pluggable atlas-export capability (§6). Pack reads
// approvedDir/frame_{0000..N-1}.png, lays them out on one sheet, and writes
// imagePath + jsonPath. frameCount must equal manifest.total_frames.
type Packer interface {
	Pack(approvedDir, move string, frameCount int, imagePath, jsonPath string) error
}

// GridPacker is the reference Packer: it tiles every approved frame, in
// index order, into a single row-major grid sized to the frames' common
// dimensions. Frames must all share one size; that is guaranteed upstream by
// target_size (§4.C) being fixed for the whole run.
type GridPacker struct {
	// Columns caps how many frames sit in one row before wrapping. Zero
	// means pack every frame into a single row.
	Columns int
}

// Pack implements Packer.
func (p GridPacker) Pack(approvedDir, move string, frameCount int, imagePath, jsonPath string) error {
	if frameCount <= 0 {
		return &ErrPackFailed{Err: fmt.Errorf("frame count must be positive, got %d", frameCount)}
	}
	frames := make([]*image.NRGBA, frameCount)
	for i := 0; i < frameCount; i++ {
		path := filepath.Join(approvedDir, fmt.Sprintf("frame_%04d.png", i))
		img, err := decodeNRGBA(path)
		if err != nil {
			return &ErrPackFailed{Err: fmt.Errorf("frame %d: %w", i, err)}
		}
		frames[i] = img
	}

	cols := p.Columns
	if cols <= 0 || cols > frameCount {
		cols = frameCount
	}
	rows := (frameCount + cols - 1) / cols

	cellW, cellH := frames[0].Bounds().Dx(), frames[0].Bounds().Dy()
	sheet := image.NewNRGBA(image.Rect(0, 0, cellW*cols, cellH*rows))

	texFrames := make([]Frame, frameCount)
	for i, f := range frames {
		if f.Bounds().Dx() != cellW || f.Bounds().Dy() != cellH {
			return &ErrPackFailed{Err: fmt.Errorf("frame %d size %dx%d does not match frame 0 size %dx%d", i, f.Bounds().Dx(), f.Bounds().Dy(), cellW, cellH)}
		}
		col, row := i%cols, i/cols
		x, y := col*cellW, row*cellH
		dstRect := image.Rect(x, y, x+cellW, y+cellH)
		draw.Draw(sheet, dstRect, f, image.Point{}, draw.Src)
		texFrames[i] = Frame{
			Filename: fmt.Sprintf("%s/%04d", move, i),
			X:        x,
			Y:        y,
			Width:    cellW,
			Height:   cellH,
		}
	}

	if err := encodePNG(imagePath, sheet); err != nil {
		return &ErrPackFailed{Err: err}
	}

	atlas := Atlas{Textures: []Texture{{
		Image:  filepath.Base(imagePath),
		Frames: texFrames,
	}}}
	if err := writeAtlasJSON(jsonPath, atlas); err != nil {
		return &ErrPackFailed{Err: err}
	}
	return nil
}

func decodeNRGBA(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, err
	}
	if n, ok := img.(*image.NRGBA); ok {
		return n, nil
	}
	nrgba := image.NewNRGBA(img.Bounds())
	draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return nrgba, nil
}

func encodePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeAtlasJSON(path string, atlas Atlas) error {
	b, err := json.MarshalIndent(atlas, "", "  ")
	if err != nil {
		return err
	}
	return runstore.WriteAtomic(path, b)
}

// FrameNames returns the sorted set of every frame filename across an
// Atlas's textures, for checking the multi-atlas invariant (§8.9).
func FrameNames(atlas Atlas) []string {
	var names []string
	for _, tex := range atlas.Textures {
		for _, f := range tex.Frames {
			names = append(names, f.Filename)
		}
	}
	sort.Strings(names)
	return names
}
