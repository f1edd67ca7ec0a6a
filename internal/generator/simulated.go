package generator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
)

// Simulated is a deterministic Generator used in tests and offline dry runs:
// it returns a solid-color PNG of a fixed size, optionally failing on a
// configured attempt count so ladder/orchestrator tests can script specific
// failure sequences without a network dependency.
type Simulated struct {
	Size int

	// Failures, if non-nil, is consulted by call index (0-based) to decide
	// whether that call should fail, and with what error.
	Failures map[int]*Error

	calls int
}

// NewSimulated returns a Simulated generator producing size x size images.
func NewSimulated(size int) *Simulated {
	return &Simulated{Size: size, Failures: map[int]*Error{}}
}

func (s *Simulated) Generate(ctx context.Context, req Request) (Response, error) {
	idx := s.calls
	s.calls++

	if err, fail := s.Failures[idx]; fail {
		return Response{}, err
	}

	size := s.Size
	if size == 0 {
		size = 64
	}
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	// Deterministic fill derived from the seed so repeated calls with the
	// same seed (attempt 1 replay) produce byte-identical output.
	c := color.NRGBA{
		R: uint8(req.Seed),
		G: uint8(req.Seed >> 8),
		B: uint8(req.Seed >> 16),
		A: 255,
	}
	for y := size / 4; y < size*3/4; y++ {
		for x := size / 4; x < size*3/4; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Response{}, &Error{Kind: ErrorTransport, Message: err.Error(), Cause: err}
	}

	return Response{
		ImageBytes: buf.Bytes(),
		Mime:       "image/png",
		ModelID:    "simulated",
	}, nil
}

// Calls reports how many times Generate has been invoked.
func (s *Simulated) Calls() int { return s.calls }
