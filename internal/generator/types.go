// Package generator defines the pluggable image-generation capability
// contract (§6): an ordered sequence of prompt Parts in, one candidate image
// out, with a closed error-kind taxonomy distinguishing transient failures
// the orchestrator should retry from permanent ones the retry ladder should
// handle.
package generator

import "context"

// PartKind distinguishes the two part types the generator accepts, ordered
// to build the Prompt Composer's "Reference Sandwich" (§4.B).
type PartKind string

const (
	PartText        PartKind = "text"
	PartInlineImage PartKind = "inline_image"
)

// Part is one ordered element of a generation request.
type Part struct {
	Kind PartKind

	// Text holds the literal text when Kind == PartText.
	Text string

	// ImageBytes and Mime hold the inline reference image when
	// Kind == PartInlineImage.
	ImageBytes []byte
	Mime       string
}

// TextPart constructs a text Part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart constructs an inline-image Part.
func ImagePart(data []byte, mime string) Part {
	return Part{Kind: PartInlineImage, ImageBytes: data, Mime: mime}
}

// Request is one generation call: an ordered list of Parts, a deterministic
// or random seed (§4.B seed policy), and a temperature locked to the model
// default.
type Request struct {
	Parts       []Part
	Seed        uint32
	Temperature float32
}

// Response is a successfully generated candidate image.
type Response struct {
	ImageBytes []byte
	Mime       string
	ModelID    string

	// ReasoningToken is an optional opaque token some providers return
	// alongside the image (e.g. for moderation audit trails). It is not
	// interpreted by the orchestrator.
	ReasoningToken string
}

// Generator produces one candidate frame image from a Request. Implementations
// must distinguish transient from permanent failures by returning an *Error
// with the correct Kind (§4.I failure semantics).
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
