package generator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiGenerator is a Generator backed by Google's image-capable Gemini
// models, addressed through the shared genai client.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGeminiGenerator builds a GeminiGenerator. model is the image-capable
// model ID (e.g. "gemini-2.5-flash-image"); log may be nil, in which case a
// no-op logger is used.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, log *zap.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("generator: gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("generator: create genai client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model, log: log}, nil
}

// Generate sends req's ordered Parts to the model and returns the first
// inline image in the response.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		switch p.Kind {
		case PartText:
			parts = append(parts, genai.NewPartFromText(p.Text))
		case PartInlineImage:
			parts = append(parts, genai.NewPartFromBytes(p.ImageBytes, p.Mime))
		}
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	temp := req.Temperature
	seed := int32(req.Seed)
	cfg := &genai.GenerateContentConfig{
		Temperature: &temp,
		Seed:        &seed,
	}

	g.log.Debug("generator: dispatching request", zap.String("model", g.model), zap.Uint32("seed", req.Seed))

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Response{}, classifyGenAIError(err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return Response{}, &Error{Kind: ErrorSafetyRefused, Provider: "gemini", Message: "no candidates returned"}
	}

	for _, part := range result.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return Response{
				ImageBytes: part.InlineData.Data,
				Mime:       part.InlineData.MIMEType,
				ModelID:    g.model,
			}, nil
		}
	}

	return Response{}, &Error{Kind: ErrorSafetyRefused, Provider: "gemini", Message: "response contained no inline image"}
}

// classifyGenAIError maps a genai client error into the closed ErrorKind
// taxonomy. genai surfaces provider HTTP errors as a genai.APIError value carrying
// a Code; anything else is treated as a transport failure.
func classifyGenAIError(err error) *Error {
	if apiErr, ok := err.(genai.APIError); ok {
		return ErrorFromHTTPStatus("gemini", apiErr.Code, apiErr.Message, nil, nil)
	}
	return &Error{Kind: ErrorTransport, Provider: "gemini", Message: err.Error(), Cause: err}
}
