package image

import (
	"context"

	"tryon/internal/providers/genai"
)

type geminiClient interface {
	TryOn(ctx context.Context, req genai.TryOnRequest) ([]genai.Image, error)
	Model() string
}

// GeminiGenerator adapts the Gemini client to Generator.
type GeminiGenerator struct {
	client geminiClient
}

// NewGeminiGenerator returns a Generator backed by client.
func NewGeminiGenerator(client geminiClient) *GeminiGenerator {
	return &GeminiGenerator{client: client}
}

func (g *GeminiGenerator) Model() string {
	return g.client.Model()
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) ([]Asset, error) {
	images, err := g.client.TryOn(ctx, genai.TryOnRequest{
		PersonImageURL:  req.PersonImageURL,
		GarmentImageURL: req.GarmentImageURL,
		Prompt:          req.Prompt,
		RequestID:       req.RequestID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(images))
	for _, img := range images {
		out = append(out, Asset{Format: img.Format, Width: img.Width, Height: img.Height, Data: img.Data})
	}
	return out, nil
}

var _ Generator = (*GeminiGenerator)(nil)
