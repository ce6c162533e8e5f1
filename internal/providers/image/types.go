package image

import (
	"context"
	"fmt"
	"strings"
)

// Request is a normalized try-on request passed to any image provider.
type Request struct {
	PersonImageURL  string
	GarmentImageURL string
	Prompt          string
	RequestID       string
}

// Asset represents one generated try-on image.
type Asset struct {
	Format string
	Width  int
	Height int
	Data   []byte
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]Asset, error)
	Model() string
}

// Registry maps provider names to generators.
type Registry map[string]Generator

// Get returns the generator registered for provider.
func (r Registry) Get(provider string) (Generator, error) {
	g, ok := r[strings.ToLower(strings.TrimSpace(provider))]
	if !ok || g == nil {
		return nil, fmt.Errorf("image provider %q not configured", provider)
	}
	return g, nil
}

// Names lists the registered providers.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}
