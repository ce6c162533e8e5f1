package image

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tryon/internal/providers/qwen"
)

type stubQwenClient struct {
	creds bool
	last  qwen.TryOnRequest
	err   error
}

func (s *stubQwenClient) TryOn(ctx context.Context, req qwen.TryOnRequest) (*qwen.Rendered, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &qwen.Rendered{Data: []byte("png"), Format: "image/png", Width: 768, Height: 1024}, nil
}

func (s *stubQwenClient) HasCredentials() bool { return s.creds }
func (s *stubQwenClient) Model() string        { return "qwen-image-edit" }

type stubGenerator struct {
	calls int
}

func (s *stubGenerator) Generate(ctx context.Context, req Request) ([]Asset, error) {
	s.calls++
	return []Asset{{Format: "image/png", Data: []byte("synthetic")}}, nil
}

func (s *stubGenerator) Model() string { return "synthetic" }

func TestQwenGeneratorSendsPersonThenGarment(t *testing.T) {
	client := &stubQwenClient{creds: true}
	g := NewQwenGenerator(client, nil)

	assets, err := g.Generate(context.Background(), Request{
		PersonImageURL:  "https://cdn/p.png",
		GarmentImageURL: "https://cdn/g.png",
		Prompt:          "roll up the sleeves",
		RequestID:       "job-1",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(assets) != 1 || assets[0].Width != 768 {
		t.Fatalf("unexpected assets %+v", assets)
	}
	if client.last.PersonImageURL != "https://cdn/p.png" || client.last.GarmentImageURL != "https://cdn/g.png" {
		t.Fatalf("images = %q, %q", client.last.PersonImageURL, client.last.GarmentImageURL)
	}
	if !strings.Contains(client.last.Instruction, "roll up the sleeves") {
		t.Fatalf("instruction lost direction: %q", client.last.Instruction)
	}
	if client.last.NegativePrompt != DefaultNegativePrompt {
		t.Fatalf("negative prompt = %q", client.last.NegativePrompt)
	}

	first := client.last.Seed
	_, _ = g.Generate(context.Background(), Request{PersonImageURL: "a", GarmentImageURL: "b", RequestID: "job-1"})
	if client.last.Seed != first || first <= 0 {
		t.Fatalf("seed should be stable and positive, got %d then %d", first, client.last.Seed)
	}
}

func TestQwenGeneratorFallsBackWithoutCredentials(t *testing.T) {
	fallback := &stubGenerator{}
	g := NewQwenGenerator(&stubQwenClient{}, fallback)

	if _, err := g.Generate(context.Background(), Request{RequestID: "job-2"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("expected fallback call")
	}
	if g.Model() != "synthetic" {
		t.Fatalf("model should report fallback, got %q", g.Model())
	}

	if _, err := NewQwenGenerator(&stubQwenClient{}, nil).Generate(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error without credentials or fallback")
	}
}

func TestQwenGeneratorWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	g := NewQwenGenerator(&stubQwenClient{creds: true, err: boom}, &stubGenerator{})
	if _, err := g.Generate(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := Registry{"gemini": &stubGenerator{}}
	if _, err := reg.Get(" Gemini "); err != nil {
		t.Fatalf("lookup should normalise: %v", err)
	}
	if _, err := reg.Get("qwen"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
