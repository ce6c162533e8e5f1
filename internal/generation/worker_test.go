package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tryon/internal/domain"
	"tryon/internal/providers/genai"
	"tryon/internal/providers/image"
	"tryon/internal/storage"
)

type failingGenerator struct{ err error }

func (f failingGenerator) Generate(ctx context.Context, req image.Request) ([]image.Asset, error) {
	return nil, f.err
}

func (failingGenerator) Model() string { return "failing" }

func newJob() *domain.GenerationJob {
	return domain.NewPendingJob("job-1", "tenant-1", "res-1", 1, domain.TryOnRequest{
		PersonImageURL:  "https://cdn.example.com/p.png",
		GarmentImageURL: "https://cdn.example.com/g.png",
		Provider:        "gemini",
	}, time.Now().UTC())
}

func TestWorkerStoresSyntheticTryOn(t *testing.T) {
	client, err := genai.NewClient(genai.Options{})
	if err != nil {
		t.Fatalf("genai client: %v", err)
	}
	store, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	w := NewWorker(image.Registry{"gemini": image.NewGeminiGenerator(client)}, store, zerolog.Nop())

	result, err := w.Generate(context.Background(), newJob())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Provider != "gemini" || len(result.Images) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	img := result.Images[0]
	if img.StorageKey != "tryon/tenant-1/job-1/01.png" {
		t.Fatalf("storage key = %q", img.StorageKey)
	}
	if img.URL != "http://localhost:8080/static/tryon/tenant-1/job-1/01.png" {
		t.Fatalf("url = %q", img.URL)
	}
	if img.Bytes == 0 || img.Width == 0 || img.MIME != "image/png" {
		t.Fatalf("unexpected image metadata %+v", img)
	}
}

func TestWorkerErrors(t *testing.T) {
	store, _ := storage.NewFileStore(t.TempDir(), "")
	boom := errors.New("provider down")
	w := NewWorker(image.Registry{"gemini": failingGenerator{err: boom}}, store, zerolog.Nop())

	if _, err := w.Generate(context.Background(), newJob()); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}

	job := newJob()
	job.Request.Provider = "qwen"
	if _, err := w.Generate(context.Background(), job); err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestWorkerThrottlesProvider(t *testing.T) {
	store, _ := storage.NewFileStore(t.TempDir(), "")
	boom := errors.New("provider down")
	w := NewWorker(image.Registry{"gemini": failingGenerator{err: boom}}, store, zerolog.Nop())
	w.ThrottleProviders(0.01, 1)

	if _, err := w.Generate(context.Background(), newJob()); !errors.Is(err, boom) {
		t.Fatalf("first call should reach the provider, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Generate(ctx, newJob()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected quota wait to time out, got %v", err)
	}

	w.ThrottleProviders(0, 0)
	if _, err := w.Generate(context.Background(), newJob()); !errors.Is(err, boom) {
		t.Fatalf("unthrottled call should reach the provider, got %v", err)
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/png":  ".png",
		"":           ".png",
		"IMAGE/JPEG": ".jpg",
		"image/webp": ".webp",
	}
	for format, want := range cases {
		if got := extensionFor(format); got != want {
			t.Fatalf("extensionFor(%q) = %q, want %q", format, got, want)
		}
	}
}
