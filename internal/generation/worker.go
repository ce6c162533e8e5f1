package generation

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/providers/image"
)

// ImageStore persists generated bytes and builds their public URLs.
type ImageStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	URL(key string) string
}

// Worker renders try-on images for a job and stores them. It never touches
// the job store; the gateway records whatever it returns.
type Worker struct {
	providers image.Registry
	store     ImageStore
	logger    infra.Logger

	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewWorker(providers image.Registry, store ImageStore, logger infra.Logger) *Worker {
	return &Worker{
		providers: providers,
		store:     store,
		logger:    infra.Component(logger, "worker"),
		limit:     rate.Inf,
	}
}

// ThrottleProviders caps calls to each provider at perSecond with the given
// burst. Zero or negative perSecond removes the cap.
func (w *Worker) ThrottleProviders(perSecond float64, burst int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limiters = nil
	if perSecond <= 0 {
		w.limit = rate.Inf
		return
	}
	if burst < 1 {
		burst = 1
	}
	w.limit = rate.Limit(perSecond)
	w.burst = burst
}

func (w *Worker) limiterFor(provider string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit == rate.Inf {
		return nil
	}
	if w.limiters == nil {
		w.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := w.limiters[provider]
	if !ok {
		l = rate.NewLimiter(w.limit, w.burst)
		w.limiters[provider] = l
	}
	return l
}

// Generate runs the job's provider and uploads every returned image.
func (w *Worker) Generate(ctx context.Context, job *domain.GenerationJob) (domain.Result, error) {
	if job == nil {
		return domain.Result{}, errors.New("generation: nil job")
	}
	provider := job.Request.Provider
	if provider == "" {
		provider = "gemini"
	}
	gen, err := w.providers.Get(provider)
	if err != nil {
		return domain.Result{}, err
	}

	if limiter := w.limiterFor(provider); limiter != nil {
		// A wait that cannot finish inside the deadline counts as a timeout.
		if err := limiter.Wait(ctx); err != nil {
			return domain.Result{}, fmt.Errorf("provider %s quota: %w: %w", provider, context.DeadlineExceeded, err)
		}
	}

	log := w.logger.With().Str("job_id", job.ID).Str("provider", provider).Str("model", gen.Model()).Logger()
	started := time.Now()
	assets, err := gen.Generate(ctx, image.Request{
		PersonImageURL:  job.Request.PersonImageURL,
		GarmentImageURL: job.Request.GarmentImageURL,
		Prompt:          job.Request.Prompt,
		RequestID:       job.ID,
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("generate: %w", err)
	}
	if len(assets) == 0 {
		return domain.Result{}, errors.New("generate: provider returned no images")
	}

	images := make([]domain.ResultImage, 0, len(assets))
	for i, asset := range assets {
		key := fmt.Sprintf("tryon/%s/%s/%02d%s", job.TenantID, job.ID, i+1, extensionFor(asset.Format))
		stored, err := w.store.Write(ctx, key, asset.Data)
		if err != nil {
			return domain.Result{}, fmt.Errorf("store image %d: %w", i+1, err)
		}
		images = append(images, domain.ResultImage{
			StorageKey: stored,
			URL:        w.store.URL(stored),
			MIME:       asset.Format,
			Width:      asset.Width,
			Height:     asset.Height,
			Bytes:      int64(len(asset.Data)),
		})
	}

	log.Info().Int("images", len(images)).Dur("elapsed", time.Since(started)).Msg("worker: try-on rendered")
	return domain.Result{Provider: provider, Images: images}, nil
}

func extensionFor(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "image/png", "":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(format); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
