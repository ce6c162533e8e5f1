package handlers

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"tryon/internal/domain"
	"tryon/internal/middleware"
	"tryon/pkg/zip"
)

// ResultReader loads stored result images.
type ResultReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// ResultArchive returns every image of a completed job as one zip file.
// Downloading does not count as viewing; credit is only committed through
// ConfirmView.
func (a *App) ResultArchive(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	job, err := a.Jobs.Get(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.TenantID != tenantID {
		a.fail(w, r, domain.ErrNotFound)
		return
	}
	completed, ok := job.Completed()
	if !ok {
		a.fail(w, r, &domain.NotReadyError{JobID: job.ID, Status: job.Status()})
		return
	}

	assets := make([]zip.Asset, 0, len(completed.Result.Images))
	for i, img := range completed.Result.Images {
		data, err := a.Files.Read(r.Context(), img.StorageKey)
		if err != nil {
			a.fail(w, r, fmt.Errorf("load image %d of job %s: %w", i+1, job.ID, err))
			return
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s-%s", job.ID, path.Base(img.StorageKey)),
			Data:     data,
			Modified: completed.FinishedAt,
		})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tryon-%s.zip", job.ID))
	w.WriteHeader(http.StatusOK)
	if err := zip.WriteArchive(w, assets); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("handlers: archive stream interrupted")
	}
}
